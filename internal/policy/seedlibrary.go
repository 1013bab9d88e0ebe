package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/isoctl/isoctl/internal/metric"
	"github.com/isoctl/isoctl/internal/workload"
)

// seedRecord is the on-disk shape of one bundled reference solorun
// baseline.
type seedRecord struct {
	Name         string  `json:"name"`
	L2Miss       uint64  `json:"l2miss"`
	L3Miss       uint64  `json:"l3miss"`
	Instructions uint64  `json:"instructions"`
	Cycles       uint64  `json:"cycles"`
	StallCycles  uint64  `json:"stall_cycles"`
	WallCycles   uint64  `json:"wall_cycles"`
	IntraCoh     uint64  `json:"intra_coh"`
	InterCoh     uint64  `json:"inter_coh"`
	LLCOccupancy uint64  `json:"llc_size"`
	LocalMemByte uint64  `json:"local_mem"`
	RemoteMemByte uint64 `json:"remote_mem"`
	IntervalMS   uint64  `json:"interval_ms"`
}

// SeedLibrary is a name-keyed set of reference solorun baselines bundled
// with the binary, used to pre-populate a workload's solorun-avg before
// its first live profiling run completes. Never authoritative: any live
// solorun always overwrites a seeded value.
type SeedLibrary map[string]metric.Sample

// LoadSeedLibrary reads every *.json file in dir into a SeedLibrary,
// keyed by each record's "name" field.
func LoadSeedLibrary(dir string) (SeedLibrary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading seed library dir %q: %w", dir, err)
	}

	lib := make(SeedLibrary)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading seed file %q: %w", e.Name(), err)
		}
		var rec seedRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("parsing seed file %q: %w", e.Name(), err)
		}
		if rec.IntervalMS == 0 {
			rec.IntervalMS = 1000
		}
		lib[rec.Name] = metric.Sample{
			L2Miss:        rec.L2Miss,
			L3Miss:        rec.L3Miss,
			Instructions:  rec.Instructions,
			Cycles:        rec.Cycles,
			StallCycles:   rec.StallCycles,
			WallCycles:    rec.WallCycles,
			IntraCoh:      rec.IntraCoh,
			InterCoh:      rec.InterCoh,
			LLCOccupancy:  rec.LLCOccupancy,
			LocalMemByte:  rec.LocalMemByte,
			RemoteMemByte: rec.RemoteMemByte,
			IntervalMS:    rec.IntervalMS,
		}
	}
	return lib, nil
}

// Seed sets w's solorun-avg from the library entry matching w's
// identifier prefix (the part before the final "_<suffix>", matching the
// wl_identifier naming convention), but only if w has no solorun-avg yet.
// A later live solorun always wins by simply overwriting SoloAvg.
func (lib SeedLibrary) Seed(w *workload.Workload) bool {
	if w.SoloAvg() != nil {
		return false
	}
	name := w.Identifier()
	if idx := strings.LastIndex(name, "_"); idx >= 0 {
		name = name[:idx]
	}
	sample, ok := lib[name]
	if !ok {
		return false
	}
	w.SetSoloAvg(sample)
	return true
}
