package policy_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/isoctl/isoctl/internal/metric"
	"github.com/isoctl/isoctl/internal/policy"
	"github.com/isoctl/isoctl/internal/workload"
)

func writeSeedFile(t *testing.T, dir, name string, instructions uint64) {
	t.Helper()
	rec := map[string]any{
		"name":         name,
		"l2miss":       1,
		"l3miss":       2,
		"instructions": instructions,
		"cycles":       3,
		"interval_ms":  1000,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadSeedLibrary_KeyedByName(t *testing.T) {
	dir := t.TempDir()
	writeSeedFile(t, dir, "redis", 500)
	writeSeedFile(t, dir, "memcached", 700)

	lib, err := policy.LoadSeedLibrary(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(lib) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(lib))
	}
	if lib["redis"].Instructions != 500 {
		t.Fatalf("expected redis instructions 500, got %d", lib["redis"].Instructions)
	}
}

func TestSeedLibrary_SeedsOnlyWhenNoBaselineYet(t *testing.T) {
	dir := t.TempDir()
	writeSeedFile(t, dir, "redis", 500)
	lib, err := policy.LoadSeedLibrary(dir)
	if err != nil {
		t.Fatal(err)
	}

	w := workload.New("redis_0", workload.Foreground, 999301, 0, 0, []int{0, 1}, 10)
	if !lib.Seed(w) {
		t.Fatal("expected seed to apply when no baseline present")
	}
	if w.SoloAvg().Instructions != 500 {
		t.Fatalf("expected seeded instructions 500, got %d", w.SoloAvg().Instructions)
	}

	w.SetSoloAvg(metric.Sample{Instructions: 999, IntervalMS: 1000})
	if lib.Seed(w) {
		t.Fatal("expected seed to be a no-op once a live baseline is present")
	}
	if w.SoloAvg().Instructions != 999 {
		t.Fatal("expected live baseline to remain unchanged")
	}
}

func TestSeedLibrary_NoMatchLeavesBaselineNil(t *testing.T) {
	lib := policy.SeedLibrary{}
	w := workload.New("unknown_0", workload.Foreground, 999302, 0, 0, []int{0, 1}, 10)
	if lib.Seed(w) {
		t.Fatal("expected no seed for unmatched identifier")
	}
	if w.SoloAvg() != nil {
		t.Fatal("expected solo avg to remain nil")
	}
}
