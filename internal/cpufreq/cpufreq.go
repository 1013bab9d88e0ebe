// Package cpufreq drives the MemoryBandwidth isolator's DVFS knob: it
// reads the hardware frequency bounds once and writes scaling_max_freq per
// CPU thereafter.
package cpufreq

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/isoctl/isoctl/internal/isoerr"
)

const sysRoot = "/sys/devices/system/cpu"

// Bounds are the hardware frequency limits, read from cpu0 at startup. All
// CPUs on a socket are assumed homogeneous, matching the original's
// single-read-at-import-time behavior.
type Bounds struct {
	MinKHz int
	MaxKHz int
}

// Discover reads cpuinfo_min_freq/cpuinfo_max_freq for cpu0.
func Discover() (*Bounds, error) {
	return discoverAt(sysRoot)
}

func discoverAt(root string) (*Bounds, error) {
	min, err := readInt(filepath.Join(root, "cpu0", "cpufreq", "cpuinfo_min_freq"))
	if err != nil {
		return nil, isoerr.Host(fmt.Errorf("reading cpuinfo_min_freq: %w", err))
	}
	max, err := readInt(filepath.Join(root, "cpu0", "cpufreq", "cpuinfo_max_freq"))
	if err != nil {
		return nil, isoerr.Host(fmt.Errorf("reading cpuinfo_max_freq: %w", err))
	}
	return &Bounds{MinKHz: min, MaxKHz: max}, nil
}

func readInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// SetFreq writes scaling_max_freq for every core in cores. A core whose
// process has already exited still has a live cpufreq sysfs entry (it is a
// per-CPU file, not per-process), so this does not need transient handling
// the way cpuset/resctrl task writes do.
func SetFreq(khz int, cores []int) error {
	return setFreqAt(sysRoot, khz, cores)
}

func setFreqAt(root string, khz int, cores []int) error {
	for _, c := range cores {
		path := filepath.Join(root, fmt.Sprintf("cpu%d", c), "cpufreq", "scaling_max_freq")
		if err := os.WriteFile(path, []byte(strconv.Itoa(khz)), 0o644); err != nil {
			return fmt.Errorf("writing scaling_max_freq for cpu%d: %w", c, err)
		}
	}
	return nil
}
