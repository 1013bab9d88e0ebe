// Package cpuset writes the cpuset cgroup files (cpus, mems,
// memory_migrate) that back CoreAffinity/CoreCount isolation and the
// swapper's migration step.
package cpuset

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/isoctl/isoctl/internal/isoerr"
)

// Group is one cpuset cgroup directory, one per Workload.
type Group struct {
	path string
}

// Open wraps an existing cgroup directory (created by the workload
// spawner, outside this package's scope).
func Open(path string) *Group {
	return &Group{path: path}
}

// AssignCPUs writes cpuset.cpus as a contiguous range list, e.g. "0-7".
func (g *Group) AssignCPUs(cores []int) error {
	return g.write("cpuset.cpus", FormatList(cores))
}

// AssignMems writes cpuset.mems, the NUMA node(s) this group may allocate
// memory from.
func (g *Group) AssignMems(nodes []int) error {
	return g.write("cpuset.mems", FormatList(nodes))
}

// SetMemoryMigrate toggles cpuset.memory_migrate, enabled by the swapper
// before exchanging memory nodes so already-resident pages move with the
// workload.
func (g *Group) SetMemoryMigrate(on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	return g.write("cpuset.memory_migrate", v)
}

// ReadCPUs reads back the current cpuset.cpus assignment.
func (g *Group) ReadCPUs() ([]int, error) {
	return g.readList("cpuset.cpus")
}

// ReadMems reads back the current cpuset.mems assignment.
func (g *Group) ReadMems() ([]int, error) {
	return g.readList("cpuset.mems")
}

func (g *Group) write(file, value string) error {
	err := os.WriteFile(filepath.Join(g.path, file), []byte(value), 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return isoerr.Transient(err)
		}
		return fmt.Errorf("writing %s: %w", file, err)
	}
	return nil
}

func (g *Group) readList(file string) ([]int, error) {
	data, err := os.ReadFile(filepath.Join(g.path, file))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, isoerr.Transient(err)
		}
		return nil, fmt.Errorf("reading %s: %w", file, err)
	}
	return ParseList(strings.TrimSpace(string(data)))
}

// FormatList renders a sorted, contiguous-run-compressed int slice in the
// kernel's list format ("0-3,7,9-11").
func FormatList(vals []int) string {
	if len(vals) == 0 {
		return ""
	}
	var b strings.Builder
	start := vals[0]
	prev := vals[0]
	flush := func(end int) {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if start == end {
			b.WriteString(strconv.Itoa(start))
		} else {
			fmt.Fprintf(&b, "%d-%d", start, end)
		}
	}
	for _, v := range vals[1:] {
		if v == prev+1 {
			prev = v
			continue
		}
		flush(prev)
		start, prev = v, v
	}
	flush(prev)
	return b.String()
}

// ParseList parses the kernel's list format into a sorted int slice.
func ParseList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if dash := strings.IndexByte(part, '-'); dash >= 0 {
			lo, err := strconv.Atoi(part[:dash])
			if err != nil {
				return nil, err
			}
			hi, err := strconv.Atoi(part[dash+1:])
			if err != nil {
				return nil, err
			}
			for v := lo; v <= hi; v++ {
				out = append(out, v)
			}
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
