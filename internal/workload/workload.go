// Package workload holds the mutable state for one co-located process: its
// identity, core binding, metric history, and cached solorun baseline.
// Field access is mutex-guarded the same way the rest of the controller
// guards per-entity state: lock, read/write, unlock, no field touched
// directly from outside.
package workload

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/isoctl/isoctl/internal/cpuset"
	"github.com/isoctl/isoctl/internal/isoerr"
	"github.com/isoctl/isoctl/internal/metric"
)

// Kind distinguishes the two workload roles.
type Kind uint8

const (
	Foreground Kind = iota
	Background
)

func (k Kind) String() string {
	switch k {
	case Foreground:
		return "fg"
	case Background:
		return "bg"
	default:
		return "unknown"
	}
}

// ParseKind parses the broker's "fg"/"bg" field.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "fg":
		return Foreground, nil
	case "bg":
		return Background, nil
	default:
		return 0, fmt.Errorf("unknown workload kind %q", s)
	}
}

// Workload is one process participating in isolation. All mutable fields
// are guarded by mu; Identifier, Kind, PID, and Socket are immutable after
// construction.
type Workload struct {
	mu sync.Mutex

	identifier string
	kind       Kind
	pid        int
	perfPID    int
	socket     int

	origCores []int // the range assigned at creation; replaced only by the swapper via SetOriginalCores
	curCores  []int // subset of, or extended within, the socket
	memNodes  []int // NUMA nodes this workload's cgroup may allocate from

	cpusetGroup *cpuset.Group // this workload's own cpuset cgroup, follows it across swaps

	ring      *metric.Ring
	soloAvg   *metric.Sample
	threadCnt int // cached fg thread count, used to detect re-baseline need
}

// New constructs a Workload in its original-cores configuration, current
// equal to original.
func New(identifier string, kind Kind, pid, perfPID, socket int, origCores []int, ringSize int) *Workload {
	cur := make([]int, len(origCores))
	copy(cur, origCores)
	return &Workload{
		identifier: identifier,
		kind:       kind,
		pid:        pid,
		perfPID:    perfPID,
		socket:     socket,
		origCores:  origCores,
		curCores:   cur,
		ring:       metric.NewRing(ringSize),
	}
}

func (w *Workload) Identifier() string { return w.identifier }
func (w *Workload) Kind() Kind         { return w.kind }
func (w *Workload) PID() int           { return w.pid }
func (w *Workload) PerfPID() int       { return w.perfPID }
func (w *Workload) Socket() int        { return w.socket }
func (w *Workload) Ring() *metric.Ring { return w.ring }

// OriginalCores returns a copy of the core range assigned at creation.
func (w *Workload) OriginalCores() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int, len(w.origCores))
	copy(out, w.origCores)
	return out
}

// CurrentCores returns a copy of the currently bound core range.
func (w *Workload) CurrentCores() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int, len(w.curCores))
	copy(out, w.curCores)
	return out
}

// SetCurrentCores replaces the current core binding. Callers (isolators)
// are responsible for also writing the cpuset/resctrl OS state.
func (w *Workload) SetCurrentCores(cores []int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.curCores = append([]int(nil), cores...)
}

// SetOriginalCores overwrites the original-cores reference, used only by
// the swapper when exchanging bg workloads between groups.
func (w *Workload) SetOriginalCores(cores []int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.origCores = append([]int(nil), cores...)
}

// OriginalMemNodes returns a copy of the NUMA nodes this workload's
// cgroup may allocate memory from.
func (w *Workload) OriginalMemNodes() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int, len(w.memNodes))
	copy(out, w.memNodes)
	return out
}

// SetOriginalMemNodes overwrites the bound memory nodes, used by the
// swapper when exchanging bg workloads between groups.
func (w *Workload) SetOriginalMemNodes(nodes []int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.memNodes = append([]int(nil), nodes...)
}

// CpusetGroup returns this workload's own cpuset cgroup handle, set once
// at creation via SetCpusetGroup. Stays with the workload across a
// cross-group swap, unlike current-cores which the owning Policy mutates.
func (w *Workload) CpusetGroup() *cpuset.Group {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cpusetGroup
}

// SetCpusetGroup attaches the workload's cgroup handle, normally done
// once right after New by whoever admits the workload.
func (w *Workload) SetCpusetGroup(g *cpuset.Group) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cpusetGroup = g
}

// SoloAvg returns the cached solorun baseline, or nil if none yet.
func (w *Workload) SoloAvg() *metric.Sample {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.soloAvg
}

// SetSoloAvg stores a freshly computed solorun baseline.
func (w *Workload) SetSoloAvg(s metric.Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.soloAvg = &s
}

// ThreadCount returns the cached runnable-thread count recorded at the
// last solorun.
func (w *Workload) ThreadCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.threadCnt
}

// SetThreadCount updates the cached thread count.
func (w *Workload) SetThreadCount(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.threadCnt = n
}

// IsAlive checks whether the OS process still exists, via signal 0.
func (w *Workload) IsAlive() bool {
	return syscall.Kill(w.pid, 0) == nil
}

// Pause sends SIGSTOP to the workload and its perf agent, used by the
// solorun profiler and the swapper. Safe to call on a workload that has
// already exited — reported as a transient error, swallowed by the caller.
func (w *Workload) Pause() error {
	return w.signalBoth(syscall.SIGSTOP)
}

// Resume sends SIGCONT to the workload and its perf agent.
func (w *Workload) Resume() error {
	return w.signalBoth(syscall.SIGCONT)
}

func (w *Workload) signalBoth(sig syscall.Signal) error {
	if err := syscall.Kill(w.pid, sig); err != nil {
		if err == syscall.ESRCH {
			return isoerr.Transient(err)
		}
		return fmt.Errorf("signaling pid %d: %w", w.pid, err)
	}
	if w.perfPID > 0 {
		if err := syscall.Kill(w.perfPID, sig); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("signaling perf pid %d: %w", w.perfPID, err)
		}
	}
	return nil
}
