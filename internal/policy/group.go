package policy

import (
	"fmt"

	"github.com/isoctl/isoctl/internal/cpufreq"
	"github.com/isoctl/isoctl/internal/cpuset"
	"github.com/isoctl/isoctl/internal/isolator"
	"github.com/isoctl/isoctl/internal/metric"
	"github.com/isoctl/isoctl/internal/resctrl"
	"github.com/isoctl/isoctl/internal/workload"
)

// Deps are the OS-facing handles a Group needs to build its isolator set.
// The controller resolves these (from topology/resctrl/cpufreq discovery
// and per-workload cgroup creation) before admitting a fg+bg pair.
type Deps struct {
	ResctrlInfo *resctrl.Info
	NumSockets  int

	FGResctrl *resctrl.Group
	BGResctrl *resctrl.Group
	FGCpuset  *cpuset.Group
	BGCpuset  *cpuset.Group

	CPUFreqBounds *cpufreq.Bounds
}

// Group owns one fg plus its bound background workloads on one socket,
// and the fixed set of isolators available to drive them. Only the first
// bg (BGs[0]) is wired into the single-isolator-set model below; a second
// bg riding along the same fg shares the group's enforcement state but is
// paused/resumed alongside BGs[0] during solorun.
type Group struct {
	FG     *workload.Workload
	BGs    []*workload.Workload
	Socket int

	cfg  Config
	deps Deps

	llc          *isolator.LLC
	membw        *isolator.MemoryBandwidth
	coreAffinity *isolator.CoreAffinity
	coreCount    *isolator.CoreCount
	idle         *isolator.IdleIsolator

	current isolator.Isolator

	usedLLC, usedMembw, usedCore bool // Conservative round-robin flags
	aggressiveMemTurn            bool // Aggressive's CoreCount/MemBW toggle

	violationCount int

	profiling          bool
	soloDeadlineTick   int
	verifyFailStreak   int
	pendingThreadCount int
}

// NewGroup builds the fixed isolator map for one fg/bg pair, mirroring
// IsolationPolicy.init_isolators. bg is BGs[0]; callers append additional
// background workloads afterward if the group holds more than one.
func NewGroup(fg, bg *workload.Workload, socket int, deps Deps, cfg Config) *Group {
	fgCores := fg.OriginalCores()
	bgCores := bg.OriginalCores()

	llc := isolator.NewLLC(fg.Socket(), bg.Socket(), deps.FGResctrl, deps.BGResctrl, deps.ResctrlInfo, deps.NumSockets)
	membw := isolator.NewMemoryBandwidth(bgCores, deps.CPUFreqBounds, cfg.CPUFreqStepKHz)
	affinity := isolator.NewCoreAffinity(fgCores[0], fgCores[len(fgCores)-1], bgCores[0], deps.FGCpuset)
	coreCount := isolator.NewCoreCount(fg, bg, deps.FGCpuset, deps.BGCpuset, cfg.InstructionPSThreshold)

	idle := isolator.NewIdle()
	return &Group{
		FG:           fg,
		BGs:          []*workload.Workload{bg},
		Socket:       socket,
		cfg:          cfg,
		deps:         deps,
		llc:          llc,
		membw:        membw,
		coreAffinity: affinity,
		coreCount:    coreCount,
		idle:         idle,
		current:      idle,
	}
}

// Ended reports whether either side of the pair has exited.
func (g *Group) Ended() bool {
	if !g.FG.IsAlive() {
		return true
	}
	for _, bg := range g.BGs {
		if !bg.IsAlive() {
			return true
		}
	}
	return false
}

// CurrentIsolator returns the isolator currently driving this group.
func (g *Group) CurrentIsolator() isolator.Isolator { return g.current }

// InSolorun reports whether the group is mid solorun-profiling window and
// should skip normal isolation decisions.
func (g *Group) InSolorun() bool { return g.profiling }

// NewIsolatorNeeded is true when sitting Idle, or (under
// WithViolationDetection, applied by the wrapper in violation.go) when a
// fingerprint mismatch persisted past ViolationThreshold.
func (g *Group) NewIsolatorNeeded() bool {
	return g.current == isolator.Isolator(g.idle)
}

// SetIdleIsolator yields the running isolator and switches to Idle.
func (g *Group) SetIdleIsolator() {
	g.current.YieldIsolation()
	g.current = g.idle
}

// Reset calls Reset on every isolator, restoring OS state to baseline.
func (g *Group) Reset() error {
	for _, iso := range []isolator.Isolator{g.llc, g.membw, g.coreAffinity, g.coreCount} {
		if err := iso.Reset(); err != nil {
			return fmt.Errorf("group reset: %w", err)
		}
	}
	return nil
}

// ContentiousResource fingerprints the fg's current bottleneck using its
// latest sample and its diff against the cached solorun-avg.
func (g *Group) ContentiousResource() isolator.ResourceType {
	latest, ok := g.FG.Ring().Latest()
	solo := g.FG.SoloAvg()
	if !ok || solo == nil {
		return isolator.ResourceCPU
	}
	diff := metric.ComputeDiff(latest, *solo)
	return ContentiousResource(g.cfg, diff, latest)
}

// FGDiff returns the fg's latest metric diff against its solorun-avg.
func (g *Group) FGDiff() (metric.Diff, bool) {
	return workloadDiff(g.FG)
}

// BGDiff returns BGs[0]'s latest metric diff against its solorun-avg,
// used by the swapper's benefit calculation. Background workloads don't
// go through their own solorun window, and the controller does not set a
// solorun-avg for them; BGDiff reports false until one is set on BGs[0]
// (through SetSoloAvg or SeedLibrary.Seed).
func (g *Group) BGDiff() (metric.Diff, bool) {
	return workloadDiff(g.BGs[0])
}

func workloadDiff(w *workload.Workload) (metric.Diff, bool) {
	latest, ok := w.Ring().Latest()
	solo := w.SoloAvg()
	if !ok || solo == nil {
		return metric.Diff{}, false
	}
	return metric.ComputeDiff(latest, *solo), true
}

// RebuildIsolators reconstructs the isolator set bound to the group's
// current BGs[0] and the given deps (normally a Deps whose BGCpuset now
// points at the new bg's own cgroup). Used by the swapper after it has
// exchanged BGs[0] between two groups: the isolators built at NewGroup
// time are wired to the old bg's identity and cgroup and cannot simply be
// reused. Resets to Idle and clears round-robin/turn state so the group
// starts fresh against its new pairing.
func (g *Group) RebuildIsolators(deps Deps) {
	fg, bg := g.FG, g.BGs[0]
	fgCores := fg.OriginalCores()
	bgCores := bg.OriginalCores()

	g.deps = deps
	g.llc = isolator.NewLLC(fg.Socket(), bg.Socket(), deps.FGResctrl, deps.BGResctrl, deps.ResctrlInfo, deps.NumSockets)
	g.membw = isolator.NewMemoryBandwidth(bgCores, deps.CPUFreqBounds, g.cfg.CPUFreqStepKHz)
	g.coreAffinity = isolator.NewCoreAffinity(fgCores[0], fgCores[len(fgCores)-1], bgCores[0], deps.FGCpuset)
	g.coreCount = isolator.NewCoreCount(fg, bg, deps.FGCpuset, deps.BGCpuset, g.cfg.InstructionPSThreshold)
	g.idle = isolator.NewIdle()
	g.current = g.idle

	g.clearUsedFlags()
	g.aggressiveMemTurn = false
	g.violationCount = 0
}

func (g *Group) clearUsedFlags() {
	g.usedLLC, g.usedMembw, g.usedCore = false, false, false
}

// chooseConservative implements DiffPolicy.choose_next_isolator: pick the
// resource-matching isolator only if its kind hasn't been used this
// round-robin cycle; when every kind has been used, clear flags and retry
// once so coverage restarts rather than stalling on Idle.
func (g *Group) chooseConservative() bool {
	resource := g.ContentiousResource()
	switch resource {
	case isolator.ResourceLLC:
		if !g.usedLLC {
			g.selectIsolator(g.llc)
			g.usedLLC = true
			return true
		}
	case isolator.ResourceMemory:
		if !g.usedMembw {
			g.selectIsolator(g.membw)
			g.usedMembw = true
			return true
		}
		if !g.usedCore {
			g.coreCount.SetContentiousResource(isolator.ResourceMemory)
			g.selectIsolator(g.coreCount)
			g.usedCore = true
			return true
		}
	}

	if g.usedLLC && g.usedMembw && g.usedCore {
		g.clearUsedFlags()
		return g.chooseConservative()
	}
	return false
}

// chooseAggressive implements GreedyDiffPolicy.choose_next_isolator: a
// thread-starved fg always prefers CoreAffinity (if not already maxed);
// otherwise the matching isolator is picked unconditionally, with the
// MEMORY fingerprint alternating between MemoryBandwidth and CoreCount.
func (g *Group) chooseAggressive() bool {
	if len(g.FG.CurrentCores()) < g.FG.ThreadCount() && !g.coreAffinity.IsMaxLevel() {
		g.selectIsolator(g.coreAffinity)
		return true
	}

	switch g.ContentiousResource() {
	case isolator.ResourceLLC:
		g.selectIsolator(g.llc)
		return true
	case isolator.ResourceMemory:
		if !g.aggressiveMemTurn {
			g.selectIsolator(g.membw)
			g.aggressiveMemTurn = true
			return true
		}
		g.coreCount.SetContentiousResource(isolator.ResourceMemory)
		g.selectIsolator(g.coreCount)
		g.aggressiveMemTurn = false
		return true
	}
	return false
}

func (g *Group) selectIsolator(iso isolator.Isolator) {
	iso.YieldIsolation()
	g.current = iso
}
