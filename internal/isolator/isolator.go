// Package isolator implements the bounded-step knobs a Policy drives: LLC
// partitioning, memory-bandwidth throttling, core-affinity extension, and
// combined core-count adjustment, plus an Idle no-op. Each is a tagged
// variant behind one small interface rather than a class hierarchy —
// nothing here needs virtual dispatch on the hot path.
package isolator

import (
	"github.com/isoctl/isoctl/internal/metric"
)

// NextStep is the outcome of a decision: which direction (if any) the
// isolator should move before its next enforce.
type NextStep uint8

const (
	Idle NextStep = iota
	Strengthen
	Weaken
	Stop
)

func (n NextStep) String() string {
	switch n {
	case Idle:
		return "IDLE"
	case Strengthen:
		return "STRENGTHEN"
	case Weaken:
		return "WEAKEN"
	case Stop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// ResourceType tags which contended resource an isolator (or a
// contention fingerprint) addresses.
type ResourceType uint8

const (
	ResourceCPU ResourceType = iota
	ResourceLLC
	ResourceMemory
)

func (r ResourceType) String() string {
	switch r {
	case ResourceCPU:
		return "CPU"
	case ResourceLLC:
		return "LLC"
	case ResourceMemory:
		return "MEMBW"
	default:
		return "UNKNOWN"
	}
}

// Thresholds are the decision constants shared by the diff-threshold
// isolators (LLC, MemoryBandwidth, CoreAffinity). spec.md is authoritative
// on FORCE_THRESHOLD's default (0.05); the original source's drafts use
// 0.1 for the same constant — see DESIGN.md.
type Thresholds struct {
	ForceThreshold float64 // first-decision "close enough" cutoff
	DoDThreshold   float64 // monitoring "diff of diff" / current-diff cutoff
}

// DefaultThresholds matches spec.md §4.1.
func DefaultThresholds() Thresholds {
	return Thresholds{ForceThreshold: 0.05, DoDThreshold: 0.005}
}

// Isolator is the common contract every variant implements. Strengthen/
// Weaken are pure state moves; Enforce applies the current step to the
// OS. Reset restores original OS state and must tolerate workloads that
// have already exited. StoreCurConfig/LoadCurConfig snapshot and restore
// the step (not OS state) around solorun profiling.
type Isolator interface {
	Kind() ResourceType
	Strengthen()
	Weaken()
	IsMaxLevel() bool
	IsMinLevel() bool
	Enforce() error
	Reset() error
	StoreCurConfig()
	LoadCurConfig()
	// DecideNextStep consumes the latest fg metric diff and returns the
	// next step. It also yields the first-decision flag once consumed.
	DecideNextStep(diff metric.Diff) NextStep
	// YieldIsolation sets the first-decision flag, called when a Policy
	// switches to this isolator.
	YieldIsolation()
}

// decisionState is embedded by every threshold-driven isolator (LLC,
// MemoryBandwidth, CoreAffinity). It carries the first-decision flag and
// the previously observed diff value, and implements the two-mode
// decision rule from spec.md §4.1 in terms of a single scalar diff picked
// out by the embedding isolator.
type decisionState struct {
	thresholds     Thresholds
	forceFirst     bool
	prevDiffScalar float64
}

func newDecisionState(t Thresholds) decisionState {
	return decisionState{thresholds: t, forceFirst: true}
}

func (d *decisionState) YieldIsolation() {
	d.forceFirst = true
}

// decide runs the shared first/monitoring rule against cur (the scalar
// diff this isolator cares about), given the caller's current max/min
// level state. It updates prevDiffScalar as a side effect, per spec.md's
// "stored as prev_metric_diff after each decision" rule.
func (d *decisionState) decide(cur float64, isMax, isMin bool) NextStep {
	var step NextStep
	if d.forceFirst {
		d.forceFirst = false
		step = d.firstDecision(cur, isMax, isMin)
	} else {
		step = d.monitoringDecision(cur, isMax, isMin)
	}
	d.prevDiffScalar = cur
	return step
}

func (d *decisionState) firstDecision(cur float64, isMax, isMin bool) NextStep {
	switch {
	case cur < 0:
		if isMax {
			return Stop
		}
		return Strengthen
	case cur <= d.thresholds.ForceThreshold:
		return Stop
	default:
		if isMin {
			return Stop
		}
		return Weaken
	}
}

func (d *decisionState) monitoringDecision(cur float64, isMax, isMin bool) NextStep {
	dod := cur - d.prevDiffScalar
	if abs(dod) <= d.thresholds.DoDThreshold || abs(cur) <= d.thresholds.DoDThreshold {
		return Stop
	}
	if cur > 0 {
		if isMin {
			return Stop
		}
		return Weaken
	}
	if isMax {
		return Stop
	}
	return Strengthen
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
