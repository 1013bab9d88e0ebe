package isolator

import (
	"fmt"

	"github.com/isoctl/isoctl/internal/cpuset"
	"github.com/isoctl/isoctl/internal/metric"
	"github.com/isoctl/isoctl/internal/workload"
)

// CoreCount moves fg's last core and bg's first core simultaneously,
// deciding each side's direction independently (unlike LLC/MemBW/
// CoreAffinity, which move a single scalar step). Its contentious
// resource tag is set by the owning Policy's fingerprint and determines
// which MetricDiff axis drives the decision.
type CoreCount struct {
	fg, bg *workload.Workload
	fgGroup, bgGroup *cpuset.Group

	contentious ResourceType // ResourceCPU or ResourceMemory

	origFgLast  int
	origBgFirst int
	origBgLast  int

	curFgLast  int
	curBgFirst int

	bgNext, fgNext NextStep

	instPSThreshold float64
	forceFirst      bool
	prevDiff        float64

	storedFgLast, storedBgFirst int
}

// NewCoreCount constructs a CoreCount isolator. instPSThreshold is
// spec.md §9's formerly-hardcoded `_INST_PS_THRESHOLD`, made configurable
// (default -0.5, see policy.Config.InstructionPSThreshold).
func NewCoreCount(fg, bg *workload.Workload, fgGroup, bgGroup *cpuset.Group, instPSThreshold float64) *CoreCount {
	fgCores := fg.OriginalCores()
	bgCores := bg.OriginalCores()
	origFgLast := fgCores[len(fgCores)-1]
	origBgFirst := bgCores[0]
	origBgLast := bgCores[len(bgCores)-1]
	return &CoreCount{
		fg: fg, bg: bg,
		fgGroup: fgGroup, bgGroup: bgGroup,
		contentious:     ResourceMemory,
		origFgLast:      origFgLast,
		origBgFirst:     origBgFirst,
		origBgLast:      origBgLast,
		curFgLast:       origFgLast,
		curBgFirst:      origBgFirst,
		instPSThreshold: instPSThreshold,
		forceFirst:      true,
	}
}

func (c *CoreCount) Kind() ResourceType { return c.contentious }

// SetContentiousResource is called by the Policy when it (re)selects this
// isolator, based on the latest contention fingerprint.
func (c *CoreCount) SetContentiousResource(r ResourceType) { c.contentious = r }

func (c *CoreCount) YieldIsolation() { c.forceFirst = true }

func (c *CoreCount) Strengthen() {
	if c.bgNext == Strengthen {
		c.curBgFirst++
	}
	if c.fgNext == Weaken {
		c.curFgLast++
	}
}

func (c *CoreCount) Weaken() {
	if c.bgNext == Weaken {
		c.curBgFirst--
	}
	if c.fgNext == Strengthen {
		c.curFgLast--
	}
}

// IsMaxLevel collapses to true only when both sides have reached their
// boundary together (spec.md §9 resolves the draft ambiguity this way:
// both next-steps IDLE also collapses the overall decision to STOP, see
// decideNextStep below).
func (c *CoreCount) IsMaxLevel() bool {
	return c.curBgFirst == c.origBgLast && c.curFgLast == c.curBgFirst-1
}

func (c *CoreCount) IsMinLevel() bool {
	return c.curBgFirst == c.origBgFirst && c.curFgLast == c.origFgLast
}

func (c *CoreCount) fgRange() []int {
	fgFirst := c.fg.OriginalCores()[0]
	out := make([]int, 0, c.curFgLast-fgFirst+1)
	for core := fgFirst; core <= c.curFgLast; core++ {
		out = append(out, core)
	}
	return out
}

func (c *CoreCount) bgRange() []int {
	bgCores := c.bg.OriginalCores()
	bgLast := bgCores[len(bgCores)-1]
	out := make([]int, 0, bgLast-c.curBgFirst+1)
	for core := c.curBgFirst; core <= bgLast; core++ {
		out = append(out, core)
	}
	return out
}

func (c *CoreCount) Enforce() error {
	if err := c.fgGroup.AssignCPUs(c.fgRange()); err != nil {
		return fmt.Errorf("corecount enforce fg: %w", err)
	}
	if err := c.bgGroup.AssignCPUs(c.bgRange()); err != nil {
		return fmt.Errorf("corecount enforce bg: %w", err)
	}
	return nil
}

func (c *CoreCount) Reset() error {
	c.curFgLast = c.origFgLast
	c.curBgFirst = c.origBgFirst
	if c.fg.IsAlive() {
		if err := c.fgGroup.AssignCPUs(c.fgRange()); err != nil {
			return fmt.Errorf("corecount reset fg: %w", err)
		}
	}
	if c.bg.IsAlive() {
		if err := c.bgGroup.AssignCPUs(c.bgRange()); err != nil {
			return fmt.Errorf("corecount reset bg: %w", err)
		}
	}
	return nil
}

func (c *CoreCount) StoreCurConfig() {
	c.storedFgLast, c.storedBgFirst = c.curFgLast, c.curBgFirst
}

func (c *CoreCount) LoadCurConfig() {
	c.curFgLast, c.curBgFirst = c.storedFgLast, c.storedBgFirst
}

func (c *CoreCount) diffValue(d metric.Diff) float64 {
	if c.contentious == ResourceMemory {
		return d.LocalMemRate
	}
	return d.InstructionsRate
}

func (c *CoreCount) DecideNextStep(d metric.Diff) NextStep {
	cur := c.diffValue(d)
	var step NextStep
	if c.forceFirst {
		c.forceFirst = false
		step = c.firstDecision(cur, d.InstructionsRate)
	} else {
		step = c.monitoringDecision(cur, d.InstructionsRate)
	}
	c.prevDiff = cur
	return step
}

func (c *CoreCount) firstDecision(cur, fgInstPS float64) NextStep {
	if cur < 0 {
		if c.IsMaxLevel() {
			return Stop
		}
		return c.strengthenCondition(fgInstPS)
	}
	if cur <= DefaultThresholds().ForceThreshold {
		return Stop
	}
	if c.IsMinLevel() {
		return Stop
	}
	return c.weakenCondition(fgInstPS)
}

func (c *CoreCount) monitoringDecision(cur, fgInstPS float64) NextStep {
	dod := cur - c.prevDiff
	if abs(dod) <= DefaultThresholds().DoDThreshold || abs(cur) <= DefaultThresholds().DoDThreshold {
		return Stop
	}
	if cur > 0 {
		if c.IsMinLevel() {
			return Stop
		}
		return c.weakenCondition(fgInstPS)
	}
	if c.IsMaxLevel() {
		return Stop
	}
	return c.strengthenCondition(fgInstPS)
}

// weakenCondition decides bg's and fg's independent sub-steps when the
// overall direction is weaken (give fg less, bg more).
func (c *CoreCount) weakenCondition(fgInstPS float64) NextStep {
	switch c.contentious {
	case ResourceCPU:
		fgNotUsed := len(c.fg.CurrentCores()) - c.fg.ThreadCount()
		if fgNotUsed <= 0 {
			c.bgNext = Idle
		} else {
			c.bgNext = Weaken
		}
	case ResourceMemory:
		if c.curBgFirst == c.origBgFirst {
			c.bgNext = Idle
		} else {
			c.bgNext = Weaken
		}
	}

	if fgInstPS > c.instPSThreshold && c.origFgLast < c.curFgLast {
		c.fgNext = Strengthen
	} else {
		c.fgNext = Idle
	}

	if c.bgNext == Idle && c.fgNext == Idle {
		return Stop
	}
	return Weaken
}

// strengthenCondition decides bg's and fg's independent sub-steps when
// the overall direction is strengthen (give fg more, bg less).
func (c *CoreCount) strengthenCondition(fgInstPS float64) NextStep {
	switch c.contentious {
	case ResourceCPU:
		if fgInstPS > c.instPSThreshold {
			c.bgNext = Idle
		} else if c.fg.ThreadCount() > len(c.fg.CurrentCores()) {
			c.bgNext = Strengthen
		} else {
			c.bgNext = Idle
		}
	case ResourceMemory:
		bgCores := c.bg.OriginalCores()
		if c.curBgFirst == bgCores[len(bgCores)-1] {
			c.bgNext = Idle
		} else {
			c.bgNext = Strengthen
		}
	}

	origFgCores := c.fg.OriginalCores()
	if fgInstPS < c.instPSThreshold &&
		(c.bgNext == Strengthen || c.curBgFirst-c.curFgLast > 1) &&
		c.fg.ThreadCount() > len(origFgCores) {
		c.fgNext = Weaken
	} else {
		c.fgNext = Idle
	}

	if c.bgNext == Idle && c.fgNext == Idle {
		return Stop
	}
	return Strengthen
}
