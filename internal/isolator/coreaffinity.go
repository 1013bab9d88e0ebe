package isolator

import (
	"fmt"

	"github.com/isoctl/isoctl/internal/cpuset"
	"github.com/isoctl/isoctl/internal/metric"
)

// CoreAffinity extends fg's contiguous core range inward, toward bg's
// range, without touching bg's own binding. Only fg's cpuset changes.
type CoreAffinity struct {
	decisionState

	fgFirst    int // fg's original first core, immutable
	origFgLast int // fg's original last core, the min-level boundary
	bgFirst    int // bg's first core, the max-level boundary fg may never cross

	curLast    int // fg's current last core (step)
	storedLast int

	fgGroup *cpuset.Group
}

// NewCoreAffinity constructs a CoreAffinity isolator. origFgLast is fg's
// original last core (also the starting step); bgFirst is the boundary.
func NewCoreAffinity(fgFirst, origFgLast, bgFirst int, fgGroup *cpuset.Group) *CoreAffinity {
	return &CoreAffinity{
		decisionState: newDecisionState(DefaultThresholds()),
		fgFirst:       fgFirst,
		origFgLast:    origFgLast,
		bgFirst:       bgFirst,
		curLast:       origFgLast,
		fgGroup:       fgGroup,
	}
}

func (c *CoreAffinity) Kind() ResourceType { return ResourceCPU }

func (c *CoreAffinity) Strengthen() { c.curLast++ }
func (c *CoreAffinity) Weaken()     { c.curLast-- }

func (c *CoreAffinity) IsMaxLevel() bool { return c.curLast+1 == c.bgFirst }
func (c *CoreAffinity) IsMinLevel() bool { return c.curLast == c.origFgLast }

func (c *CoreAffinity) currentRange() []int {
	out := make([]int, 0, c.curLast-c.fgFirst+1)
	for core := c.fgFirst; core <= c.curLast; core++ {
		out = append(out, core)
	}
	return out
}

func (c *CoreAffinity) Enforce() error {
	if err := c.fgGroup.AssignCPUs(c.currentRange()); err != nil {
		return fmt.Errorf("coreaffinity enforce: %w", err)
	}
	return nil
}

func (c *CoreAffinity) Reset() error {
	c.curLast = c.origFgLast
	if err := c.fgGroup.AssignCPUs(c.currentRange()); err != nil {
		return fmt.Errorf("coreaffinity reset: %w", err)
	}
	return nil
}

func (c *CoreAffinity) StoreCurConfig() { c.storedLast = c.curLast }
func (c *CoreAffinity) LoadCurConfig()  { c.curLast = c.storedLast }

func (c *CoreAffinity) DecideNextStep(diff metric.Diff) NextStep {
	return c.decide(diff.InstructionsRate, c.IsMaxLevel(), c.IsMinLevel())
}
