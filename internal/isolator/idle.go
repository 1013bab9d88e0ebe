package isolator

import "github.com/isoctl/isoctl/internal/metric"

// Idle is the do-nothing isolator a Policy sits on between selections. It
// never strengthens, weakens, or enforces anything; DecideNextStep always
// reports Idle so the Policy's tick loop treats it as a pass-through.
type IdleIsolator struct{}

func NewIdle() *IdleIsolator { return &IdleIsolator{} }

func (i *IdleIsolator) Kind() ResourceType           { return ResourceCPU }
func (i *IdleIsolator) Strengthen()                  {}
func (i *IdleIsolator) Weaken()                      {}
func (i *IdleIsolator) IsMaxLevel() bool              { return true }
func (i *IdleIsolator) IsMinLevel() bool              { return true }
func (i *IdleIsolator) Enforce() error                { return nil }
func (i *IdleIsolator) Reset() error                  { return nil }
func (i *IdleIsolator) StoreCurConfig()               {}
func (i *IdleIsolator) LoadCurConfig()                {}
func (i *IdleIsolator) YieldIsolation()               {}
func (i *IdleIsolator) DecideNextStep(metric.Diff) NextStep { return Idle }
