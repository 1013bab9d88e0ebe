package policy

import (
	"github.com/isoctl/isoctl/internal/isolator"
	"github.com/isoctl/isoctl/internal/metric"
)

// Selector picks the next isolator for a group whose current one is Idle
// (or was forced idle by a violation). It returns false if no isolator
// matched this cycle, leaving the group on Idle for another tick.
type Selector interface {
	ChooseNext(g *Group) bool
}

// Conservative is DiffPolicy's round-robin selection: each resource kind
// is used at most once per cycle.
type Conservative struct{}

func (Conservative) ChooseNext(g *Group) bool { return g.chooseConservative() }

// Aggressive is GreedyDiffPolicy's always-match selection, with a
// thread-starvation override favoring CoreAffinity.
type Aggressive struct{}

func (Aggressive) ChooseNext(g *Group) bool { return g.chooseAggressive() }

// Policy drives one Group's tick: select an isolator if needed, evaluate
// its decision against the latest diff, and enforce any resulting step.
type Policy struct {
	Selector Selector
}

// New constructs a Policy; use policy.Conservative{} or policy.Aggressive{}
// as the Selector.
func New(sel Selector) *Policy {
	return &Policy{Selector: sel}
}

// Tick runs one isolation decision for g. It is a no-op while g is mid
// solorun. The diff is computed here from fg's latest sample against its
// cached solorun-avg; without either, no decision is made this tick.
func (p *Policy) Tick(g *Group) error {
	if g.InSolorun() {
		return nil
	}

	if needsNewIsolator(g) {
		if !p.Selector.ChooseNext(g) {
			return nil
		}
	}

	latest, ok := g.FG.Ring().Latest()
	solo := g.FG.SoloAvg()
	if !ok || solo == nil {
		return nil
	}
	diff := metric.ComputeDiff(latest, *solo)

	return applyDecision(g, diff)
}

// needsNewIsolator is simply "currently Idle". The WithViolationDetection
// wrapper (see violation.go) does not replace it; it forces the group idle
// before calling this Tick, which makes the rule hold.
func needsNewIsolator(g *Group) bool {
	return g.NewIsolatorNeeded()
}

func applyDecision(g *Group, diff metric.Diff) error {
	cur := g.CurrentIsolator()
	step := cur.DecideNextStep(diff)
	switch step {
	case isolator.Stop:
		g.SetIdleIsolator()
		return nil
	case isolator.Strengthen:
		cur.Strengthen()
	case isolator.Weaken:
		cur.Weaken()
	case isolator.Idle:
		return nil
	}
	return cur.Enforce()
}
