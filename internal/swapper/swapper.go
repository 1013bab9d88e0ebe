// Package swapper periodically inspects every active Policy and exchanges
// background workloads between the two most mutually-contentious groups
// when doing so strictly improves the counterfactual aggregate
// contention, hysteresis-gated to avoid flapping.
package swapper

import (
	"errors"
	"fmt"

	"github.com/isoctl/isoctl/internal/isoerr"
	"github.com/isoctl/isoctl/internal/policy"
	"github.com/isoctl/isoctl/internal/workload"
)

const (
	// SwapInterval is the time, in milliseconds of the caller's nowMS
	// clock, that must be exceeded since the last swap before another
	// candidate scan runs (the controller converts its tick count to ms).
	SwapInterval = 2000 // ms, matches spec.md's SWAP_INTERVAL

	// SwapBenefitThreshold is the minimum summed benefit across the three
	// metric axes for a pair to become a swap candidate.
	SwapBenefitThreshold = 0.1

	// ViolationCount is the number of consecutive invocations the same
	// pair must be proposed before the swap actually executes.
	ViolationCount = 3
)

// RebindFunc reconstructs a Group's isolator set after its BGs[0] has
// changed identity, supplying fresh Deps (pointing at the new bg's own
// cpuset/resctrl handles). Provided by the controller, which is the only
// party that knows how to resolve OS-facing handles for a workload.
type RebindFunc func(g *policy.Group) (policy.Deps, error)

// Swapper tracks swap cooldown and candidate-pair hysteresis across
// Maybe Swap invocations.
type Swapper struct {
	rebind RebindFunc

	lastSwapMS int64

	prevPair       [2]*policy.Group
	violationCount int
}

// New constructs a Swapper. rebind is called once per leg of an executed
// swap, after BGs[0] and core/mem-node bindings have already been
// exchanged.
func New(rebind RebindFunc) *Swapper {
	return &Swapper{rebind: rebind}
}

// MaybeSwap scans all distinct pairs among groups and executes a swap if
// the same pair has been the top candidate for ViolationCount consecutive
// calls. nowMS is the caller's monotonic clock in milliseconds. Returns
// true if a swap was executed.
func (s *Swapper) MaybeSwap(groups []*policy.Group, nowMS int64) (bool, error) {
	if nowMS-s.lastSwapMS <= SwapInterval {
		return false, nil
	}

	g1, g2 := selectCandidatePair(groups)
	if g1 == nil {
		s.prevPair = [2]*policy.Group{}
		s.violationCount = 0
		return false, nil
	}

	if s.prevPair[0] != nil && samePair(s.prevPair, g1, g2) {
		s.violationCount++
	} else {
		s.prevPair = [2]*policy.Group{g1, g2}
		s.violationCount = 1
	}

	if s.violationCount < ViolationCount {
		return false, nil
	}

	if err := s.doSwap(g1, g2); err != nil {
		return false, err
	}
	s.lastSwapMS = nowMS
	s.violationCount = 0
	s.prevPair = [2]*policy.Group{}
	return true, nil
}

func samePair(prev [2]*policy.Group, g1, g2 *policy.Group) bool {
	return (prev[0] == g1 && prev[1] == g2) || (prev[0] == g2 && prev[1] == g1)
}

// selectCandidatePair returns the first ordered pair of distinct groups
// whose summed cross-axis benefit exceeds SwapBenefitThreshold, or
// (nil, nil) if none qualifies. Mirrors the original's O(n^2) scan — not
// the globally best pair, the first one found, same as
// SwapIsolator._select_cont_groups.
func selectCandidatePair(groups []*policy.Group) (*policy.Group, *policy.Group) {
	for _, g1 := range groups {
		for _, g2 := range groups {
			if g1 == g2 {
				continue
			}
			if !swapSafe(g1) || !swapSafe(g2) {
				continue
			}
			if benefit(g1, g2) > SwapBenefitThreshold {
				return g1, g2
			}
		}
	}
	return nil, nil
}

// swapSafe mirrors spec.md §4.4's "safe to swap" precondition: not
// profiling, and at least one fg metric present.
func swapSafe(g *policy.Group) bool {
	if g.InSolorun() {
		return false
	}
	return g.FG.Ring().Len() > 0
}

// benefit sums the current-vs-future contention improvement across the
// three axes the original's calc_benefit iterates (instruction rate, L3
// hit ratio, local memory rate), rescaling each group's bg diff by the
// ratio of the *other* group's bg core count to its own — approximating
// that bg performance scales with its core allocation (spec.md §9's
// resolved Open Question, the "more principled" rescaled option).
func benefit(g1, g2 *policy.Group) float64 {
	g1fg, ok1 := g1.FGDiff()
	g1bg, ok2 := g1.BGDiff()
	g2fg, ok3 := g2.FGDiff()
	g2bg, ok4 := g2.BGDiff()
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return 0
	}

	ratio12 := coreRatio(g2.BGs[0], g1.BGs[0]) // g1's bg moving into g2's slot
	ratio21 := coreRatio(g1.BGs[0], g2.BGs[0]) // g2's bg moving into g1's slot

	total := 0.0
	total += axisBenefit(g1fg.InstructionsRate, g1bg.InstructionsRate, g2fg.InstructionsRate, g2bg.InstructionsRate, ratio12, ratio21)
	total += axisBenefit(g1fg.L3HitRatio, g1bg.L3HitRatio, g2fg.L3HitRatio, g2bg.L3HitRatio, ratio12, ratio21)
	total += axisBenefit(g1fg.LocalMemRate, g1bg.LocalMemRate, g2fg.LocalMemRate, g2bg.LocalMemRate, ratio12, ratio21)
	return total
}

func axisBenefit(g1fg, g1bg, g2fg, g2bg, ratio12, ratio21 float64) float64 {
	current := absf(g1fg+g1bg) + absf(g2fg+g2bg)
	future := absf(g1fg+g2bg*ratio21) + absf(g2fg+g1bg*ratio12)
	return current - future
}

func coreRatio(dest, src *workload.Workload) float64 {
	srcCores := len(src.OriginalCores())
	if srcCores == 0 {
		return 1
	}
	return float64(len(dest.OriginalCores())) / float64(srcCores)
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// doSwap exchanges BGs[0] between g1 and g2, following spec.md §4.5's
// do_swap sequence: enable memory migration, pause both bgs, exchange
// original-cores and mem-nodes, reassign the bg references, resume both
// bgs, then rebuild each group's isolator set against its new pairing.
// Any failure during pause/resume is logged by the caller via the
// returned error; both bgs are always resumed (best-effort) before
// returning.
func (s *Swapper) doSwap(g1, g2 *policy.Group) error {
	bg1, bg2 := g1.BGs[0], g2.BGs[0]

	if err := bg1.CpusetGroup().SetMemoryMigrate(true); err != nil {
		return fmt.Errorf("swap enable migrate %s: %w", bg1.Identifier(), err)
	}
	if err := bg2.CpusetGroup().SetMemoryMigrate(true); err != nil {
		return fmt.Errorf("swap enable migrate %s: %w", bg2.Identifier(), err)
	}

	var pauseErr error
	if err := bg1.Pause(); err != nil && !errors.Is(err, isoerr.ErrProcessGone) {
		pauseErr = fmt.Errorf("swap pause %s: %w", bg1.Identifier(), err)
	}
	if err := bg2.Pause(); err != nil && !errors.Is(err, isoerr.ErrProcessGone) {
		pauseErr = errors.Join(pauseErr, fmt.Errorf("swap pause %s: %w", bg2.Identifier(), err))
	}

	if pauseErr == nil {
		cores1, cores2 := bg1.OriginalCores(), bg2.OriginalCores()
		mems1, mems2 := bg1.OriginalMemNodes(), bg2.OriginalMemNodes()
		bg1.SetOriginalCores(cores2)
		bg2.SetOriginalCores(cores1)
		bg1.SetOriginalMemNodes(mems2)
		bg2.SetOriginalMemNodes(mems1)

		g1.BGs[0], g2.BGs[0] = bg2, bg1
	}

	resumeErr1 := bg1.Resume()
	resumeErr2 := bg2.Resume()

	if pauseErr != nil {
		return pauseErr
	}
	if resumeErr1 != nil && !errors.Is(resumeErr1, isoerr.ErrProcessGone) {
		return fmt.Errorf("swap resume %s: %w", bg1.Identifier(), resumeErr1)
	}
	if resumeErr2 != nil && !errors.Is(resumeErr2, isoerr.ErrProcessGone) {
		return fmt.Errorf("swap resume %s: %w", bg2.Identifier(), resumeErr2)
	}

	deps1, err := s.rebind(g1)
	if err != nil {
		return fmt.Errorf("swap rebind %v: %w", g1, err)
	}
	g1.RebuildIsolators(deps1)

	deps2, err := s.rebind(g2)
	if err != nil {
		return fmt.Errorf("swap rebind %v: %w", g2, err)
	}
	g2.RebuildIsolators(deps2)

	return nil
}
