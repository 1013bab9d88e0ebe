package policy

import (
	"errors"
	"fmt"
	"math"

	"github.com/isoctl/isoctl/internal/isoerr"
	"github.com/isoctl/isoctl/internal/isolator"
	"github.com/isoctl/isoctl/internal/metric"
)

func (g *Group) isolators() []isolator.Isolator {
	return []isolator.Isolator{g.llc, g.membw, g.coreAffinity, g.coreCount}
}

// ProfileNeeded implements SoloProfiler.profile_needed: true when there is
// no cached baseline yet, the running diff has failed sanity for
// VerifyThreshold straight ticks, or fg's thread count has drifted from
// the one the cached baseline was taken against.
func (g *Group) ProfileNeeded(curThreadCount int) bool {
	if g.FG.SoloAvg() == nil {
		return true
	}
	if g.verifyFailStreak >= g.cfg.VerifyThreshold {
		return true
	}
	return curThreadCount != g.FG.ThreadCount()
}

// RecordSanity feeds the latest diff through a sanity check, tracking a
// consecutive-failure streak for ProfileNeeded. A diff is insane when any
// axis is non-finite or wildly outside a plausible deviation range.
func (g *Group) RecordSanity(diff metric.Diff) {
	if saneDiff(diff) {
		g.verifyFailStreak = 0
		return
	}
	g.verifyFailStreak++
}

func saneDiff(d metric.Diff) bool {
	for _, v := range []float64{d.L3HitRatio, d.LocalMemRate, d.RemoteMemRate, d.InstructionsRate} {
		if math.IsNaN(v) || math.IsInf(v, 0) || abs(v) > 1000 {
			return false
		}
	}
	return true
}

// StartSoloProfiling implements SoloProfiler.start_solorun_profiling:
// pause every bg, clear fg's ring, snapshot and reset every isolator's OS
// state, and mark the group as in-solorun until tick deadlineTick.
func (g *Group) StartSoloProfiling(curTick, soloRunTicks, threadCount int) error {
	if g.profiling {
		return isoerr.Structural(fmt.Errorf("solorun already in progress for %s", g.FG.Identifier()))
	}

	for _, bg := range g.BGs {
		if err := bg.Pause(); err != nil && !errors.Is(err, isoerr.ErrProcessGone) {
			return fmt.Errorf("solorun pause %s: %w", bg.Identifier(), err)
		}
	}

	g.FG.Ring().Clear()

	for _, iso := range g.isolators() {
		iso.StoreCurConfig()
		if err := iso.Reset(); err != nil {
			return fmt.Errorf("solorun reset %s: %w", iso.Kind(), err)
		}
	}

	g.profiling = true
	g.soloDeadlineTick = curTick + soloRunTicks
	g.pendingThreadCount = threadCount
	return nil
}

// SoloDeadlineReached reports whether tick has reached the deadline set by
// StartSoloProfiling, signaling the controller to call StopSoloProfiling.
func (g *Group) SoloDeadlineReached(tick int) bool {
	return g.profiling && tick >= g.soloDeadlineTick
}

// StopSoloProfiling implements SoloProfiler.stop_solorun_profiling:
// compute the fg ring's mean as the new solorun-avg, cache the thread
// count it was taken against, restore every isolator's remembered step and
// re-enforce it, and resume every bg.
func (g *Group) StopSoloProfiling() error {
	mean, ok := g.FG.Ring().Mean()
	if !ok {
		return isoerr.Structural(fmt.Errorf("solorun stopped for %s with no samples collected", g.FG.Identifier()))
	}
	g.FG.SetSoloAvg(mean)
	g.FG.SetThreadCount(g.pendingThreadCount)
	g.FG.Ring().Clear()

	for _, iso := range g.isolators() {
		iso.LoadCurConfig()
		if err := iso.Enforce(); err != nil {
			return fmt.Errorf("solorun re-enforce %s: %w", iso.Kind(), err)
		}
	}

	for _, bg := range g.BGs {
		_ = bg.Resume() // a bg that exited mid-solorun is reaped by the controller next tick
	}

	g.profiling = false
	g.verifyFailStreak = 0
	return nil
}
