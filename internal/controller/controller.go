// Package controller runs the single-threaded tick loop that drives every
// active Group through reap, admit, isolate and swap, per SCHEDULING_INTERVAL.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isoctl/isoctl/internal/isoerr"
	"github.com/isoctl/isoctl/internal/observability"
	"github.com/isoctl/isoctl/internal/pendingqueue"
	"github.com/isoctl/isoctl/internal/policy"
	"github.com/isoctl/isoctl/internal/swapper"
	"github.com/isoctl/isoctl/internal/workload"
)

// DefaultSchedulingInterval is spec.md's SCHEDULING_INTERVAL.
const DefaultSchedulingInterval = 200 * time.Millisecond

// ThreadCounter resolves a workload's current runnable-thread count, used
// to feed Group.ProfileNeeded. Reading /proc/<pid>/status is an OS-facing
// concern the controller delegates rather than owns directly.
type ThreadCounter func(w *workload.Workload) (int, error)

// Controller owns the active group set and advances it one tick at a time.
// Not safe for concurrent Tick calls; Run serializes them on one goroutine,
// matching spec.md §5's "no cross-group parallelism inside the
// ControllerTask" rule.
type Controller struct {
	queue   *pendingqueue.PendingQueue
	policy  *policy.Policy
	swapper *swapper.Swapper
	cfg     policy.Config
	log     *zap.Logger

	threadCounter ThreadCounter
	swapEnabled   bool
	metrics       *observability.Metrics

	groups []*policy.Group
	iters  []int // per-group iteration counter, parallel to groups

	tick int64
}

// SetMetrics attaches a Metrics recorder. Optional: every call site is
// nil-checked, so a Controller built without one simply records nothing.
func (c *Controller) SetMetrics(m *observability.Metrics) { c.metrics = m }

// New constructs a Controller. swap may be nil to disable the swapper
// entirely (the --swap-off CLI flag).
func New(queue *pendingqueue.PendingQueue, pol *policy.Policy, swap *swapper.Swapper, cfg policy.Config, threadCounter ThreadCounter, log *zap.Logger) *Controller {
	return &Controller{
		queue:         queue,
		policy:        pol,
		swapper:       swap,
		cfg:           cfg,
		log:           log,
		threadCounter: threadCounter,
		swapEnabled:   swap != nil,
	}
}

// Groups returns the controller's current active set, for inspection by
// the operator socket. Callers must not mutate the returned slice.
func (c *Controller) Groups() []*policy.Group { return c.groups }

// Resolorun forces the named group's fg to begin a fresh solorun window on
// this call, bypassing ProfileNeeded's normal gating. Serves the operator
// socket's "resolorun" command. Fails if the group isn't found or is
// already mid-solorun.
func (c *Controller) Resolorun(fgIdentifier string) error {
	for _, g := range c.groups {
		if g.FG.Identifier() != fgIdentifier {
			continue
		}
		if g.InSolorun() {
			return fmt.Errorf("group %s is already in solorun", fgIdentifier)
		}
		threadCount, err := c.threadCounter(g.FG)
		if err != nil {
			return err
		}
		if err := g.StartSoloProfiling(int(c.tick), c.cfg.SoloRunTicks, threadCount); err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.SoloProfilesStartedTotal.Inc()
		}
		return nil
	}
	return fmt.Errorf("no active group with fg identifier %q", fgIdentifier)
}

// Run drives the tick loop until ctx is canceled, sleeping interval between
// ticks. Returns the error that caused it to stop: nil on clean
// cancellation, or the host-structural error that forced an early exit
// (after a best-effort Reset of every remaining group).
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-ticker.C:
			if err := c.Tick(); err != nil {
				c.shutdown()
				return err
			}
		}
	}
}

func (c *Controller) shutdown() {
	for _, g := range c.groups {
		if err := g.Reset(); err != nil {
			c.log.Warn("shutdown reset failed", zap.Error(err))
		}
	}
}

// Tick runs one full Reap/Admit/Isolate/Swap cycle. A host-structural
// error aborts the tick and is returned for Run to act on; every other
// error is logged and swallowed per group.
func (c *Controller) Tick() error {
	start := time.Now()
	c.tick++

	c.reap()
	c.admit()

	if err := c.isolate(); err != nil {
		return err
	}

	c.maybeSwap()

	if c.metrics != nil {
		c.metrics.ActiveGroups.Set(float64(len(c.groups)))
		c.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// reap drops every group whose fg or any bg has exited, resetting its OS
// state first and resuming any bg left paused mid-solorun.
func (c *Controller) reap() {
	kept := c.groups[:0]
	keptIters := c.iters[:0]
	for i, g := range c.groups {
		if !g.Ended() {
			kept = append(kept, g)
			keptIters = append(keptIters, c.iters[i])
			continue
		}
		if err := g.Reset(); err != nil {
			c.log.Warn("reap: group reset failed", zap.String("fg", g.FG.Identifier()), zap.Error(err))
		}
		for _, bg := range g.BGs {
			_ = bg.Resume() // no-op if never paused or already gone
		}
		if c.metrics != nil {
			c.metrics.GroupsReapedTotal.Inc()
		}
		c.log.Info("reaped ended group", zap.String("fg", g.FG.Identifier()))
	}
	c.groups = kept
	c.iters = keptIters
}

// admit drains every ready entry out of the pending queue into the active
// set, starting each at iteration 0 (Idle).
func (c *Controller) admit() {
	for {
		g, err := c.queue.Pop()
		if err != nil {
			if !errors.Is(err, pendingqueue.ErrEmpty) {
				c.log.Warn("admit: pop failed", zap.Error(err))
			}
			return
		}
		c.groups = append(c.groups, g)
		c.iters = append(c.iters, 0)
		if c.metrics != nil {
			c.metrics.GroupsAdmittedTotal.Inc()
		}
		c.log.Info("admitted group", zap.String("fg", g.FG.Identifier()), zap.Int("socket", g.Socket))
	}
}

// isolate runs one decision cycle per group, in insertion order. A
// transient error is swallowed; a group-structural error retires that one
// group (removed from the active set, OS state reset on a best-effort
// basis); a host-structural error aborts the whole tick.
func (c *Controller) isolate() error {
	var retired []int

	for i, g := range c.groups {
		if err := c.isolateOne(g, c.iters[i]); err != nil {
			var hostErr error
			if errors.Is(err, isoerr.ErrHostStructural) {
				hostErr = err
			}
			if hostErr != nil {
				return hostErr
			}
			if errors.Is(err, isoerr.ErrGroupStructural) {
				c.log.Error("isolate: retiring group", zap.String("fg", g.FG.Identifier()), zap.Error(err))
				if c.metrics != nil {
					c.metrics.GroupsRetiredTotal.Inc()
				}
				retired = append(retired, i)
				continue
			}
			if errors.Is(err, isoerr.ErrProcessGone) {
				continue // swallowed, matches spec.md §7
			}
			c.log.Warn("isolate: unclassified error", zap.String("fg", g.FG.Identifier()), zap.Error(err))
			continue
		}
		c.iters[i]++
	}

	if len(retired) > 0 {
		c.dropIndices(retired)
	}
	return nil
}

func (c *Controller) dropIndices(idx []int) {
	drop := make(map[int]bool, len(idx))
	for _, i := range idx {
		drop[i] = true
		if err := c.groups[i].Reset(); err != nil {
			c.log.Warn("retire: reset failed", zap.Error(err))
		}
	}
	groups := c.groups[:0]
	iters := c.iters[:0]
	for i, g := range c.groups {
		if drop[i] {
			continue
		}
		groups = append(groups, g)
		iters = append(iters, c.iters[i])
	}
	c.groups = groups
	c.iters = iters
}

// isolateOne implements one group's step of spec.md §4.4's Isolate phase.
func (c *Controller) isolateOne(g *policy.Group, iter int) error {
	if g.InSolorun() {
		if g.SoloDeadlineReached(int(c.tick)) {
			err := g.StopSoloProfiling()
			if err == nil && c.metrics != nil {
				c.metrics.SoloProfilesCompletedTotal.Inc()
			}
			return err
		}
		return nil
	}

	if c.cfg.ProfileIntervalTicks > 0 && iter%c.cfg.ProfileIntervalTicks == 0 {
		threadCount, err := c.threadCounter(g.FG)
		if err != nil {
			return err
		}
		if g.ProfileNeeded(threadCount) {
			err := g.StartSoloProfiling(int(c.tick), c.cfg.SoloRunTicks, threadCount)
			if err == nil && c.metrics != nil {
				c.metrics.SoloProfilesStartedTotal.Inc()
			}
			return err
		}
	}

	return c.policy.Tick(g)
}

// maybeSwap invokes the swapper if enabled and at least two groups are
// swap-safe, per spec.md §4.4 step 5.
func (c *Controller) maybeSwap() {
	if !c.swapEnabled {
		return
	}
	if countSwapSafe(c.groups) < 2 {
		return
	}
	swapped, err := c.swapper.MaybeSwap(c.groups, c.tick*int64(DefaultSchedulingInterval/time.Millisecond))
	if err != nil {
		c.log.Warn("swap failed", zap.Error(err))
		return
	}
	if swapped {
		if c.metrics != nil {
			c.metrics.SwapsExecutedTotal.Inc()
		}
		c.log.Info("swap executed")
	}
}

func countSwapSafe(groups []*policy.Group) int {
	n := 0
	for _, g := range groups {
		if !g.InSolorun() && g.FG.Ring().Len() > 0 {
			n++
		}
	}
	return n
}
