package isolator

import (
	"fmt"

	"github.com/isoctl/isoctl/internal/metric"
	"github.com/isoctl/isoctl/internal/resctrl"
)

// LLC partitions last-level cache between fg and bg via resctrl bitmasks.
// cur_step is nil (represented by hasStep=false) when CAT is off; once
// strengthened it holds the fg's mask width in [minBits+1, maxBits-1].
type LLC struct {
	decisionState

	fgSocket, bgSocket int
	fgGroup, bgGroup   *resctrl.Group
	info               *resctrl.Info
	numSockets         int

	hasStep bool
	step    int

	storedHasStep bool
	storedStep    int
}

// NewLLC constructs an LLC isolator. fgGroup/bgGroup are each workload's
// own resctrl control group (one directory per workload, matching the
// original source's one-ResCtrl-per-Workload layout).
func NewLLC(fgSocket, bgSocket int, fgGroup, bgGroup *resctrl.Group, info *resctrl.Info, numSockets int) *LLC {
	return &LLC{
		decisionState: newDecisionState(DefaultThresholds()),
		fgSocket:      fgSocket,
		bgSocket:      bgSocket,
		fgGroup:       fgGroup,
		bgGroup:       bgGroup,
		info:          info,
		numSockets:    numSockets,
	}
}

func (l *LLC) Kind() ResourceType { return ResourceLLC }

func (l *LLC) Strengthen() {
	if !l.hasStep {
		l.hasStep = true
		l.step = l.info.MaxBits / 2
		return
	}
	l.step++
}

func (l *LLC) Weaken() {
	if !l.hasStep {
		return
	}
	if l.step <= l.info.MinBits+1 {
		l.hasStep = false
		return
	}
	l.step--
}

func (l *LLC) IsMaxLevel() bool {
	return l.hasStep && l.step+1 >= l.info.MaxBits
}

func (l *LLC) IsMinLevel() bool {
	return !l.hasStep || l.step-1 <= l.info.MinBits
}

// Enforce writes the fg's own-socket mask as [0, step) and the bg's
// own-socket mask as the complement [step, maxBits); every other socket
// gets the full mask (no throttling away from the isolated pair).
func (l *LLC) Enforce() error {
	if !l.hasStep {
		return l.Reset()
	}

	fgMasks := l.fullMasksExcept(l.fgSocket, resctrl.GenMask(0, l.step))
	if err := l.fgGroup.WriteSchemata(fgMasks); err != nil {
		return fmt.Errorf("llc enforce fg: %w", err)
	}

	bgMasks := l.fullMasksExcept(l.bgSocket, resctrl.GenMask(l.step, l.info.MaxBits))
	if err := l.bgGroup.WriteSchemata(bgMasks); err != nil {
		return fmt.Errorf("llc enforce bg: %w", err)
	}
	return nil
}

func (l *LLC) fullMasksExcept(socket int, mask uint64) []resctrl.SocketMask {
	out := make([]resctrl.SocketMask, l.numSockets)
	full := l.info.FullMask()
	for s := 0; s < l.numSockets; s++ {
		if s == socket {
			out[s] = resctrl.SocketMask{Socket: s, Mask: mask}
		} else {
			out[s] = resctrl.SocketMask{Socket: s, Mask: full}
		}
	}
	return out
}

// Reset writes the full mask to both fg and bg (CAT off).
func (l *LLC) Reset() error {
	full := l.info.FullMask()
	if err := l.fgGroup.WriteSchemata(l.fullMasksExcept(l.fgSocket, full)); err != nil {
		return fmt.Errorf("llc reset fg: %w", err)
	}
	if err := l.bgGroup.WriteSchemata(l.fullMasksExcept(l.bgSocket, full)); err != nil {
		return fmt.Errorf("llc reset bg: %w", err)
	}
	return nil
}

func (l *LLC) StoreCurConfig() {
	l.storedHasStep, l.storedStep = l.hasStep, l.step
}

func (l *LLC) LoadCurConfig() {
	l.hasStep, l.step = l.storedHasStep, l.storedStep
}

func (l *LLC) DecideNextStep(diff metric.Diff) NextStep {
	return l.decide(diff.L3HitRatio, l.IsMaxLevel(), l.IsMinLevel())
}
