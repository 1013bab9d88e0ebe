package isolator

import (
	"fmt"

	"github.com/isoctl/isoctl/internal/cpufreq"
	"github.com/isoctl/isoctl/internal/metric"
)

// MemoryBandwidth throttles bg's DVFS cap to relieve memory-bandwidth
// contention on fg. Strengthening lowers bg's scaling_max_freq.
type MemoryBandwidth struct {
	decisionState

	bgCores []int
	bounds  *cpufreq.Bounds
	stepKHz int

	curKHz    int
	storedKHz int
}

// NewMemoryBandwidth constructs a MemoryBandwidth isolator starting at the
// hardware max frequency (weakest state: no throttling).
func NewMemoryBandwidth(bgCores []int, bounds *cpufreq.Bounds, stepKHz int) *MemoryBandwidth {
	return &MemoryBandwidth{
		decisionState: newDecisionState(DefaultThresholds()),
		bgCores:       bgCores,
		bounds:        bounds,
		stepKHz:       stepKHz,
		curKHz:        bounds.MaxKHz,
	}
}

func (m *MemoryBandwidth) Kind() ResourceType { return ResourceMemory }

func (m *MemoryBandwidth) Strengthen() {
	if m.curKHz-m.stepKHz < m.bounds.MinKHz {
		return
	}
	m.curKHz -= m.stepKHz
}

func (m *MemoryBandwidth) Weaken() {
	if m.curKHz+m.stepKHz > m.bounds.MaxKHz {
		m.curKHz = m.bounds.MaxKHz
		return
	}
	m.curKHz += m.stepKHz
}

func (m *MemoryBandwidth) IsMaxLevel() bool {
	return m.curKHz-m.stepKHz < m.bounds.MinKHz
}

func (m *MemoryBandwidth) IsMinLevel() bool {
	return m.curKHz >= m.bounds.MaxKHz
}

func (m *MemoryBandwidth) Enforce() error {
	if err := cpufreq.SetFreq(m.curKHz, m.bgCores); err != nil {
		return fmt.Errorf("membw enforce: %w", err)
	}
	return nil
}

func (m *MemoryBandwidth) Reset() error {
	m.curKHz = m.bounds.MaxKHz
	if err := cpufreq.SetFreq(m.bounds.MaxKHz, m.bgCores); err != nil {
		return fmt.Errorf("membw reset: %w", err)
	}
	return nil
}

func (m *MemoryBandwidth) StoreCurConfig() { m.storedKHz = m.curKHz }
func (m *MemoryBandwidth) LoadCurConfig()  { m.curKHz = m.storedKHz }

func (m *MemoryBandwidth) DecideNextStep(diff metric.Diff) NextStep {
	return m.decide(diff.LocalMemRate, m.IsMaxLevel(), m.IsMinLevel())
}
