package policy

import (
	"github.com/isoctl/isoctl/internal/isolator"
	"github.com/isoctl/isoctl/internal/metric"
)

// ContentiousResource fingerprints which resource the fg is bottlenecked on,
// given its live/solo diff and its latest raw sample. Rule 1 uses the raw
// sample's own intensity (not a diff) to catch the case where fg simply
// isn't pressuring any shared resource; rule 2 falls back to comparing the
// diff's two axes.
func ContentiousResource(cfg Config, diff metric.Diff, cur metric.Sample) isolator.ResourceType {
	l3Intensity := cur.L3Intensity()
	memIntensity := cur.MemIntensity()
	if abs(l3Intensity) < cfg.CPUThreshold && abs(memIntensity) < cfg.CPUThreshold {
		return isolator.ResourceCPU
	}

	l3 := diff.L3HitRatio
	mem := diff.LocalMemRate

	switch {
	case mem > 0 && l3 > 0:
		if l3 > mem {
			return isolator.ResourceLLC
		}
		return isolator.ResourceMemory
	case mem < 0 && l3 > 0:
		return isolator.ResourceMemory
	case l3 < 0 && mem > 0:
		return isolator.ResourceLLC
	default:
		if l3 > mem {
			return isolator.ResourceMemory
		}
		return isolator.ResourceLLC
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
