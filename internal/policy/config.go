// Package policy implements the per-group control logic: contention
// fingerprinting, isolator selection (Conservative / Aggressive, each
// optionally wrapped WithViolationDetection), and the embedded solorun
// profiler.
package policy

// Config holds every policy-level constant spec.md calls out, including
// the two made-configurable per §9's Open Questions resolution.
type Config struct {
	// CPUThreshold: below this on both LLC and memory intensity, the
	// fingerprint reports ResourceCPU (the fg is not bottlenecked on a
	// shared resource at all).
	CPUThreshold float64

	// ViolationThreshold: consecutive fingerprint mismatches before
	// WithViolationDetection forces a reselection.
	ViolationThreshold int

	// VerifyThreshold: consecutive profile-sanity failures before
	// profile_needed() forces a re-baseline.
	VerifyThreshold int

	// SoloRunTicks / ProfileIntervalTicks: solorun window length and the
	// cadence (in controller ticks) at which profile_needed() is
	// consulted, both expressed in SCHEDULING_INTERVAL units.
	SoloRunTicks         int
	ProfileIntervalTicks int

	// InstructionPSThreshold is spec.md §9's resolved Open Question:
	// CoreCount's formerly-hardcoded _INST_PS_THRESHOLD, now configurable.
	InstructionPSThreshold float64

	CPUFreqStepKHz int
}

// DefaultConfig matches the constants named throughout spec.md §4.
func DefaultConfig() Config {
	return Config{
		CPUThreshold:           0.1,
		ViolationThreshold:     3,
		VerifyThreshold:        3,
		SoloRunTicks:           25, // e.g. 5s solorun / 200ms tick
		ProfileIntervalTicks:   50, // profile_needed() checked every 10s
		InstructionPSThreshold: -0.5,
		CPUFreqStepKHz:         100000,
	}
}
