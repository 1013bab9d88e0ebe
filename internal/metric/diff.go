package metric

// Diff is the deviation of a live sample from a workload's solorun-avg,
// across the four axes isolators read. Relative fields use
// current/solorun-1; L3HitRatio uses a plain subtraction (spec-mandated
// asymmetry: hit ratio is already normalized to [0,1]).
type Diff struct {
	L3HitRatio       float64
	LocalMemRate     float64
	RemoteMemRate    float64
	InstructionsRate float64
}

// ComputeDiff derives a Diff of cur against solo. Both must be means or
// single samples over comparable intervals; callers only call this once
// solo is present (Diff is undefined without a solorun-avg).
func ComputeDiff(cur, solo Sample) Diff {
	return Diff{
		L3HitRatio:       cur.L3HitRatio() - solo.L3HitRatio(),
		LocalMemRate:     relativeDelta(cur.LocalMemRate(), solo.LocalMemRate()),
		RemoteMemRate:    relativeDelta(cur.RemoteMemRate(), solo.RemoteMemRate()),
		InstructionsRate: relativeDelta(cur.InstructionsRate(), solo.InstructionsRate()),
	}
}

func relativeDelta(cur, solo float64) float64 {
	if solo == 0 {
		return 0
	}
	return cur/solo - 1
}
