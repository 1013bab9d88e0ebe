package policy

// Tickable is implemented by *Policy; WithViolationDetection wraps one.
type Tickable interface {
	Tick(g *Group) error
}

// Violation wraps a base Policy (Conservative or Aggressive) with
// DiffWViolationPolicy's re-selection trigger: while an isolator is
// actively running, re-check the contention fingerprint every tick. A
// mismatch against the running isolator's resource increments a per-group
// counter; once it reaches cfg.ViolationThreshold consecutive mismatches,
// the group is forced idle so the wrapped Policy picks a fresh isolator on
// this same tick. A match resets the counter.
type Violation struct {
	inner Tickable
	cfg   Config
}

// WithViolationDetection wraps p. The returned Violation is itself
// Tickable and should replace p in the controller's per-group policy set.
func WithViolationDetection(p *Policy, cfg Config) *Violation {
	return &Violation{inner: p, cfg: cfg}
}

func (v *Violation) Tick(g *Group) error {
	if g.InSolorun() {
		return nil
	}
	if !g.NewIsolatorNeeded() {
		if g.ContentiousResource() != g.CurrentIsolator().Kind() {
			g.violationCount++
			if g.violationCount >= v.cfg.ViolationThreshold {
				g.SetIdleIsolator()
				g.violationCount = 0
			}
		} else {
			g.violationCount = 0
		}
	}
	return v.inner.Tick(g)
}
