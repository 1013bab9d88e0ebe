// Package isoerr defines the error taxonomy shared across isoctl.
//
// Three tiers, per the controller's propagation policy:
//
//	Transient (ErrProcessGone)   — a workload vanished mid-operation. Caught
//	                                at the call site, that workload is
//	                                skipped, the loop continues.
//	Group-structural (ErrGroupStructural) — a logic error scoped to one group (double
//	                                solorun start, profiling with no samples).
//	                                Raised to the Controller, which logs and
//	                                retires the group.
//	Host-structural (ErrHostStructural) — a mount point is absent, permissions are
//	                                wrong, or a sysfs file is missing.
//	                                Propagated to main; the controller exits
//	                                non-zero after a best-effort reset of all
//	                                known groups.
//
// Callers test membership with errors.Is; isolators and policies never
// retry internally.
package isoerr

import "errors"

var (
	// ErrProcessGone marks an error as transient: the workload's OS process
	// exited mid-operation. Safe to swallow and continue.
	ErrProcessGone = errors.New("workload process no longer exists")

	// ErrGroupStructural marks an error as scoped to a single group. The
	// Controller retires the offending group and continues with the rest.
	ErrGroupStructural = errors.New("group-structural error")

	// ErrHostStructural marks an error that makes the host unusable for
	// isolation (missing mount, permission denied, missing sysfs file).
	// The controller performs a best-effort reset of all groups and exits
	// non-zero.
	ErrHostStructural = errors.New("host-structural error")
)

// Transient wraps err as a transient, per-workload error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{tag: ErrProcessGone, err: err}
}

// Structural wraps err as a group-structural error.
func Structural(err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{tag: ErrGroupStructural, err: err}
}

// Host wraps err as a host-structural error.
func Host(err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{tag: ErrHostStructural, err: err}
}

type wrapped struct {
	tag error
	err error
}

func (w *wrapped) Error() string { return w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }
func (w *wrapped) Is(target error) bool {
	return target == w.tag
}
