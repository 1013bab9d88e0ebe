// Package pendingqueue stages newly admitted workloads until they pair up
// into a structurally complete fg/bg group on one socket, and until every
// workload in that group has produced at least one metric sample.
package pendingqueue

import (
	"errors"
	"sync"

	"github.com/isoctl/isoctl/internal/policy"
	"github.com/isoctl/isoctl/internal/workload"
)

// ErrEmpty is returned by Pop when no pending entry is ready yet.
var ErrEmpty = errors.New("pendingqueue: no ready entry")

// GroupFactory builds a Group from a structurally paired fg/bg. Supplied by
// the controller, which owns the OS-facing Deps (resctrl/cpuset/cpufreq
// handles) a Group's isolators need.
type GroupFactory func(fg, bg *workload.Workload, socket int) (*policy.Group, error)

// PendingQueue accumulates workloads per socket as they're admitted, pairs
// them into a Group as soon as a socket holds one fg and one bg, and holds
// each paired Group until both sides have at least one metric sample.
// Mirrors the original's PendingQueue, simplified to pair eagerly (scan
// after every Add) rather than batching behind a max-pending counter —
// see DESIGN.md.
type PendingQueue struct {
	mu sync.Mutex

	factory GroupFactory

	waiting map[int][]*workload.Workload // socket -> unpaired workloads
	pending []*policy.Group              // structurally paired, not necessarily ready
}

// New constructs an empty PendingQueue.
func New(factory GroupFactory) *PendingQueue {
	return &PendingQueue{
		factory: factory,
		waiting: make(map[int][]*workload.Workload),
	}
}

// Add admits a newly arrived workload onto its socket's waiting list. If
// the socket now holds exactly one fg and one bg, they're paired into a
// Group immediately (structurally admitted, though not yet ready).
func (q *PendingQueue) Add(w *workload.Workload) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	socket := w.Socket()
	q.waiting[socket] = append(q.waiting[socket], w)
	return q.tryPair(socket)
}

// tryPair pairs the socket's waiting list into a Group once it holds
// exactly one fg and one bg (the original's "exactly 2, differing type"
// hardcode). Leaves the list untouched otherwise, so a third workload
// arriving on a socket already carrying 2 unlike-typed entries simply
// waits for its own future partner.
func (q *PendingQueue) tryPair(socket int) error {
	ws := q.waiting[socket]
	if len(ws) != 2 || ws[0].Kind() == ws[1].Kind() {
		return nil
	}

	var fg, bg *workload.Workload
	if ws[0].Kind() == workload.Foreground {
		fg, bg = ws[0], ws[1]
	} else {
		fg, bg = ws[1], ws[0]
	}

	g, err := q.factory(fg, bg, socket)
	if err != nil {
		return err
	}
	q.pending = append(q.pending, g)
	q.waiting[socket] = nil
	return nil
}

// ready reports whether g's fg and every bg has produced at least one
// metric sample.
func ready(g *policy.Group) bool {
	if g.FG.Ring().Len() == 0 {
		return false
	}
	for _, bg := range g.BGs {
		if bg.Ring().Len() == 0 {
			return false
		}
	}
	return true
}

// Len reports the number of pending groups that are ready to admit.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, g := range q.pending {
		if ready(g) {
			n++
		}
	}
	return n
}

// Pop removes and returns one ready group, or ErrEmpty if none is ready.
// Mirrors the original's LIFO pop() (list.pop() takes the last element).
func (q *PendingQueue) Pop() (*policy.Group, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := len(q.pending) - 1; i >= 0; i-- {
		if ready(q.pending[i]) {
			g := q.pending[i]
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return g, nil
		}
	}
	return nil, ErrEmpty
}
