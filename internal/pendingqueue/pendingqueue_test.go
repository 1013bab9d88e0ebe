package pendingqueue_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/isoctl/isoctl/internal/cpufreq"
	"github.com/isoctl/isoctl/internal/cpuset"
	"github.com/isoctl/isoctl/internal/metric"
	"github.com/isoctl/isoctl/internal/pendingqueue"
	"github.com/isoctl/isoctl/internal/policy"
	"github.com/isoctl/isoctl/internal/resctrl"
	"github.com/isoctl/isoctl/internal/workload"
)

func newGroupDir(t *testing.T) *cpuset.Group {
	t.Helper()
	dir := t.TempDir()
	for _, f := range []string{"cpuset.cpus", "cpuset.mems", "cpuset.memory_migrate"} {
		if err := os.WriteFile(filepath.Join(dir, f), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return cpuset.Open(dir)
}

func newResctrlGroup(t *testing.T) *resctrl.Group {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "schemata"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	g, err := resctrl.NewGroupAt(dir)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func testFactory(t *testing.T) pendingqueue.GroupFactory {
	t.Helper()
	return func(fg, bg *workload.Workload, socket int) (*policy.Group, error) {
		deps := policy.Deps{
			ResctrlInfo:   &resctrl.Info{MinBits: 2, MaxBits: 10},
			NumSockets:    1,
			FGResctrl:     newResctrlGroup(t),
			BGResctrl:     newResctrlGroup(t),
			FGCpuset:      newGroupDir(t),
			BGCpuset:      newGroupDir(t),
			CPUFreqBounds: &cpufreq.Bounds{MinKHz: 1200000, MaxKHz: 3600000},
		}
		return policy.NewGroup(fg, bg, socket, deps, policy.DefaultConfig()), nil
	}
}

func TestAdd_PairsOnMatchingSocketOnce(t *testing.T) {
	q := pendingqueue.New(testFactory(t))

	fg := workload.New("fg", workload.Foreground, 999101, 0, 0, []int{0, 1, 2}, 10)
	bg := workload.New("bg", workload.Background, 999102, 0, 0, []int{3, 4, 5}, 10)

	if err := q.Add(bg); err != nil {
		t.Fatal(err)
	}
	if q.Len() != 0 {
		t.Fatalf("expected 0 ready entries with only one workload admitted, got %d", q.Len())
	}

	if err := q.Add(fg); err != nil {
		t.Fatal(err)
	}
	// Paired now, but neither side has produced a metric sample yet.
	if q.Len() != 0 {
		t.Fatalf("expected 0 ready entries before any metric samples, got %d", q.Len())
	}

	if _, err := q.Pop(); !errors.Is(err, pendingqueue.ErrEmpty) {
		t.Fatalf("expected ErrEmpty popping an unready pair, got %v", err)
	}
}

func TestAdd_BecomesReadyOnceBothSidesHaveASample(t *testing.T) {
	q := pendingqueue.New(testFactory(t))

	fg := workload.New("fg", workload.Foreground, 999103, 0, 0, []int{0, 1, 2}, 10)
	bg := workload.New("bg", workload.Background, 999104, 0, 0, []int{3, 4, 5}, 10)

	if err := q.Add(fg); err != nil {
		t.Fatal(err)
	}
	if err := q.Add(bg); err != nil {
		t.Fatal(err)
	}

	fg.Ring().Push(metric.Sample{Instructions: 100, IntervalMS: 1000})
	if q.Len() != 0 {
		t.Fatal("expected still not ready with only fg sampled")
	}

	bg.Ring().Push(metric.Sample{Instructions: 50, IntervalMS: 1000})
	if q.Len() != 1 {
		t.Fatalf("expected 1 ready entry once both sides sampled, got %d", q.Len())
	}

	g, err := q.Pop()
	if err != nil {
		t.Fatal(err)
	}
	if g.FG.Identifier() != "fg" {
		t.Fatalf("expected popped group's fg to be 'fg', got %q", g.FG.Identifier())
	}
	if len(g.BGs) != 1 || g.BGs[0].Identifier() != "bg" {
		t.Fatalf("expected popped group's bg to be 'bg', got %+v", g.BGs)
	}

	if _, err := q.Pop(); !errors.Is(err, pendingqueue.ErrEmpty) {
		t.Fatalf("expected ErrEmpty after draining the only ready entry, got %v", err)
	}
}

func TestAdd_DifferentSocketsDoNotPair(t *testing.T) {
	q := pendingqueue.New(testFactory(t))

	fg := workload.New("fg", workload.Foreground, 999105, 0, 0, []int{0, 1, 2}, 10)
	bgOtherSocket := workload.New("bg", workload.Background, 999106, 0, 1, []int{3, 4, 5}, 10)

	if err := q.Add(fg); err != nil {
		t.Fatal(err)
	}
	if err := q.Add(bgOtherSocket); err != nil {
		t.Fatal(err)
	}

	fg.Ring().Push(metric.Sample{Instructions: 1, IntervalMS: 1000})
	bgOtherSocket.Ring().Push(metric.Sample{Instructions: 1, IntervalMS: 1000})

	if q.Len() != 0 {
		t.Fatalf("expected no pairing across sockets, got %d ready", q.Len())
	}
}

func TestAdd_SameKindTwiceDoesNotPair(t *testing.T) {
	q := pendingqueue.New(testFactory(t))

	fg1 := workload.New("fg1", workload.Foreground, 999107, 0, 0, []int{0, 1, 2}, 10)
	fg2 := workload.New("fg2", workload.Foreground, 999108, 0, 0, []int{3, 4, 5}, 10)

	if err := q.Add(fg1); err != nil {
		t.Fatal(err)
	}
	if err := q.Add(fg2); err != nil {
		t.Fatal(err)
	}

	fg1.Ring().Push(metric.Sample{Instructions: 1, IntervalMS: 1000})
	fg2.Ring().Push(metric.Sample{Instructions: 1, IntervalMS: 1000})

	if q.Len() != 0 {
		t.Fatalf("expected two fgs on the same socket not to pair, got %d ready", q.Len())
	}
}
