package controller_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/isoctl/isoctl/internal/controller"
	"github.com/isoctl/isoctl/internal/cpufreq"
	"github.com/isoctl/isoctl/internal/cpuset"
	"github.com/isoctl/isoctl/internal/isoerr"
	"github.com/isoctl/isoctl/internal/metric"
	"github.com/isoctl/isoctl/internal/observability"
	"github.com/isoctl/isoctl/internal/pendingqueue"
	"github.com/isoctl/isoctl/internal/policy"
	"github.com/isoctl/isoctl/internal/resctrl"
	"github.com/isoctl/isoctl/internal/swapper"
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

func testDeps(t *testing.T) policy.Deps {
	t.Helper()
	return policy.Deps{
		ResctrlInfo:   &resctrl.Info{MinBits: 2, MaxBits: 10},
		NumSockets:    1,
		FGResctrl:     newResctrlGroup(t),
		BGResctrl:     newResctrlGroup(t),
		FGCpuset:      newGroupDir(t),
		BGCpuset:      newGroupDir(t),
		CPUFreqBounds: &cpufreq.Bounds{MinKHz: 1200000, MaxKHz: 3600000},
	}
}

func testFactory(t *testing.T) pendingqueue.GroupFactory {
	t.Helper()
	return func(fg, bg *workload.Workload, socket int) (*policy.Group, error) {
		return policy.NewGroup(fg, bg, socket, testDeps(t), policy.DefaultConfig()), nil
	}
}

// livePID is this test process's own pid: always alive for the duration
// of the test, satisfying workload.IsAlive() without spawning a child.
func livePID() int { return os.Getpid() }

// sleepingChildPID starts a child process and returns its pid. A bg gets
// one instead of livePID because starting solorun sends SIGSTOP to every
// bg, which must not land on the test process itself.
func sleepingChildPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd.Process.Pid
}

func newLiveWorkload(t *testing.T, name string, kind workload.Kind, socket int, cores []int) *workload.Workload {
	t.Helper()
	pid := livePID()
	if kind == workload.Background {
		pid = sleepingChildPID(t)
	}
	w := workload.New(name, kind, pid, 0, socket, cores, 10)
	if kind == workload.Background {
		w.SetCpusetGroup(newGroupDir(t))
	}
	return w
}

func fixedThreadCounter(n int) controller.ThreadCounter {
	return func(w *workload.Workload) (int, error) { return n, nil }
}

func TestTick_AdmitsReadyGroupFromQueue(t *testing.T) {
	q := pendingqueue.New(testFactory(t))
	fg := newLiveWorkload(t, "redis-fg", workload.Foreground, 0, []int{0, 1, 2})
	bg := newLiveWorkload(t, "batch-bg", workload.Background, 0, []int{3, 4, 5})
	fg.Ring().Push(metric.Sample{Instructions: 100, IntervalMS: 1000})
	bg.Ring().Push(metric.Sample{Instructions: 100, IntervalMS: 1000})

	if err := q.Add(fg); err != nil {
		t.Fatal(err)
	}
	if err := q.Add(bg); err != nil {
		t.Fatal(err)
	}

	c := controller.New(q, policy.New(policy.Conservative{}), nil, policy.DefaultConfig(), fixedThreadCounter(1), zap.NewNop())
	if err := c.Tick(); err != nil {
		t.Fatal(err)
	}
	if len(c.Groups()) != 1 {
		t.Fatalf("expected 1 admitted group, got %d", len(c.Groups()))
	}
	if c.Groups()[0].FG.Identifier() != "redis-fg" {
		t.Fatalf("unexpected admitted fg: %s", c.Groups()[0].FG.Identifier())
	}
}

func TestTick_ReapsEndedGroup(t *testing.T) {
	q := pendingqueue.New(testFactory(t))
	fg := workload.New("dead-fg", workload.Foreground, 999999, 0, 0, []int{0, 1, 2}, 10) // pid unlikely to exist
	bg := newLiveWorkload(t, "batch-bg", workload.Background, 0, []int{3, 4, 5})
	fg.Ring().Push(metric.Sample{Instructions: 100, IntervalMS: 1000})
	bg.Ring().Push(metric.Sample{Instructions: 100, IntervalMS: 1000})

	if err := q.Add(fg); err != nil {
		t.Fatal(err)
	}
	if err := q.Add(bg); err != nil {
		t.Fatal(err)
	}

	c := controller.New(q, policy.New(policy.Conservative{}), nil, policy.DefaultConfig(), fixedThreadCounter(1), zap.NewNop())
	if err := c.Tick(); err != nil {
		t.Fatal(err)
	}
	if len(c.Groups()) != 1 {
		t.Fatalf("expected group admitted before being reaped, got %d", len(c.Groups()))
	}

	// Second tick: fg.IsAlive() is false (pid 999999 presumed not to exist),
	// so the group must be reaped.
	if err := c.Tick(); err != nil {
		t.Fatal(err)
	}
	if len(c.Groups()) != 0 {
		t.Fatalf("expected ended group reaped, got %d remaining", len(c.Groups()))
	}
}

func TestTick_StartsSoloProfilingWhenNoBaselineCached(t *testing.T) {
	q := pendingqueue.New(testFactory(t))
	fg := newLiveWorkload(t, "redis-fg", workload.Foreground, 0, []int{0, 1, 2})
	bg := newLiveWorkload(t, "batch-bg", workload.Background, 0, []int{3, 4, 5})
	fg.Ring().Push(metric.Sample{Instructions: 100, IntervalMS: 1000})
	bg.Ring().Push(metric.Sample{Instructions: 100, IntervalMS: 1000})

	if err := q.Add(fg); err != nil {
		t.Fatal(err)
	}
	if err := q.Add(bg); err != nil {
		t.Fatal(err)
	}

	cfg := policy.DefaultConfig()
	cfg.ProfileIntervalTicks = 1
	c := controller.New(q, policy.New(policy.Conservative{}), nil, cfg, fixedThreadCounter(1), zap.NewNop())

	if err := c.Tick(); err != nil { // admits the group and, at iteration 0, profile_needed -> start solorun
		t.Fatal(err)
	}
	if err := c.Tick(); err != nil { // still inside the solorun window (deadline is SoloRunTicks away)
		t.Fatal(err)
	}
	if !c.Groups()[0].InSolorun() {
		t.Fatal("expected group to enter solorun when no baseline is cached yet")
	}
}

func TestTick_IsolateOneAbortsOnHostStructuralError(t *testing.T) {
	q := pendingqueue.New(testFactory(t))
	fg := newLiveWorkload(t, "redis-fg", workload.Foreground, 0, []int{0, 1, 2})
	bg := newLiveWorkload(t, "batch-bg", workload.Background, 0, []int{3, 4, 5})
	fg.Ring().Push(metric.Sample{Instructions: 100, IntervalMS: 1000})
	bg.Ring().Push(metric.Sample{Instructions: 100, IntervalMS: 1000})

	if err := q.Add(fg); err != nil {
		t.Fatal(err)
	}
	if err := q.Add(bg); err != nil {
		t.Fatal(err)
	}

	cfg := policy.DefaultConfig()
	cfg.ProfileIntervalTicks = 1
	failingCounter := func(w *workload.Workload) (int, error) {
		return 0, isoerr.Host(os.ErrPermission)
	}
	c := controller.New(q, policy.New(policy.Conservative{}), nil, cfg, failingCounter, zap.NewNop())

	// Admit and isolate run in the same tick, so the failing threadCounter
	// is consulted at iteration 0 of the admitting tick.
	if err := c.Tick(); err == nil {
		t.Fatal("expected host-structural error to abort the admitting tick")
	}
	if err := c.Tick(); err == nil {
		t.Fatal("expected host-structural error to abort the tick")
	}
}

func TestTick_SwapSkippedWithFewerThanTwoSwapSafeGroups(t *testing.T) {
	q := pendingqueue.New(testFactory(t))
	fg := newLiveWorkload(t, "redis-fg", workload.Foreground, 0, []int{0, 1, 2})
	bg := newLiveWorkload(t, "batch-bg", workload.Background, 0, []int{3, 4, 5})
	fg.Ring().Push(metric.Sample{Instructions: 100, IntervalMS: 1000})
	bg.Ring().Push(metric.Sample{Instructions: 100, IntervalMS: 1000})

	if err := q.Add(fg); err != nil {
		t.Fatal(err)
	}
	if err := q.Add(bg); err != nil {
		t.Fatal(err)
	}

	sw := swapper.New(func(g *policy.Group) (policy.Deps, error) { return testDeps(t), nil })
	c := controller.New(q, policy.New(policy.Conservative{}), sw, policy.DefaultConfig(), fixedThreadCounter(1), zap.NewNop())

	// A single group is never swap-safe-pairable; Tick must simply not
	// touch the swapper and return cleanly.
	if err := c.Tick(); err != nil {
		t.Fatal(err)
	}
	if err := c.Tick(); err != nil {
		t.Fatal(err)
	}
}

func TestTick_RecordsMetricsWhenAttached(t *testing.T) {
	q := pendingqueue.New(testFactory(t))
	fg := newLiveWorkload(t, "redis-fg", workload.Foreground, 0, []int{0, 1, 2})
	bg := newLiveWorkload(t, "batch-bg", workload.Background, 0, []int{3, 4, 5})
	fg.Ring().Push(metric.Sample{Instructions: 100, IntervalMS: 1000})
	bg.Ring().Push(metric.Sample{Instructions: 100, IntervalMS: 1000})

	if err := q.Add(fg); err != nil {
		t.Fatal(err)
	}
	if err := q.Add(bg); err != nil {
		t.Fatal(err)
	}

	c := controller.New(q, policy.New(policy.Conservative{}), nil, policy.DefaultConfig(), fixedThreadCounter(1), zap.NewNop())
	m := observability.NewMetrics()
	c.SetMetrics(m)

	if err := c.Tick(); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.GroupsAdmittedTotal); got != 1 {
		t.Fatalf("expected GroupsAdmittedTotal=1, got %v", got)
	}
}

func TestRun_StopsCleanlyOnContextCancel(t *testing.T) {
	q := pendingqueue.New(testFactory(t))
	c := controller.New(q, policy.New(policy.Conservative{}), nil, policy.DefaultConfig(), fixedThreadCounter(1), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := c.Run(ctx, 5*time.Millisecond); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}
