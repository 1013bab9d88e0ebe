// Package main — cmd/isoctl/main.go
//
// isoctl entrypoint.
//
// Startup sequence:
//  1. Root check — abort if not running as root (resctrl/cpuset/cpufreq
//     writes and cgroup task assignment all require it).
//  2. Load and validate config from /etc/isoctl/config.yaml.
//  3. Initialise structured logger (zap, JSON format).
//  4. Open BoltDB audit ledger, prune stale entries.
//  5. Discover NUMA topology, resctrl CBM bounds, cpufreq bounds.
//  6. Start Prometheus metrics server (127.0.0.1:9091).
//  7. Build the pending queue, policy, swapper, and controller.
//  8. Dial the AMQP broker and start consuming workload-creation messages.
//  9. Start the operator Unix-socket server.
// 10. Register SIGHUP handler for config hot-reload.
// 11. Block on SIGINT/SIGTERM, then drive a graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to broker, controller, operator,
//     metrics server).
//  2. Controller.Run resets every active group's OS state before
//     returning.
//  3. Close the broker connection, the BoltDB handle, flush the logger.
//  4. Exit 0.
//
// On config validation failure or a discovery failure (no resctrl mount,
// no cpufreq sysfs): exit 1 immediately — no partial state.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isoctl/isoctl/internal/audit"
	"github.com/isoctl/isoctl/internal/broker"
	"github.com/isoctl/isoctl/internal/config"
	"github.com/isoctl/isoctl/internal/controller"
	"github.com/isoctl/isoctl/internal/cpufreq"
	"github.com/isoctl/isoctl/internal/cpuset"
	"github.com/isoctl/isoctl/internal/numatopology"
	"github.com/isoctl/isoctl/internal/observability"
	"github.com/isoctl/isoctl/internal/operator"
	"github.com/isoctl/isoctl/internal/pendingqueue"
	"github.com/isoctl/isoctl/internal/policy"
	"github.com/isoctl/isoctl/internal/resctrl"
	"github.com/isoctl/isoctl/internal/swapper"
	"github.com/isoctl/isoctl/internal/workload"
)

// cpusetMountPoint is where per-workload cgroups are expected to already
// exist, created by whatever launched the workload before its creation
// message reaches the broker — isoctl only opens and writes them.
const cpusetMountPoint = "/sys/fs/cgroup/cpuset"

func main() {
	configPath := flag.String("config", "/etc/isoctl/config.yaml", "Path to config.yaml")
	swapOff := flag.Bool("swap-off", false, "Disable the cross-group bg-swap phase")
	metricBufSize := flag.Int("metric-buf-size", 0, "Override controller.metric_buf_size (0 = use config)")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("isoctl %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	if os.Getuid() != 0 {
		fmt.Fprintln(os.Stderr, "FATAL: isoctl must run as root (UID 0)")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}
	if *swapOff {
		cfg.Controller.SwapOff = true
	}
	if *metricBufSize > 0 {
		cfg.Controller.MetricBufSize = *metricBufSize
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("isoctl starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := audit.Open(cfg.Audit.DBPath, cfg.Audit.RetentionDays)
	if err != nil {
		log.Fatal("audit DB open failed", zap.Error(err), zap.String("path", cfg.Audit.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("audit DB opened", zap.String("path", cfg.Audit.DBPath))

	if pruned, err := db.PruneOldLedgerEntries(); err != nil {
		log.Warn("ledger pruning failed", zap.Error(err))
	} else {
		log.Info("ledger pruned", zap.Int("deleted", pruned))
	}

	topo, err := numatopology.Discover()
	if err != nil {
		log.Fatal("NUMA topology discovery failed", zap.Error(err))
	}
	resctrlInfo, err := resctrl.Discover()
	if err != nil {
		log.Fatal("resctrl discovery failed", zap.Error(err))
	}
	cpufreqBounds, err := cpufreq.Discover()
	if err != nil {
		log.Fatal("cpufreq discovery failed", zap.Error(err))
	}
	log.Info("topology and resource-control surfaces discovered",
		zap.Int("sockets", len(topo.Nodes)))

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	factory := newGroupFactory(topo, resctrlInfo, cpufreqBounds, cfg.Controller.PolicyConfig())
	queue := pendingqueue.New(factory)

	var pol *policy.Policy
	if cfg.Controller.PolicyVariant == "aggressive" {
		pol = policy.New(policy.Aggressive{})
	} else {
		pol = policy.New(policy.Conservative{})
	}

	var swap *swapper.Swapper
	if !cfg.Controller.SwapOff {
		swap = swapper.New(rebindDeps(topo, resctrlInfo, cpufreqBounds, cfg.Controller.PolicyConfig()))
	}

	ctl := controller.New(queue, pol, swap, cfg.Controller.PolicyConfig(), threadCounter, log)
	ctl.SetMetrics(metrics)

	admitter := newAdmitter(cfg.Controller.MetricBufSize, topo, log)
	brk, err := broker.Dial(cfg.Broker.URL, queue, admitter, log)
	if err != nil {
		log.Fatal("broker dial failed", zap.Error(err), zap.String("url", cfg.Broker.URL))
	}
	defer brk.Close() //nolint:errcheck
	go func() {
		if err := brk.Run(ctx); err != nil {
			log.Error("broker run error", zap.Error(err))
		}
	}()
	log.Info("broker connected")

	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, ctl, log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator socket error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	}

	controllerErrCh := make(chan error, 1)
	go func() { controllerErrCh <- ctl.Run(ctx, cfg.Controller.SchedulingInterval) }()
	log.Info("controller started", zap.Duration("interval", cfg.Controller.SchedulingInterval))

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			cfg.Controller.SwapOff = newCfg.Controller.SwapOff
			cfg.Observability.LogLevel = newCfg.Observability.LogLevel
			log.Info("config hot-reload successful (non-destructive fields applied)")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	case err := <-controllerErrCh:
		if err != nil {
			log.Error("controller aborted on host-structural error", zap.Error(err))
		}
		cancel()
	}

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	select {
	case <-shutdownTimer.C:
		log.Warn("shutdown drain timeout — forcing exit")
	case <-controllerErrCh:
		log.Info("controller stopped")
	}

	log.Info("isoctl shutdown complete")
}

// newGroupFactory builds the pendingqueue.GroupFactory: given a ready
// fg/bg pair, it creates isoctl's own resctrl groups, opens the
// pre-existing per-workload cpuset cgroups, and assembles policy.Deps.
func newGroupFactory(topo *numatopology.Topology, info *resctrl.Info, bounds *cpufreq.Bounds, cfg policy.Config) pendingqueue.GroupFactory {
	return func(fg, bg *workload.Workload, socket int) (*policy.Group, error) {
		deps, err := buildDeps(topo, info, bounds, fg, bg, socket)
		if err != nil {
			return nil, err
		}
		return policy.NewGroup(fg, bg, socket, deps, cfg), nil
	}
}

func buildDeps(topo *numatopology.Topology, info *resctrl.Info, bounds *cpufreq.Bounds, fg, bg *workload.Workload, socket int) (policy.Deps, error) {
	fgResctrl, err := resctrl.NewGroup("isoctl_fg_" + fg.Identifier())
	if err != nil {
		return policy.Deps{}, err
	}
	if err := fgResctrl.AddTask(fg.PID()); err != nil {
		return policy.Deps{}, err
	}
	bgResctrl, err := resctrl.NewGroup("isoctl_bg_" + bg.Identifier())
	if err != nil {
		return policy.Deps{}, err
	}
	if err := bgResctrl.AddTask(bg.PID()); err != nil {
		return policy.Deps{}, err
	}

	fg.SetCpusetGroup(cpuset.Open(filepath.Join(cpusetMountPoint, fg.Identifier())))
	bg.SetCpusetGroup(cpuset.Open(filepath.Join(cpusetMountPoint, bg.Identifier())))

	return policy.Deps{
		ResctrlInfo:   info,
		NumSockets:    len(topo.Nodes),
		FGResctrl:     fgResctrl,
		BGResctrl:     bgResctrl,
		FGCpuset:      fg.CpusetGroup(),
		BGCpuset:      bg.CpusetGroup(),
		CPUFreqBounds: bounds,
	}, nil
}

// rebindDeps returns the swapper.RebindFunc used to rebuild a group's
// isolator set against fresh OS handles after its BGs[0] is exchanged.
func rebindDeps(topo *numatopology.Topology, info *resctrl.Info, bounds *cpufreq.Bounds, cfg policy.Config) swapper.RebindFunc {
	return func(g *policy.Group) (policy.Deps, error) {
		return buildDeps(topo, info, bounds, g.FG, g.BGs[0], g.Socket)
	}
}

// newAdmitter builds the broker.Admitter: it resolves the workload's
// pre-existing cgroup (created by whatever launched it, before its
// creation message reached the broker) and constructs the Workload.
// The broker itself hands the result to the pending queue, which pairs
// it with its counterpart once both sides of a socket are present.
func newAdmitter(ringSize int, topo *numatopology.Topology, log *zap.Logger) broker.Admitter {
	return func(identifier string, kind workload.Kind, pid, perfPID int) (*workload.Workload, error) {
		cs := cpuset.Open(filepath.Join(cpusetMountPoint, identifier))
		cores, err := cs.ReadCPUs()
		if err != nil {
			return nil, fmt.Errorf("reading cpuset for %s: %w", identifier, err)
		}
		socket, err := socketForCores(topo, cores)
		if err != nil {
			return nil, err
		}

		w := workload.New(identifier, kind, pid, perfPID, socket, cores, ringSize)
		if kind == workload.Background {
			w.SetCpusetGroup(cs)
		}
		log.Info("admitted workload",
			zap.String("identifier", identifier), zap.String("kind", kindString(kind)),
			zap.Int("pid", pid), zap.Int("socket", socket))
		return w, nil
	}
}

func socketForCores(topo *numatopology.Topology, cores []int) (int, error) {
	if len(cores) == 0 {
		return 0, fmt.Errorf("workload reports no bound cores")
	}
	for _, n := range topo.Nodes {
		for _, c := range n.Cores {
			if c == cores[0] {
				return n.ID, nil
			}
		}
	}
	return 0, fmt.Errorf("core %d not found on any NUMA node", cores[0])
}

func kindString(k workload.Kind) string {
	if k == workload.Background {
		return "background"
	}
	return "foreground"
}

// threadCounter reads the runnable-thread count for w's fg PID from
// /proc/<pid>/status, matching controller.ThreadCounter.
func threadCounter(w *workload.Workload) (int, error) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(w.PID()), "status"))
	if err != nil {
		return 0, err
	}
	return parseThreads(data)
}

func parseThreads(data []byte) (int, error) {
	const key = "Threads:"
	lines := splitLines(data)
	for _, line := range lines {
		if len(line) > len(key) && line[:len(key)] == key {
			return strconv.Atoi(trimSpaceASCII(line[len(key):]))
		}
	}
	return 0, fmt.Errorf("Threads: field not found in status")
}

func splitLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, string(data[start:]))
	}
	return lines
}

func trimSpaceASCII(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
