// Package observability — metrics.go
//
// Prometheus metrics for isoctl.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: isoctl_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Isolator kind and resource-type labels use a small fixed string set.
//   - Workload identifier is NOT used as a label (unbounded cardinality).

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for isoctl.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Groups ──────────────────────────────────────────────────────────

	// GroupsAdmittedTotal counts fg/bg pairs admitted from the pending queue.
	GroupsAdmittedTotal prometheus.Counter

	// GroupsReapedTotal counts groups removed because fg or a bg ended.
	GroupsReapedTotal prometheus.Counter

	// GroupsRetiredTotal counts groups retired on a group-structural error.
	GroupsRetiredTotal prometheus.Counter

	// ActiveGroups is the current number of groups under active isolation.
	ActiveGroups prometheus.Gauge

	// ─── Isolator ────────────────────────────────────────────────────────

	// IsolatorStepsTotal counts strengthen/weaken/stop decisions applied.
	// Labels: kind (llc, membw, core_affinity, core_count), step (strengthen, weaken, stop)
	IsolatorStepsTotal *prometheus.CounterVec

	// ContentiousResourceTotal counts fingerprinted bottleneck resources.
	// Labels: resource (cpu, llc, membw)
	ContentiousResourceTotal *prometheus.CounterVec

	// ─── Solorun profiler ────────────────────────────────────────────────

	// SoloProfilesStartedTotal counts solorun windows entered.
	SoloProfilesStartedTotal prometheus.Counter

	// SoloProfilesCompletedTotal counts solorun windows that reached their
	// deadline and produced a baseline.
	SoloProfilesCompletedTotal prometheus.Counter

	// SoloProfileDurationTicks records how many ticks a solorun window ran.
	SoloProfileDurationTicks prometheus.Histogram

	// ─── Swapper ─────────────────────────────────────────────────────────

	// SwapsExecutedTotal counts bg exchanges actually performed.
	SwapsExecutedTotal prometheus.Counter

	// SwapBenefitHistogram records the benefit value of executed swaps.
	SwapBenefitHistogram prometheus.Histogram

	// ─── Broker ──────────────────────────────────────────────────────────

	// BrokerMessagesProcessedTotal counts successfully parsed broker messages.
	// Labels: queue_kind (creation, metric)
	BrokerMessagesProcessedTotal *prometheus.CounterVec

	// BrokerMessagesDiscardedTotal counts malformed messages acked and dropped.
	// Labels: queue_kind (creation, metric)
	BrokerMessagesDiscardedTotal *prometheus.CounterVec

	// ─── Audit ───────────────────────────────────────────────────────────

	// AuditWriteLatency records BoltDB write transaction latency.
	AuditWriteLatency prometheus.Histogram

	// AuditLedgerEntries is the current number of ledger entries.
	AuditLedgerEntries prometheus.Gauge

	// ─── Controller ──────────────────────────────────────────────────────

	// TickDuration records how long each controller tick took to run.
	TickDuration prometheus.Histogram

	// UptimeSeconds is the number of seconds since the controller started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all isoctl Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		GroupsAdmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isoctl",
			Subsystem: "groups",
			Name:      "admitted_total",
			Help:      "Total fg/bg pairs admitted from the pending queue.",
		}),

		GroupsReapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isoctl",
			Subsystem: "groups",
			Name:      "reaped_total",
			Help:      "Total groups removed because fg or a bg ended.",
		}),

		GroupsRetiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isoctl",
			Subsystem: "groups",
			Name:      "retired_total",
			Help:      "Total groups retired on a group-structural error.",
		}),

		ActiveGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "isoctl",
			Subsystem: "groups",
			Name:      "active",
			Help:      "Current number of groups under active isolation.",
		}),

		IsolatorStepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isoctl",
			Subsystem: "isolator",
			Name:      "steps_total",
			Help:      "Total isolator decisions applied, by kind and step.",
		}, []string{"kind", "step"}),

		ContentiousResourceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isoctl",
			Subsystem: "isolator",
			Name:      "contentious_resource_total",
			Help:      "Total fingerprinted bottleneck resources, by resource type.",
		}, []string{"resource"}),

		SoloProfilesStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isoctl",
			Subsystem: "solorun",
			Name:      "started_total",
			Help:      "Total solorun profiling windows entered.",
		}),

		SoloProfilesCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isoctl",
			Subsystem: "solorun",
			Name:      "completed_total",
			Help:      "Total solorun profiling windows that produced a baseline.",
		}),

		SoloProfileDurationTicks: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "isoctl",
			Subsystem: "solorun",
			Name:      "duration_ticks",
			Help:      "Number of controller ticks a solorun window ran for.",
			Buckets:   []float64{5, 10, 25, 50, 100, 200},
		}),

		SwapsExecutedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "isoctl",
			Subsystem: "swap",
			Name:      "executed_total",
			Help:      "Total bg exchanges actually performed.",
		}),

		SwapBenefitHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "isoctl",
			Subsystem: "swap",
			Name:      "benefit",
			Help:      "Distribution of the summed cross-axis benefit of executed swaps.",
			Buckets:   []float64{0.1, 0.2, 0.5, 1.0, 2.0, 5.0},
		}),

		BrokerMessagesProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isoctl",
			Subsystem: "broker",
			Name:      "messages_processed_total",
			Help:      "Total broker messages successfully parsed, by queue kind.",
		}, []string{"queue_kind"}),

		BrokerMessagesDiscardedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isoctl",
			Subsystem: "broker",
			Name:      "messages_discarded_total",
			Help:      "Total malformed broker messages acked and dropped, by queue kind.",
		}, []string{"queue_kind"}),

		AuditWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "isoctl",
			Subsystem: "audit",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		AuditLedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "isoctl",
			Subsystem: "audit",
			Name:      "ledger_entries",
			Help:      "Current number of audit ledger entries in BoltDB.",
		}),

		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "isoctl",
			Subsystem: "controller",
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock duration of each controller tick.",
			Buckets:   prometheus.DefBuckets,
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "isoctl",
			Subsystem: "controller",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the controller started.",
		}),
	}

	reg.MustRegister(
		m.GroupsAdmittedTotal,
		m.GroupsReapedTotal,
		m.GroupsRetiredTotal,
		m.ActiveGroups,
		m.IsolatorStepsTotal,
		m.ContentiousResourceTotal,
		m.SoloProfilesStartedTotal,
		m.SoloProfilesCompletedTotal,
		m.SoloProfileDurationTicks,
		m.SwapsExecutedTotal,
		m.SwapBenefitHistogram,
		m.BrokerMessagesProcessedTotal,
		m.BrokerMessagesDiscardedTotal,
		m.AuditWriteLatency,
		m.AuditLedgerEntries,
		m.TickDuration,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr. Blocks
// until ctx is canceled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
