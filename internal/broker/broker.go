// Package broker consumes workload-creation and per-workload metric
// messages over AMQP, appending each delivered sample to the matching
// Workload's ring and handing newly created workloads to the PendingQueue.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/isoctl/isoctl/internal/metric"
	"github.com/isoctl/isoctl/internal/pendingqueue"
	"github.com/isoctl/isoctl/internal/workload"
)

// CreationQueue is the fixed queue name new workloads are announced on.
const CreationQueue = "workload_creation"

// Admitter resolves a workload-creation message into a fully-formed
// Workload: it opens (or confirms) the workload's cgroup, reads its
// current cpuset to derive original-cores, and resolves the owning socket
// from NUMA topology. These are OS-facing concerns the broker itself never
// touches, matching spec.md §6's separation of the wire protocol from the
// OS surfaces it admits workloads onto.
type Admitter func(identifier string, kind workload.Kind, pid, perfPID int) (*workload.Workload, error)

// Broker drives the two AMQP consumption loops described in spec.md §6:
// one fixed creation queue, and one dynamically declared queue per
// admitted workload.
type Broker struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	queue    *pendingqueue.PendingQueue
	admitter Admitter
	log      *zap.Logger
}

// Dial connects to the AMQP broker at url and declares the creation queue.
func Dial(url string, queue *pendingqueue.PendingQueue, admitter Admitter, log *zap.Logger) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("broker: dial %s: %w", url, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(CreationQueue, false, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("broker: declare creation queue: %w", err)
	}
	return &Broker{conn: conn, ch: ch, queue: queue, admitter: admitter, log: log}, nil
}

// Close tears down the channel and connection.
func (b *Broker) Close() error {
	chErr := b.ch.Close()
	connErr := b.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}

// Run consumes the creation queue until ctx is canceled. Each creation
// message spawns its own metric-queue consumer goroutine.
func (b *Broker) Run(ctx context.Context) error {
	deliveries, err := b.ch.Consume(CreationQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("broker: consume creation queue: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			b.handleCreation(ctx, d)
		}
	}
}

// handleCreation parses and admits one creation message, then starts
// consuming its per-workload metric queue in a new goroutine. Malformed
// messages are acked and discarded per spec.md §7's protocol-error tier.
func (b *Broker) handleCreation(ctx context.Context, d amqp.Delivery) {
	_ = d.Ack(false)

	w, intervalMS, err := b.parseCreation(d.Body)
	if err != nil {
		b.log.Debug("broker: discarding malformed creation message", zap.Error(err))
		return
	}

	if err := b.queue.Add(w); err != nil {
		b.log.Warn("broker: pendingqueue add failed", zap.String("workload", w.Identifier()), zap.Error(err))
		return
	}

	queueName := fmt.Sprintf("%s(%d)", w.Identifier(), w.PID())
	if _, err := b.ch.QueueDeclare(queueName, false, false, false, false, nil); err != nil {
		b.log.Warn("broker: declare metric queue failed", zap.String("queue", queueName), zap.Error(err))
		return
	}

	deliveries, err := b.ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		b.log.Warn("broker: consume metric queue failed", zap.String("queue", queueName), zap.Error(err))
		return
	}

	go b.consumeMetrics(ctx, w, intervalMS, deliveries)
}

// parseCreation implements spec.md §6's 5-field creation message:
// "<wl_identifier>,<kind>,<pid>,<perf_pid>,<interval_ms>".
func (b *Broker) parseCreation(body []byte) (*workload.Workload, uint64, error) {
	fields := strings.Split(strings.TrimSpace(string(body)), ",")
	if len(fields) != 5 {
		return nil, 0, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	identifier := fields[0]
	kind, err := workload.ParseKind(fields[1])
	if err != nil {
		return nil, 0, err
	}
	pid, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, 0, fmt.Errorf("parsing pid: %w", err)
	}
	perfPID, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, 0, fmt.Errorf("parsing perf_pid: %w", err)
	}
	intervalMS, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("parsing interval_ms: %w", err)
	}

	w, err := b.admitter(identifier, kind, pid, perfPID)
	if err != nil {
		return nil, 0, fmt.Errorf("admitting %s: %w", identifier, err)
	}
	return w, intervalMS, nil
}

// consumeMetrics appends every delivered sample to w's ring until ctx is
// canceled or the channel closes (the workload exited and the controller's
// reap phase will have already dropped its group).
func (b *Broker) consumeMetrics(ctx context.Context, w *workload.Workload, intervalMS uint64, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			sample, err := parseMetric(d.Body, intervalMS)
			if err != nil {
				_ = d.Ack(false)
				b.log.Debug("broker: discarding malformed metric message", zap.String("workload", w.Identifier()), zap.Error(err))
				continue
			}
			w.Ring().Push(sample)
			_ = d.Ack(false)
		}
	}
}

// metricWire is the JSON shape delivered on a per-workload queue, per
// spec.md §6.
type metricWire struct {
	L2Miss       uint64 `json:"l2miss"`
	L3Miss       uint64 `json:"l3miss"`
	Instructions uint64 `json:"instructions"`
	Cycles       uint64 `json:"cycles"`
	StallCycles  uint64 `json:"stall_cycles"`
	WallCycles   uint64 `json:"wall_cycles"`
	IntraCoh     uint64 `json:"intra_coh"`
	InterCoh     uint64 `json:"inter_coh"`
	LLCOccupancy uint64 `json:"llc_size"`
	LocalMemByte uint64 `json:"local_mem"`
	RemoteMem    uint64 `json:"remote_mem"`
}

func parseMetric(body []byte, intervalMS uint64) (metric.Sample, error) {
	var m metricWire
	if err := json.Unmarshal(body, &m); err != nil {
		return metric.Sample{}, err
	}
	return metric.Sample{
		L2Miss:        m.L2Miss,
		L3Miss:        m.L3Miss,
		Instructions:  m.Instructions,
		Cycles:        m.Cycles,
		StallCycles:   m.StallCycles,
		WallCycles:    m.WallCycles,
		IntraCoh:      m.IntraCoh,
		InterCoh:      m.InterCoh,
		LLCOccupancy:  m.LLCOccupancy,
		LocalMemByte:  m.LocalMemByte,
		RemoteMemByte: m.RemoteMem,
		IntervalMS:    intervalMS,
	}, nil
}
