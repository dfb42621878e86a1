// Package metrics provides Prometheus metrics collection for ptlbench.
//
// The package exposes metrics at /metrics when the driver is started with a
// metrics address:
//
// Run Metrics:
//   - ptlbench_operations_issued_total: Operations issued by rank and operation
//   - ptlbench_completions_drained_total: Completions drained by discipline
//   - ptlbench_iteration_duration_seconds: Measured iteration latency histogram
//   - ptlbench_points_total: Sweep points reported by benchmark type
//
// Lifecycle Metrics:
//   - ptlbench_state: Current run state per rank (1 for the active state)
//   - ptlbench_transitions_total: State machine transitions
//   - ptlbench_failures_total: Fatal run failures by kind
//
// Fabric Metrics:
//   - ptlbench_fabric: Counters reported by the transport backend
package metrics

import (
	"errors"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/piwi3910/ptlbench/internal/bench"
	"github.com/piwi3910/ptlbench/internal/completion"
	"github.com/piwi3910/ptlbench/internal/ptlerr"
)

var (
	// OperationsIssued counts issued operations
	OperationsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptlbench_operations_issued_total",
			Help: "Total number of data operations issued",
		},
		[]string{"rank", "operation"},
	)

	// CompletionsDrained counts drained completions
	CompletionsDrained = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptlbench_completions_drained_total",
			Help: "Total number of completions drained",
		},
		[]string{"rank", "discipline"},
	)

	// IterationDuration tracks measured iteration times in seconds
	IterationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ptlbench_iteration_duration_seconds",
			Help:    "Measured iteration duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 24),
		},
		[]string{"rank", "type"},
	)

	// PointsTotal counts reported sweep points
	PointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptlbench_points_total",
			Help: "Total number of sweep points measured",
		},
		[]string{"rank", "type"},
	)

	// MessageSize tracks the size of the point being measured
	MessageSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ptlbench_message_size_bytes",
			Help: "Message size of the most recent sweep point",
		},
		[]string{"rank"},
	)

	// RunState tracks the run state (1=current, 0=otherwise)
	RunState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ptlbench_state",
			Help: "Current run state per rank (1=current, 0=otherwise)",
		},
		[]string{"rank", "state"},
	)

	// TransitionsTotal counts state machine transitions
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptlbench_transitions_total",
			Help: "Total number of run state transitions",
		},
		[]string{"rank", "from", "to"},
	)

	// FailuresTotal counts fatal run failures
	FailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptlbench_failures_total",
			Help: "Total number of fatal run failures",
		},
		[]string{"rank", "kind"},
	)

	// Fabric mirrors the transport backend counters
	Fabric = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ptlbench_fabric",
			Help: "Counters reported by the transport backend",
		},
		[]string{"counter"},
	)
)

var states = []bench.State{
	bench.Setup,
	bench.Warmup,
	bench.Measuring,
	bench.Draining,
	bench.Reporting,
	bench.Teardown,
	bench.Done,
	bench.Failed,
}

// Recorder publishes one participant's run telemetry. It implements
// bench.Recorder.
type Recorder struct {
	rank string

	mu      sync.RWMutex
	current bench.State
	failure error
}

// NewRecorder returns a recorder labelled with rank.
func NewRecorder(rank int) *Recorder {
	r := &Recorder{rank: strconv.Itoa(rank), current: bench.Setup}
	SetRunState(r.rank, bench.Setup)

	return r
}

// Issued records n issued operations
func (r *Recorder) Issued(op bench.Operation, n int) {
	OperationsIssued.WithLabelValues(r.rank, op.String()).Add(float64(n))
}

// Drained records n drained completions
func (r *Recorder) Drained(d completion.Discipline, n int) {
	CompletionsDrained.WithLabelValues(r.rank, d.String()).Add(float64(n))
}

// Sampled records every iteration of a measured point.
func (r *Recorder) Sampled(t bench.Type, size uint64, sample bench.Sample) {
	h := IterationDuration.WithLabelValues(r.rank, t.String())
	for _, d := range sample {
		h.Observe(d.Seconds())
	}

	PointsTotal.WithLabelValues(r.rank, t.String()).Inc()
	MessageSize.WithLabelValues(r.rank).Set(float64(size))
}

// Transitioned records a state change.
func (r *Recorder) Transitioned(from, to bench.State) {
	r.mu.Lock()
	r.current = to
	r.mu.Unlock()

	TransitionsTotal.WithLabelValues(r.rank, from.String(), to.String()).Inc()
	SetRunState(r.rank, to)
}

// Failed records a fatal failure.
func (r *Recorder) Failed(err error) {
	r.mu.Lock()
	r.failure = err
	r.mu.Unlock()

	FailuresTotal.WithLabelValues(r.rank, FailureKind(err)).Inc()
}

// State returns the last state recorded and the failure, if any.
func (r *Recorder) State() (bench.State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.current, r.failure
}

// SetRunState marks state as the only current state for rank
func SetRunState(rank string, state bench.State) {
	for _, s := range states {
		RunState.WithLabelValues(rank, s.String()).Set(0)
	}

	RunState.WithLabelValues(rank, state.String()).Set(1)
}

// SetFabricMetrics copies the numeric entries of a backend metrics map.
func SetFabricMetrics(m map[string]interface{}) {
	for name, v := range m {
		switch n := v.(type) {
		case int64:
			Fabric.WithLabelValues(name).Set(float64(n))
		case int:
			Fabric.WithLabelValues(name).Set(float64(n))
		case uint64:
			Fabric.WithLabelValues(name).Set(float64(n))
		case float64:
			Fabric.WithLabelValues(name).Set(n)
		case bool:
			if n {
				Fabric.WithLabelValues(name).Set(1)
			} else {
				Fabric.WithLabelValues(name).Set(0)
			}
		}
	}
}

// FailureKind classifies err for the failures counter
func FailureKind(err error) string {
	var (
		call *ptlerr.TransportCallError
		comp *ptlerr.CompletionFailure
		link *ptlerr.LinkFailure
		conf *ptlerr.ConfigurationError
	)

	switch {
	case err == nil:
		return "none"
	case errors.As(err, &call):
		return "transport"
	case errors.As(err, &comp):
		return "completion"
	case errors.As(err, &link):
		return "link"
	case errors.As(err, &conf):
		return "configuration"
	case errors.Is(err, bench.ErrIllegalTransition):
		return "state"
	default:
		return "other"
	}
}
