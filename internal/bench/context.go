// Package bench drives PUT/GET latency, bandwidth and message-rate
// measurements between two participants.
//
// Rank 0 is the initiator: it registers a descriptor, runs warmup and
// measured iterations against the peer's table index and reports one row per
// measured iteration. Rank 1 is the target: it links the entries the
// initiator addresses and waits for the initiator to finish each sweep point
// before tearing them down. Every phase is sequenced by a Machine.
package bench

import (
	"github.com/piwi3910/ptlbench/internal/bootstrap"
	"github.com/piwi3910/ptlbench/internal/completion"
	"github.com/piwi3910/ptlbench/internal/endpoint"
	"github.com/piwi3910/ptlbench/internal/mem"
	"github.com/piwi3910/ptlbench/internal/report"
)

// Recorder receives run telemetry.
type Recorder interface {
	Issued(op Operation, n int)
	Drained(d completion.Discipline, n int)
	Sampled(t Type, size uint64, sample Sample)
	Transitioned(from, to State)
	Failed(err error)
}

// Context is everything a participant's run depends on. It is built once per
// process and passed explicitly.
type Context struct {
	Comm     bootstrap.Comm
	Endpoint *endpoint.Endpoint
	Space    *mem.Space
	Sink     report.Sink
	Recorder Recorder
}

// Output returns the configured sink, or report.Discard.
func (c Context) Output() report.Sink {
	if c.Sink == nil {
		return report.Discard
	}

	return c.Sink
}

// Telemetry returns the configured recorder, or one that ignores everything.
func (c Context) Telemetry() Recorder {
	if c.Recorder == nil {
		return nopRecorder{}
	}

	return c.Recorder
}

type nopRecorder struct{}

func (nopRecorder) Issued(Operation, int)              {}
func (nopRecorder) Drained(completion.Discipline, int) {}
func (nopRecorder) Sampled(Type, uint64, Sample)       {}
func (nopRecorder) Transitioned(State, State)          {}
func (nopRecorder) Failed(error)                       {}
