package report

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/rs/zerolog"
)

// Histogram bounds, in nanoseconds.
const (
	histMin     = 1
	histMax     = int64(10 * time.Minute)
	histSigFigs = 3
)

// Summary is the distribution of one sample.
type Summary struct {
	Count  int64
	Min    time.Duration
	Max    time.Duration
	Mean   time.Duration
	StdDev time.Duration
	P50    time.Duration
	P90    time.Duration
	P99    time.Duration
	P999   time.Duration
}

// Summarize builds a Summary from durations. Values outside the histogram
// range are clamped.
func Summarize(sample []time.Duration) Summary {
	h := hdrhistogram.New(histMin, histMax, histSigFigs)

	for _, d := range sample {
		v := int64(d)
		switch {
		case v < histMin:
			v = histMin
		case v > histMax:
			v = histMax
		}
		_ = h.RecordValue(v)
	}

	if h.TotalCount() == 0 {
		return Summary{}
	}

	return Summary{
		Count:  h.TotalCount(),
		Min:    time.Duration(h.Min()),
		Max:    time.Duration(h.Max()),
		Mean:   time.Duration(h.Mean()),
		StdDev: time.Duration(h.StdDev()),
		P50:    time.Duration(h.ValueAtQuantile(50)),
		P90:    time.Duration(h.ValueAtQuantile(90)),
		P99:    time.Duration(h.ValueAtQuantile(99)),
		P999:   time.Duration(h.ValueAtQuantile(99.9)),
	}
}

// MarshalZerologObject lets a Summary be attached to a log event with
// Object("summary", s).
func (s Summary) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("count", s.Count).
		Dur("min", s.Min).
		Dur("p50", s.P50).
		Dur("p90", s.P90).
		Dur("p99", s.P99).
		Dur("p999", s.P999).
		Dur("max", s.Max).
		Dur("mean", s.Mean).
		Dur("stddev", s.StdDev)
}
