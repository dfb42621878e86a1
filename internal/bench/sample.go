package bench

import "time"

// Sample holds the elapsed time of every measured iteration of one sweep
// point, in iteration order.
type Sample []time.Duration

// Point is the outcome of one sweep point.
type Point struct {
	Size    uint64
	Window  int
	Sample  Sample
	Metrics []float64
}

// LatencyMicros converts an elapsed time to the reported latency unit.
func LatencyMicros(d time.Duration) float64 {
	return float64(d.Nanoseconds()) * 1e-3
}

// BandwidthMBs is size×window bytes over elapsed, in MB/s.
func BandwidthMBs(size uint64, window int, elapsed time.Duration) float64 {
	ns := elapsed.Nanoseconds()
	if ns <= 0 {
		ns = 1
	}

	return (float64(size) * float64(window) * 1e-6) / (float64(ns) * 1e-9)
}

// metric converts one elapsed time to the value reported for t.
func (t Type) metric(size uint64, window int, d time.Duration) float64 {
	if t == Bandwidth {
		return BandwidthMBs(size, window, d)
	}

	return LatencyMicros(d)
}

// Metrics converts every iteration of s.
func (s Sample) Metrics(t Type, size uint64, window int) []float64 {
	out := make([]float64, len(s))
	for i, d := range s {
		out[i] = t.metric(size, window, d)
	}

	return out
}
