// Package benchmark measures the overhead the harness itself adds around the
// operations it times.
// Run with: go test -bench=. -benchmem ./internal/benchmark/...
package benchmark

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/piwi3910/ptlbench/internal/completion"
	"github.com/piwi3910/ptlbench/internal/endpoint"
	"github.com/piwi3910/ptlbench/internal/mem"
	"github.com/piwi3910/ptlbench/internal/region"
	"github.com/piwi3910/ptlbench/internal/report"
	"github.com/piwi3910/ptlbench/internal/testutil"
)

const msgSize = 64

func benchmarkWriter(b *testing.B, c report.Compression) {
	out, err := report.Compress(io.Discard, c)
	require.NoError(b, err)

	w := report.NewWriter(out, report.FormatTSV)
	require.NoError(b, w.Header("ID", "msg_size", "latency"))

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := w.Row(i, uint64(msgSize), 1.2345); err != nil {
			b.Fatal(err)
		}
	}

	b.StopTimer()
	require.NoError(b, out.Close())
}

func BenchmarkWriterRow_Plain(b *testing.B) { benchmarkWriter(b, report.CompressionNone) }
func BenchmarkWriterRow_Zstd(b *testing.B)  { benchmarkWriter(b, report.CompressionZstd) }
func BenchmarkWriterRow_LZ4(b *testing.B)   { benchmarkWriter(b, report.CompressionLZ4) }

// BenchmarkSummarize_10K summarizes a sample the size of a long latency run.
func BenchmarkSummarize_10K(b *testing.B) {
	sample := make([]time.Duration, 10000)
	for i := range sample {
		sample[i] = time.Duration(1000 + i%977)
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		report.Summarize(sample)
	}
}

func benchmarkResolve(b *testing.B, mode mem.Mode) {
	space := mem.NewSpace(mem.Options{})

	buf, err := space.Alloc(4096, mode)
	require.NoError(b, err)
	defer buf.Free()

	b.SetBytes(msgSize)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := space.Resolve(buf.Addr(), msgSize); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkResolve_Pinned(b *testing.B)  { benchmarkResolve(b, mem.ModePinned) }
func BenchmarkResolve_Touched(b *testing.B) { benchmarkResolve(b, mem.ModeTouched) }

// benchmarkPut times one put and its completion through the simulated fabric.
func benchmarkPut(b *testing.B, d completion.Discipline, matching bool) {
	w := testutil.NewWorld(b)
	ep0, ep1 := w.OpenPair(b, endpoint.Options{Matching: matching})

	table, err := ep1.AllocTable(ep1.EQ(), endpoint.DataIndex)
	require.NoError(b, err)

	target, err := region.RegisterTarget(table, region.TargetOptions{
		Buffers: []*mem.Buffer{w.Ranks[1].Buffer(b, msgSize, mem.ModePinned)},
		Key:     region.DefaultKey,
	})
	require.NoError(b, err)

	ch, err := completion.New(ep0, d)
	require.NoError(b, err)

	md, err := region.RegisterInitiator(ep0, w.Ranks[0].Buffer(b, msgSize, mem.ModePinned), ch)
	require.NoError(b, err)

	remote := region.Remote{Peer: ep1.ID(), Index: endpoint.DataIndex, Key: region.DefaultKey}

	b.SetBytes(msgSize)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := md.Put(remote, 0, 0, msgSize, ch.Ack()); err != nil {
			b.Fatal(err)
		}

		if err := ch.Drain(1); err != nil {
			b.Fatal(err)
		}

		if err := md.Settle(1); err != nil {
			b.Fatal(err)
		}
	}

	b.StopTimer()

	require.NoError(b, ch.Reset())
	require.NoError(b, md.Unregister())
	require.NoError(b, target.Unregister())
	require.NoError(b, table.Free())
}

func BenchmarkPut_Counting(b *testing.B)      { benchmarkPut(b, completion.Counting, false) }
func BenchmarkPut_FullEvent(b *testing.B)     { benchmarkPut(b, completion.FullEvent, false) }
func BenchmarkPut_CountingMatch(b *testing.B) { benchmarkPut(b, completion.Counting, true) }

// BenchmarkCounterPoll_Parallel reads one counter from every worker.
func BenchmarkCounterPoll_Parallel(b *testing.B) {
	w := testutil.NewWorld(b)
	ep0, _ := w.OpenPair(b, endpoint.Options{})

	counter := completion.NewCounter(ep0.Backend(), ep0.CT())

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := counter.Poll(); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
