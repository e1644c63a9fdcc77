package bench

import (
	"context"
	"testing"
	"time"

	"github.com/I-Missha/gonet_pace/config"
	mynet "github.com/I-Missha/gonet_pace/net"
	"github.com/I-Missha/gonet_pace/ubalancer"
	"github.com/I-Missha/gonet_pace/ulatency"
	"github.com/I-Missha/gonet_pace/userver"
)

const (
	benchRate        = 10000
	benchConnections = 16
	benchSamples     = 256
)

func startServer(b *testing.B, mode string) string {
	b.Helper()

	srv, err := userver.New(&config.Config{
		Address:    "127.0.0.1:0",
		Rate:       benchRate,
		PollMode:   mode,
		ResetDelay: time.Millisecond,
		CPU:        -1,
	})
	if err != nil {
		b.Fatalf("userver.New failed: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Run() }()
	b.Cleanup(func() {
		srv.Close()
		if err := <-errc; err != nil {
			b.Errorf("Run failed: %v", err)
		}
	})
	return srv.Addr().String()
}

func benchmarkLatency(b *testing.B, mode string, dial ulatency.DialFunc) {
	addr := startServer(b, mode)

	total := ulatency.NewRecorder()
	for b.Loop() {
		report, err := ulatency.Run(context.Background(), ulatency.Options{
			Address:     addr,
			Connections: benchConnections,
			Samples:     benchSamples,
			Ignore:      16,
			Dial:        dial,
		})
		if err != nil {
			b.Fatalf("latency run failed: %v", err)
		}
		for _, cr := range report.Connections {
			for _, s := range cr.Samples {
				total.Record(s)
			}
		}
	}

	stats := total.Stats()
	b.ReportMetric(float64(stats.Avg.Microseconds()), "avg-us")
	b.ReportMetric(float64(stats.At(99).Microseconds()), "p99-us")
	b.ReportMetric(float64(stats.At(99.9).Microseconds()), "p99.9-us")
	b.ReportMetric(float64(stats.Max.Microseconds()), "max-us")
}

func BenchmarkLatency(b *testing.B) {
	for _, mode := range []string{"busy", "block", "adaptive"} {
		b.Run(mode+"/net", func(b *testing.B) {
			benchmarkLatency(b, mode, nil)
		})

		b.Run(mode+"/io_uring", func(b *testing.B) {
			balancer, err := ubalancer.New(ubalancer.DefaultNumBatchers, ubalancer.DefaultBatchSize)
			if err != nil {
				b.Skipf("io_uring unavailable: %v", err)
			}
			balancer.Run()
			defer balancer.Close()

			benchmarkLatency(b, mode, mynet.NewUringDialer(balancer).DialContext)
		})
	}
}
