package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/text/language"

	mynet "github.com/I-Missha/gonet_pace/net"
	"github.com/I-Missha/gonet_pace/ubalancer"
	"github.com/I-Missha/gonet_pace/ucpu"
	"github.com/I-Missha/gonet_pace/ulatency"
)

var (
	addr     = flag.String("addr", "127.0.0.1:8080", "server address")
	n        = flag.Int("n", ulatency.DefaultConnections, "number of connections")
	samples  = flag.Int("samples", ulatency.DefaultSamples, "number of samples to record per connection")
	ignore   = flag.Int("ignore", ulatency.DefaultIgnore, "warm-up packets skipped per connection")
	rate     = flag.Int("rate", 0, "rate the server was started with, used in the output name")
	useUring = flag.Bool("uring", false, "read through io_uring instead of the Go netpoller")
	cpus     = flag.String("cpus", "3,4,5", "comma separated cores to pin to, empty disables pinning")
	format   = flag.String("format", "text", "sample file format: text or msgpack")
)

func parseCPUs(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("invalid cpu %q: %w", f, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	flag.Parse()

	if *rate <= 0 {
		log.Fatalf("rate not provided")
	}
	if *format != "text" && *format != "msgpack" {
		log.Fatalf("invalid format %q", *format)
	}

	debug.SetGCPercent(-1)

	pin, err := parseCPUs(*cpus)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if len(pin) > 0 {
		if err := ucpu.PinTo(pin...); err != nil {
			log.Fatalf("failed to pin to %v: %v", pin, err)
		}
	}

	opts := ulatency.Options{
		Address:     *addr,
		Connections: *n,
		Samples:     *samples,
		Ignore:      *ignore,
	}

	transport := "std"
	if *useUring {
		transport = "uring"
		balancer, err := ubalancer.New(ubalancer.DefaultNumBatchers, ubalancer.DefaultBatchSize)
		if err != nil {
			log.Fatalf("io_uring unavailable: %v", err)
		}
		balancer.Run()
		defer balancer.Close()
		opts.Dial = mynet.NewUringDialer(balancer).DialContext
	}

	fmt.Printf("%d connections, %d samples per connection, rate=%dHz period=%s, transport=%s\n",
		*n, *samples, *rate, time.Second/time.Duration(*rate), transport)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := ulatency.Run(ctx, opts)
	if err != nil {
		log.Fatalf("latency run failed: %v", err)
	}

	if err := report.WriteSummary(os.Stdout, language.English); err != nil {
		log.Fatalf("failed to print summary: %v", err)
	}

	ext := "txt"
	if *format == "msgpack" {
		ext = "msgpack"
	}
	filename := fmt.Sprintf("%s_%dHz_%d.%s", transport, *rate, *n, ext)
	file, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		log.Fatalf("failed to create %s: %v", filename, err)
	}
	defer file.Close()

	if *format == "msgpack" {
		err = report.WriteMsgpack(file)
	} else {
		err = report.WriteText(file)
	}
	if err != nil {
		log.Fatalf("failed to write %s: %v", filename, err)
	}
	fmt.Println("wrote", filename)
}
