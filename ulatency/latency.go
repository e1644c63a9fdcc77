// Package ulatency measures one-way latency against the pacing server: it reads
// whole packets off N connections and subtracts the embedded monotonic stamp
// from the local monotonic clock. Client and server must share a host.
package ulatency

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/I-Missha/gonet_pace/uclock"
	"github.com/I-Missha/gonet_pace/uwire"
)

const (
	DefaultConnections = 10
	DefaultSamples     = 1024
	DefaultIgnore      = 100
)

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type Options struct {
	Address     string
	Connections int
	Samples     int // recorded per connection
	Ignore      int // warm-up packets skipped per connection
	PacketSize  int
	Dial        DialFunc // defaults to a net.Dialer
}

func (o *Options) applyDefaults() {
	if o.Connections == 0 {
		o.Connections = DefaultConnections
	}
	if o.Samples == 0 {
		o.Samples = DefaultSamples
	}
	if o.PacketSize == 0 {
		o.PacketSize = uwire.DefaultPacketSize
	}
	if o.Dial == nil {
		var d net.Dialer
		o.Dial = d.DialContext
	}
}

func (o *Options) validate() error {
	switch {
	case o.Address == "":
		return fmt.Errorf("invalid Address=%s", o.Address)
	case o.Connections < 0:
		return fmt.Errorf("invalid Connections=%d", o.Connections)
	case o.Samples < 0:
		return fmt.Errorf("invalid Samples=%d", o.Samples)
	case o.Ignore < 0:
		return fmt.Errorf("invalid Ignore=%d", o.Ignore)
	case o.PacketSize < uwire.StampSize:
		return fmt.Errorf("invalid PacketSize=%d, must hold a %d byte timestamp", o.PacketSize, uwire.StampSize)
	}
	return nil
}

type ConnReport struct {
	Index     int             `msgpack:"index"`
	Samples   []time.Duration `msgpack:"samples"`
	MinPeriod time.Duration   `msgpack:"min_period"`
	Stats     Stats           `msgpack:"stats"`

	recorder *Recorder
}

type Report struct {
	Address     string        `msgpack:"address"`
	Started     time.Time     `msgpack:"started"`
	Elapsed     time.Duration `msgpack:"elapsed"`
	Connections []ConnReport  `msgpack:"connections"`
	Total       Stats         `msgpack:"total"`
}

// Run dials every connection in order, so the server hands out tokens in the
// same order, then samples all of them concurrently. Cancelling ctx closes the
// connections and Run returns ctx.Err().
func Run(ctx context.Context, opts Options) (*Report, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	conns := make([]net.Conn, 0, opts.Connections)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	for i := 0; i < opts.Connections; i++ {
		c, err := opts.Dial(ctx, "tcp", opts.Address)
		if err != nil {
			return nil, fmt.Errorf("dial connection %d: %w", i, err)
		}
		if tc, ok := c.(*net.TCPConn); ok {
			if err := tc.SetNoDelay(true); err != nil {
				c.Close()
				return nil, fmt.Errorf("set nodelay on connection %d: %w", i, err)
			}
		}
		conns = append(conns, c)
	}

	log.Printf("[Latency] %d connections to %s, %d samples per connection after %d warm-up packets",
		len(conns), opts.Address, opts.Samples, opts.Ignore)

	stop := context.AfterFunc(ctx, func() {
		for _, c := range conns {
			c.Close()
		}
	})
	defer stop()

	report := &Report{
		Address:     opts.Address,
		Started:     time.Now(),
		Connections: make([]ConnReport, len(conns)),
	}
	errs := make([]error, len(conns))

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report.Connections[i], errs[i] = sample(i, c, &opts)
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	report.Elapsed = time.Since(report.Started)
	total := NewRecorder()
	for _, cr := range report.Connections {
		total.Merge(cr.recorder)
	}
	report.Total = total.Stats()
	log.Printf("[Latency] all connections have finished in %s", report.Elapsed)
	return report, nil
}

func sample(id int, conn net.Conn, opts *Options) (ConnReport, error) {
	cr := ConnReport{
		Index:     id,
		Samples:   make([]time.Duration, 0, opts.Samples),
		MinPeriod: math.MaxInt64,
		recorder:  NewRecorder(),
	}
	buf := make([]byte, opts.PacketSize)

	var last uint64
	for ignored := 0; len(cr.Samples) < opts.Samples; {
		if _, err := io.ReadFull(conn, buf); err != nil {
			return cr, fmt.Errorf("connection %d after %d samples: %w", id, len(cr.Samples), err)
		}
		if ignored < opts.Ignore {
			ignored++
			continue
		}

		now := uclock.Now()
		stamp, err := uwire.ReadStamp(buf)
		if err != nil {
			return cr, err
		}

		var latency time.Duration
		if now > stamp {
			latency = time.Duration(now - stamp)
		}
		cr.Samples = append(cr.Samples, latency)
		if !cr.recorder.Record(latency) {
			log.Printf("[Latency] connection %d: latency %s out of histogram range", id, latency)
		}

		if last > 0 {
			if d := time.Duration(now - last); d < cr.MinPeriod {
				cr.MinPeriod = d
			}
		}
		last = now
	}

	if len(cr.Samples) < 2 {
		cr.MinPeriod = 0
	}
	cr.Stats = cr.recorder.Stats()
	log.Printf("[Latency] connection %d has finished, min_period %s", id, cr.MinPeriod)
	return cr, nil
}

// WriteText writes every sample in microseconds, one per line, connection by
// connection.
func (r *Report) WriteText(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, cr := range r.Connections {
		for _, s := range cr.Samples {
			if _, err := fmt.Fprintf(bw, "%d\n", s.Microseconds()); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

func (r *Report) WriteMsgpack(w io.Writer) error {
	return msgpack.NewEncoder(w).Encode(r)
}

// WriteSummary prints the aggregate and per-connection statistics with
// numbers formatted for tag.
func (r *Report) WriteSummary(w io.Writer, tag language.Tag) error {
	p := message.NewPrinter(tag)

	if _, err := p.Fprintf(w, "%d connections, %d samples in %v\n", len(r.Connections), r.Total.Count, r.Elapsed); err != nil {
		return err
	}
	if _, err := p.Fprintf(w, "latency min/avg/max/stddev = %v/%v/%v/%v%s\n",
		r.Total.Min, r.Total.Avg, r.Total.Max, r.Total.StdDev, percentiles(&r.Total)); err != nil {
		return err
	}
	if r.Total.Dropped > 0 {
		if _, err := p.Fprintf(w, "%d samples above %v were not recorded\n", r.Total.Dropped, time.Duration(HistogramMax)); err != nil {
			return err
		}
	}

	for _, cr := range r.Connections {
		_, err := p.Fprintf(w, "  %d: %d samples, min=%v avg=%v max=%v min_period=%v%s\n",
			cr.Index, cr.Stats.Count, cr.Stats.Min, cr.Stats.Avg, cr.Stats.Max, cr.MinPeriod, percentiles(&cr.Stats))
		if err != nil {
			return err
		}
	}
	return nil
}

func percentiles(s *Stats) string {
	var b strings.Builder
	for _, p := range s.Percentiles {
		fmt.Fprintf(&b, " p%s=%v", formatPercentile(p.Percentile), p.Value)
	}
	return b.String()
}

func formatPercentile(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}
