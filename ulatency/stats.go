package ulatency

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	// latencies above HistogramMax are dropped, not clamped
	HistogramMin     = 1
	HistogramMax     = int64(10 * time.Second)
	HistogramSigFigs = 3
)

// Percentiles reported for every histogram.
var Percentiles = []float64{50, 75, 90, 95, 99, 99.5, 99.9}

type Percentile struct {
	Percentile float64       `msgpack:"percentile"`
	Value      time.Duration `msgpack:"value"`
}

// Stats is a snapshot of a Recorder.
type Stats struct {
	Count       int64         `msgpack:"count"`
	Dropped     int64         `msgpack:"dropped"`
	Min         time.Duration `msgpack:"min"`
	Max         time.Duration `msgpack:"max"`
	Avg         time.Duration `msgpack:"avg"`
	StdDev      time.Duration `msgpack:"stddev"`
	Percentiles []Percentile  `msgpack:"percentiles"`
}

// At returns the value recorded for p, or 0 if p is not one of Percentiles.
func (s *Stats) At(p float64) time.Duration {
	for _, v := range s.Percentiles {
		if v.Percentile == p {
			return v.Value
		}
	}
	return 0
}

// Recorder accumulates latencies in an HDR histogram. Not safe for concurrent
// use.
type Recorder struct {
	hist    *hdrhistogram.Histogram
	dropped int64
}

func NewRecorder() *Recorder {
	return &Recorder{
		hist: hdrhistogram.New(HistogramMin, HistogramMax, HistogramSigFigs),
	}
}

// Record reports false when d is out of the histogram's range.
func (r *Recorder) Record(d time.Duration) bool {
	if err := r.hist.RecordValue(int64(d)); err != nil {
		r.dropped++
		return false
	}
	return true
}

func (r *Recorder) Merge(other *Recorder) {
	r.dropped += other.dropped + r.hist.Merge(other.hist)
}

func (r *Recorder) Reset() {
	r.hist.Reset()
	r.dropped = 0
}

func (r *Recorder) Stats() Stats {
	s := Stats{
		Count:       r.hist.TotalCount(),
		Dropped:     r.dropped,
		Percentiles: make([]Percentile, len(Percentiles)),
	}
	for i, p := range Percentiles {
		s.Percentiles[i] = Percentile{Percentile: p, Value: time.Duration(r.hist.ValueAtPercentile(p))}
	}
	if s.Count == 0 {
		return s
	}

	s.Min = time.Duration(r.hist.Min())
	s.Max = time.Duration(r.hist.Max())
	s.Avg = time.Duration(r.hist.Mean())
	s.StdDev = time.Duration(r.hist.StdDev())
	return s
}
