// Package store persists completed candles. Writes are fire-and-forget
// from the aggregator's point of view: a bounded queue decouples the
// ingest hot path from storage latency, and failures surface only in
// logs and metrics.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"candlefeed/internal/market"
	"candlefeed/pkg/shared"
)

const writeTimeout = 4 * time.Second

// CandleWriter performs one synchronous write of a candle batch.
type CandleWriter interface {
	WriteCandles(ctx context.Context, candles []market.Candle) error
}

// MultiWriter fans a batch out to every writer; one writer failing does
// not starve the others.
type MultiWriter []CandleWriter

func (mw MultiWriter) WriteCandles(ctx context.Context, candles []market.Candle) error {
	var errs []error
	for _, w := range mw {
		if err := w.WriteCandles(ctx, candles); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Metrics is the sink's instrument bundle.
type Metrics struct {
	Written    prometheus.Counter
	Failed     prometheus.Counter
	Dropped    prometheus.Counter
	QueueDepth prometheus.Gauge
	WriteDur   prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Written:    prometheus.NewCounter(prometheus.CounterOpts{Name: "sink_candles_written_total", Help: "Candles written"}),
		Failed:     prometheus.NewCounter(prometheus.CounterOpts{Name: "sink_write_failures_total", Help: "Failed write batches"}),
		Dropped:    prometheus.NewCounter(prometheus.CounterOpts{Name: "sink_candles_dropped_total", Help: "Candles dropped due to full queue"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{Name: "sink_queue_depth", Help: "Batches waiting to be written"}),
		WriteDur:   prometheus.NewHistogram(prometheus.HistogramOpts{Name: "sink_write_seconds", Help: "Write batch duration", Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2}}),
	}
	reg.MustRegister(m.Written, m.Failed, m.Dropped, m.QueueDepth, m.WriteDur)
	return m
}

// AsyncSink drains Enqueue'd batches through a CandleWriter on a single
// worker goroutine. A full queue drops the batch rather than blocking
// the caller; sustained failures are an alerting concern, not ours.
type AsyncSink struct {
	w     CandleWriter
	log   shared.Logger
	m     *Metrics
	queue chan []market.Candle
	done  chan struct{}
}

func NewAsyncSink(w CandleWriter, queueSize int, log shared.Logger, m *Metrics) *AsyncSink {
	if queueSize < 1 {
		queueSize = 1
	}
	s := &AsyncSink{
		w:     w,
		log:   log,
		m:     m,
		queue: make(chan []market.Candle, queueSize),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Enqueue hands a batch to the worker without blocking. Must not be
// called after Close.
func (s *AsyncSink) Enqueue(candles []market.Candle) {
	if len(candles) == 0 {
		return
	}
	select {
	case s.queue <- candles:
		s.m.QueueDepth.Set(float64(len(s.queue)))
	default:
		s.m.Dropped.Add(float64(len(candles)))
		s.log.Printf("[sink] queue full, dropped %d candles", len(candles))
	}
}

// Close stops accepting work and waits for the queue to drain, bounded
// by ctx. Outstanding batches past the deadline are abandoned.
func (s *AsyncSink) Close(ctx context.Context) error {
	close(s.queue)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for batch := range s.queue {
		s.m.QueueDepth.Set(float64(len(s.queue)))
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := s.w.WriteCandles(ctx, batch)
		cancel()
		s.m.WriteDur.Observe(time.Since(start).Seconds())
		if err != nil {
			s.m.Failed.Inc()
			s.log.Printf("[sink] write batch of %d failed: %v", len(batch), err)
			continue
		}
		s.m.Written.Add(float64(len(batch)))
	}
}
