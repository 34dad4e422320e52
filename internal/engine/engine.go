// Package engine is the single owner of aggregation state. Tick
// ingestion, scheduled flushes and instrument-set updates all funnel
// through one goroutine's select loop, so buffer mutations never
// interleave and a base flush always folds upward before the next tick
// for that product is applied.
package engine

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"candlefeed/internal/candle"
	"candlefeed/internal/market"
	"candlefeed/internal/registry"
	"candlefeed/pkg/shared"
)

// Feed is the slice of the feed client the engine drives.
type Feed interface {
	Ticks() <-chan market.Tick
	Resubscribe(products []string)
}

// Config holds the engine's timing knobs.
type Config struct {
	BaseInterval time.Duration
}

// Metrics is the engine's instrument bundle.
type Metrics struct {
	FlushDur   prometheus.Histogram
	SetUpdates prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FlushDur:   prometheus.NewHistogram(prometheus.HistogramOpts{Name: "engine_flush_seconds", Help: "Scheduled flush duration", Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5}}),
		SetUpdates: prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_set_updates_total", Help: "Instrument-set updates applied"}),
	}
	reg.MustRegister(m.FlushDur, m.SetUpdates)
	return m
}

type Engine struct {
	cfg     Config
	agg     *candle.Aggregator
	feed    Feed
	updates <-chan registry.Update
	log     shared.Logger
	m       *Metrics
}

func New(cfg Config, agg *candle.Aggregator, feed Feed, updates <-chan registry.Update, log shared.Logger, m *Metrics) *Engine {
	return &Engine{cfg: cfg, agg: agg, feed: feed, updates: updates, log: log, m: m}
}

// alignDelay is the wait until the next wall-clock boundary of
// interval. On a boundary it returns the full interval.
func alignDelay(now time.Time, interval time.Duration) time.Duration {
	width := interval.Milliseconds()
	return time.Duration(width-now.UnixMilli()%width) * time.Millisecond
}

// Run blocks until ctx is cancelled. The first scheduled flush is
// anchored to the next base-interval boundary; each fire re-anchors, so
// idle products keep closing their windows no matter the tick cadence.
// On shutdown every remaining non-empty buffer is flushed exactly once.
func (e *Engine) Run(ctx context.Context) {
	timer := time.NewTimer(alignDelay(time.Now(), e.cfg.BaseInterval))
	defer timer.Stop()
	ticks := e.feed.Ticks()

	for {
		select {
		case <-ctx.Done():
			e.drain(ticks)
			e.agg.FlushAll(time.Now())
			e.log.Printf("[engine] final flush complete")
			return

		case <-timer.C:
			start := time.Now()
			e.agg.FlushExpired(start)
			e.m.FlushDur.Observe(time.Since(start).Seconds())
			timer.Reset(alignDelay(time.Now(), e.cfg.BaseInterval))

		case tk, ok := <-ticks:
			if !ok {
				// Feed supervisor exited; scheduled flushes continue
				// until shutdown.
				ticks = nil
				continue
			}
			e.agg.Ingest(tk)

		case up := <-e.updates:
			now := time.Now()
			for _, id := range up.Removed {
				e.agg.RemoveProduct(id)
			}
			for _, id := range up.Added {
				e.agg.AddProduct(id, now)
			}
			e.feed.Resubscribe(up.Products)
			e.m.SetUpdates.Inc()
			e.log.Printf("[engine] instrument set now %d products (+%d -%d)",
				len(up.Products), len(up.Added), len(up.Removed))
		}
	}
}

// drain applies ticks already buffered at shutdown so the final flush
// sees them; it never waits for new ones.
func (e *Engine) drain(ticks <-chan market.Tick) {
	if ticks == nil {
		return
	}
	for {
		select {
		case tk, ok := <-ticks:
			if !ok {
				return
			}
			e.agg.Ingest(tk)
		default:
			return
		}
	}
}
