// Package candle turns normalized ticks into boundary-aligned OHLCV
// candles across a base timeframe and any number of higher timeframes.
// Higher timeframes are only ever derived from completed base candles,
// never from raw ticks, so every timeframe stays pinned to one open
// buffer per product no matter how bursty the feed gets.
package candle

import (
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"candlefeed/internal/market"
	"candlefeed/pkg/shared"
)

// Sink receives completed candles. Enqueue must not block the caller;
// persistence failures are the sink's problem, not the aggregator's.
type Sink interface {
	Enqueue(candles []market.Candle)
}

// Metrics is the aggregator's instrument bundle.
type Metrics struct {
	TicksIn     prometheus.Counter
	TicksDrop   *prometheus.CounterVec
	Flushed     *prometheus.CounterVec
	OpenBuffers prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksIn:     prometheus.NewCounter(prometheus.CounterOpts{Name: "candle_ticks_total", Help: "Ticks ingested"}),
		TicksDrop:   prometheus.NewCounterVec(prometheus.CounterOpts{Name: "candle_ticks_dropped_total", Help: "Ticks dropped"}, []string{"reason"}),
		Flushed:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "candle_flushed_total", Help: "Candles flushed"}, []string{"tf"}),
		OpenBuffers: prometheus.NewGauge(prometheus.GaugeOpts{Name: "candle_open_products", Help: "Products with live buffers"}),
	}
	reg.MustRegister(m.TicksIn, m.TicksDrop, m.Flushed, m.OpenBuffers)
	return m
}

// Aggregator owns every candle buffer. It is NOT safe for concurrent
// use: the engine loop is the single writer, which is what keeps the
// fold ordering guarantee (base flush before the next tick) trivial.
type Aggregator struct {
	base   market.Timeframe
	higher []market.Timeframe
	sink   Sink
	log    shared.Logger
	m      *Metrics

	buffers map[string]*buffer            // product -> open base buffer
	folded  map[string]map[string]*buffer // product -> tf label -> open buffer
}

func NewAggregator(base market.Timeframe, higher []market.Timeframe, sink Sink, log shared.Logger, m *Metrics) *Aggregator {
	return &Aggregator{
		base:    base,
		higher:  higher,
		sink:    sink,
		log:     log,
		m:       m,
		buffers: make(map[string]*buffer),
		folded:  make(map[string]map[string]*buffer),
	}
}

// AddProduct provisions empty buffers across all timeframes, aligned to
// the window containing now. Adding a known product is a no-op.
func (a *Aggregator) AddProduct(id string, now time.Time) {
	if _, ok := a.buffers[id]; ok {
		return
	}
	a.buffers[id] = newBuffer(market.Bucket(now, a.base.Interval))
	tfs := make(map[string]*buffer, len(a.higher))
	for _, tf := range a.higher {
		tfs[tf.Label] = newBuffer(market.Bucket(now, tf.Interval))
	}
	a.folded[id] = tfs
	a.m.OpenBuffers.Set(float64(len(a.buffers)))
}

// RemoveProduct tears down every buffer for the product. Unflushed
// partial data is discarded; acceptable loss on unsubscribe.
func (a *Aggregator) RemoveProduct(id string) {
	delete(a.buffers, id)
	delete(a.folded, id)
	a.m.OpenBuffers.Set(float64(len(a.buffers)))
}

// Products returns the live product set, sorted.
func (a *Aggregator) Products() []string {
	out := make([]string, 0, len(a.buffers))
	for id := range a.buffers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Ingest applies one tick to the base buffer. A tick from a later
// window first closes the current one; ticks from earlier windows are
// not a supported case on an in-order feed and are dropped.
func (a *Aggregator) Ingest(tk market.Tick) {
	b, ok := a.buffers[tk.ProductID]
	if !ok {
		a.log.Printf("[candle] tick for unknown product %s dropped", tk.ProductID)
		a.m.TicksDrop.WithLabelValues("unknown_product").Inc()
		return
	}
	a.m.TicksIn.Inc()

	if tk.Time.Before(b.start) {
		a.log.Printf("[candle] stale tick for %s at %s before open window %s dropped",
			tk.ProductID, tk.Time.Format(time.RFC3339Nano), b.start.Format(time.RFC3339))
		a.m.TicksDrop.WithLabelValues("stale").Inc()
		return
	}
	if !tk.Time.Before(b.end(a.base.Interval)) {
		out := a.closeBase(tk.ProductID, b, market.Bucket(tk.Time, a.base.Interval), nil)
		a.emit(out)
		b = a.buffers[tk.ProductID]
	}
	b.applyTick(tk)
}

// FlushExpired closes every buffer whose window ended at or before now,
// across all products and timeframes. Untouched buffers emit nothing
// and simply roll forward; gaps are absent rows, not zero rows.
func (a *Aggregator) FlushExpired(now time.Time) {
	var out []market.Candle
	for id, b := range a.buffers {
		if b.end(a.base.Interval).After(now) {
			continue
		}
		out = a.closeBase(id, b, market.Bucket(now, a.base.Interval), out)
	}
	for id, tfs := range a.folded {
		for _, tf := range a.higher {
			hb := tfs[tf.Label]
			if hb.end(tf.Interval).After(now) {
				continue
			}
			out = a.closeHigher(id, tf, hb, market.Bucket(now, tf.Interval), out)
		}
	}
	a.emit(out)
}

// FlushAll closes every non-empty buffer exactly once. Shutdown path.
func (a *Aggregator) FlushAll(now time.Time) {
	var out []market.Candle
	for id, b := range a.buffers {
		out = a.closeBase(id, b, market.Bucket(now, a.base.Interval), out)
	}
	for id, tfs := range a.folded {
		for _, tf := range a.higher {
			out = a.closeHigher(id, tf, tfs[tf.Label], market.Bucket(now, tf.Interval), out)
		}
	}
	a.emit(out)
}

// closeBase materializes the base buffer (if non-empty), folds the
// candle upward, replaces the buffer with a fresh one at nextStart and
// returns the accumulated flush batch.
func (a *Aggregator) closeBase(id string, b *buffer, nextStart time.Time, out []market.Candle) []market.Candle {
	if !b.empty() {
		c := b.candle(id, a.base.Label)
		out = append(out, c)
		a.m.Flushed.WithLabelValues(a.base.Label).Inc()
		out = a.fold(id, c, out)
	}
	a.buffers[id] = newBuffer(nextStart)
	return out
}

// fold merges a completed base candle into every higher timeframe,
// closing any higher buffer whose bucket has moved on first. The
// higher candle's open/close therefore always come from real base
// opens/closes.
func (a *Aggregator) fold(id string, c market.Candle, out []market.Candle) []market.Candle {
	tfs := a.folded[id]
	for _, tf := range a.higher {
		hb := tfs[tf.Label]
		bucket := market.Bucket(c.Start, tf.Interval)
		if !hb.start.Equal(bucket) {
			out = a.closeHigher(id, tf, hb, bucket, out)
			hb = tfs[tf.Label]
		}
		hb.merge(c)
	}
	return out
}

func (a *Aggregator) closeHigher(id string, tf market.Timeframe, hb *buffer, nextStart time.Time, out []market.Candle) []market.Candle {
	if !hb.empty() {
		out = append(out, hb.candle(id, tf.Label))
		a.m.Flushed.WithLabelValues(tf.Label).Inc()
	}
	a.folded[id][tf.Label] = newBuffer(nextStart)
	return out
}

func (a *Aggregator) emit(candles []market.Candle) {
	if len(candles) == 0 {
		return
	}
	a.sink.Enqueue(candles)
}
