package candle

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candlefeed/internal/market"
	"candlefeed/pkg/shared"
)

type captureSink struct {
	candles []market.Candle
}

func (s *captureSink) Enqueue(candles []market.Candle) {
	s.candles = append(s.candles, candles...)
}

func (s *captureSink) byTF(tf string) []market.Candle {
	var out []market.Candle
	for _, c := range s.candles {
		if c.TF == tf {
			out = append(out, c)
		}
	}
	return out
}

var (
	baseTF   = market.Timeframe{Label: "1m", Interval: time.Minute}
	higherTF = []market.Timeframe{
		{Label: "5m", Interval: 5 * time.Minute},
		{Label: "15m", Interval: 15 * time.Minute},
	}
	t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
)

func newTestAggregator(sink Sink) *Aggregator {
	m := NewMetrics(prometheus.NewRegistry())
	return NewAggregator(baseTF, higherTF, sink, shared.NopLogger(), m)
}

func tick(product string, price float64, at time.Time) market.Tick {
	return market.Tick{
		ProductID: product,
		Price:     decimal.NewFromFloat(price),
		Size:      decimal.NewFromInt(1),
		Time:      at,
	}
}

func tickSized(product string, price, size float64, at time.Time) market.Tick {
	return market.Tick{
		ProductID: product,
		Price:     decimal.NewFromFloat(price),
		Size:      decimal.NewFromFloat(size),
		Time:      at,
	}
}

func TestSingleWindowOHLCV(t *testing.T) {
	sink := &captureSink{}
	agg := newTestAggregator(sink)
	agg.AddProduct("BTC-USD", t0)

	agg.Ingest(tickSized("BTC-USD", 100, 2, t0.Add(10*time.Second)))
	agg.Ingest(tickSized("BTC-USD", 105, 1, t0.Add(40*time.Second)))
	agg.Ingest(tickSized("BTC-USD", 98, 3, t0.Add(50*time.Second)))

	agg.FlushExpired(t0.Add(time.Minute))

	got := sink.byTF("1m")
	require.Len(t, got, 1)
	c := got[0]
	assert.Equal(t, t0, c.Start)
	assert.True(t, c.Open.Equal(decimal.NewFromInt(100)), "open=%s", c.Open)
	assert.True(t, c.High.Equal(decimal.NewFromInt(105)), "high=%s", c.High)
	assert.True(t, c.Low.Equal(decimal.NewFromInt(98)), "low=%s", c.Low)
	assert.True(t, c.Close.Equal(decimal.NewFromInt(98)), "close=%s", c.Close)
	// dollar volume: 100*2 + 105*1 + 98*3 = 599
	assert.True(t, c.Volume.Equal(decimal.NewFromInt(599)), "volume=%s", c.Volume)
	assert.Equal(t, int64(3), c.NTrades)
}

func TestWindowStartAlignment(t *testing.T) {
	sink := &captureSink{}
	agg := newTestAggregator(sink)
	agg.AddProduct("BTC-USD", t0.Add(37*time.Second))

	for i := 0; i < 30; i++ {
		agg.Ingest(tick("BTC-USD", 100+float64(i), t0.Add(time.Duration(37+i*31)*time.Second)))
	}
	agg.FlushAll(t0.Add(time.Hour))

	require.NotEmpty(t, sink.candles)
	intervals := map[string]time.Duration{"1m": time.Minute, "5m": 5 * time.Minute, "15m": 15 * time.Minute}
	for _, c := range sink.candles {
		width := intervals[c.TF]
		require.NotZero(t, width, "unexpected tf %s", c.TF)
		assert.Zero(t, c.Start.UnixMilli()%width.Milliseconds(), "tf=%s start=%s", c.TF, c.Start)
	}
}

func TestEmptyWindowEmitsNothing(t *testing.T) {
	sink := &captureSink{}
	agg := newTestAggregator(sink)
	agg.AddProduct("ETH-USD", t0)

	// Several scheduler fires with zero ticks: no candles, buffers roll.
	agg.FlushExpired(t0.Add(time.Minute))
	agg.FlushExpired(t0.Add(2 * time.Minute))
	agg.FlushExpired(t0.Add(3 * time.Minute))
	assert.Empty(t, sink.candles)

	// The rolled buffer accepts current ticks afterwards.
	agg.Ingest(tick("ETH-USD", 50, t0.Add(3*time.Minute+10*time.Second)))
	agg.FlushExpired(t0.Add(4 * time.Minute))
	require.Len(t, sink.byTF("1m"), 1)
	assert.Equal(t, t0.Add(3*time.Minute), sink.byTF("1m")[0].Start)
}

func TestTickRolloverClosesPriorWindow(t *testing.T) {
	sink := &captureSink{}
	agg := newTestAggregator(sink)
	agg.AddProduct("BTC-USD", t0)

	agg.Ingest(tick("BTC-USD", 100, t0.Add(10*time.Second)))
	agg.Ingest(tick("BTC-USD", 105, t0.Add(40*time.Second)))
	agg.Ingest(tick("BTC-USD", 98, t0.Add(50*time.Second)))

	// Tick at 01:05 lands in the next window: exactly one flush of the
	// prior buffer, one fresh buffer at 01:00.
	agg.Ingest(tick("BTC-USD", 101, t0.Add(65*time.Second)))

	got := sink.byTF("1m")
	require.Len(t, got, 1)
	prior := got[0]
	assert.Equal(t, t0, prior.Start)
	assert.True(t, prior.Open.Equal(decimal.NewFromInt(100)))
	assert.True(t, prior.High.Equal(decimal.NewFromInt(105)))
	assert.True(t, prior.Low.Equal(decimal.NewFromInt(98)))
	assert.True(t, prior.Close.Equal(decimal.NewFromInt(98)))

	agg.FlushExpired(t0.Add(2 * time.Minute))
	got = sink.byTF("1m")
	require.Len(t, got, 2)
	// The prior candle is untouched by the later flush.
	assert.Equal(t, prior, got[0])
	next := got[1]
	assert.Equal(t, t0.Add(time.Minute), next.Start)
	for _, px := range []decimal.Decimal{next.Open, next.High, next.Low, next.Close} {
		assert.True(t, px.Equal(decimal.NewFromInt(101)))
	}
}

func TestRolloverSkipsGapWindows(t *testing.T) {
	sink := &captureSink{}
	agg := newTestAggregator(sink)
	agg.AddProduct("BTC-USD", t0)

	agg.Ingest(tick("BTC-USD", 100, t0.Add(5*time.Second)))
	// Next tick three windows later: the new buffer aligns to the tick's
	// own window, not to start+interval.
	agg.Ingest(tick("BTC-USD", 110, t0.Add(3*time.Minute+12*time.Second)))

	got := sink.byTF("1m")
	require.Len(t, got, 1)
	assert.Equal(t, t0, got[0].Start)

	agg.FlushExpired(t0.Add(5 * time.Minute))
	got = sink.byTF("1m")
	require.Len(t, got, 2)
	assert.Equal(t, t0.Add(3*time.Minute), got[1].Start)
}

func TestStaleTickDropped(t *testing.T) {
	sink := &captureSink{}
	agg := newTestAggregator(sink)
	agg.AddProduct("BTC-USD", t0.Add(time.Minute))

	agg.Ingest(tick("BTC-USD", 100, t0.Add(70*time.Second)))
	// Earlier than the open window: dropped, no mutation.
	agg.Ingest(tick("BTC-USD", 1, t0.Add(30*time.Second)))

	agg.FlushExpired(t0.Add(2 * time.Minute))
	got := sink.byTF("1m")
	require.Len(t, got, 1)
	assert.True(t, got[0].Low.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, int64(1), got[0].NTrades)
}

func TestUnknownProductDropped(t *testing.T) {
	sink := &captureSink{}
	agg := newTestAggregator(sink)
	agg.AddProduct("BTC-USD", t0)

	agg.Ingest(tick("DOGE-USD", 1, t0.Add(time.Second)))
	agg.FlushAll(t0.Add(time.Minute))
	assert.Empty(t, sink.candles)
}

func TestHigherTimeframeFold(t *testing.T) {
	sink := &captureSink{}
	agg := newTestAggregator(sink)
	agg.AddProduct("BTC-USD", t0)

	// One tick per minute for five minutes; prices chosen so each base
	// candle is distinct.
	prices := []float64{100, 104, 96, 102, 101}
	for i, px := range prices {
		agg.Ingest(tick("BTC-USD", px, t0.Add(time.Duration(i)*time.Minute+10*time.Second)))
	}
	// The scheduler fire at 10:05 closes the fifth base candle, folds it
	// and then closes the expired 5m bucket.
	agg.FlushExpired(t0.Add(5 * time.Minute))

	fives := sink.byTF("5m")
	require.Len(t, fives, 1)
	c := fives[0]
	assert.Equal(t, t0, c.Start)
	assert.True(t, c.Open.Equal(decimal.NewFromInt(100)), "first constituent open")
	assert.True(t, c.Close.Equal(decimal.NewFromInt(101)), "last constituent close")
	assert.True(t, c.High.Equal(decimal.NewFromInt(104)))
	assert.True(t, c.Low.Equal(decimal.NewFromInt(96)))
	// Each tick had size 1, so dollar volume is the price sum.
	assert.True(t, c.Volume.Equal(decimal.NewFromInt(100+104+96+102+101)), "volume=%s", c.Volume)
	assert.Equal(t, int64(5), c.NTrades)

	// Higher candles never come from raw ticks: five base candles in,
	// one 5m candle out.
	assert.Len(t, sink.byTF("1m"), 5)
}

func TestHigherTimeframeIdleFlush(t *testing.T) {
	sink := &captureSink{}
	agg := newTestAggregator(sink)
	agg.AddProduct("BTC-USD", t0)

	// Activity only in the first minute of the 5m bucket, then silence.
	agg.Ingest(tick("BTC-USD", 100, t0.Add(10*time.Second)))
	agg.FlushExpired(t0.Add(time.Minute))
	require.Len(t, sink.byTF("1m"), 1)
	assert.Empty(t, sink.byTF("5m"), "5m bucket still open")

	// Scheduler fire past the 5m boundary closes the folded bucket even
	// though no further base candle arrived.
	agg.FlushExpired(t0.Add(5 * time.Minute))
	fives := sink.byTF("5m")
	require.Len(t, fives, 1)
	assert.Equal(t, t0, fives[0].Start)
	assert.True(t, fives[0].Open.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, int64(1), fives[0].NTrades)
}

func TestRemoveProductDiscardsPartialData(t *testing.T) {
	sink := &captureSink{}
	agg := newTestAggregator(sink)
	agg.AddProduct("BTC-USD", t0)
	agg.AddProduct("ETH-USD", t0)

	agg.Ingest(tick("BTC-USD", 100, t0.Add(10*time.Second)))
	agg.Ingest(tick("ETH-USD", 50, t0.Add(10*time.Second)))
	agg.RemoveProduct("BTC-USD")

	assert.Equal(t, []string{"ETH-USD"}, agg.Products())
	agg.FlushAll(t0.Add(time.Minute))
	for _, c := range sink.candles {
		assert.Equal(t, "ETH-USD", c.ProductID)
	}
}

func TestFlushAllEmitsEveryTimeframeOnce(t *testing.T) {
	sink := &captureSink{}
	agg := newTestAggregator(sink)
	agg.AddProduct("BTC-USD", t0)
	agg.AddProduct("ETH-USD", t0)

	agg.Ingest(tick("BTC-USD", 100, t0.Add(10*time.Second)))
	agg.Ingest(tick("ETH-USD", 50, t0.Add(20*time.Second)))

	agg.FlushAll(t0.Add(30 * time.Second))

	// Each product: one base candle plus one per higher timeframe.
	counts := map[string]int{}
	for _, c := range sink.candles {
		counts[c.ProductID+"/"+c.TF]++
	}
	for _, product := range []string{"BTC-USD", "ETH-USD"} {
		for _, tf := range []string{"1m", "5m", "15m"} {
			assert.Equal(t, 1, counts[product+"/"+tf], "%s %s", product, tf)
		}
	}

	// A second FlushAll finds everything empty.
	before := len(sink.candles)
	agg.FlushAll(t0.Add(time.Minute))
	assert.Equal(t, before, len(sink.candles))
}

func TestScheduledFlushLeavesFreshWindowOpen(t *testing.T) {
	sink := &captureSink{}
	agg := newTestAggregator(sink)
	agg.AddProduct("BTC-USD", t0)

	// Tick lands just after the boundary, before the scheduler fires.
	agg.Ingest(tick("BTC-USD", 100, t0.Add(59*time.Second)))
	agg.Ingest(tick("BTC-USD", 101, t0.Add(60*time.Second+100*time.Millisecond)))

	// Scheduler fires for the 10:01 boundary: only the closed window is
	// flushed, the freshly opened one stays.
	agg.FlushExpired(t0.Add(60*time.Second + 200*time.Millisecond))
	got := sink.byTF("1m")
	require.Len(t, got, 1)
	assert.Equal(t, t0, got[0].Start)
	assert.Equal(t, int64(1), got[0].NTrades)
}
