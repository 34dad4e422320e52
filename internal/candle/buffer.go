package candle

import (
	"time"

	"github.com/shopspring/decimal"

	"candlefeed/internal/market"
)

// buffer is the open window for one (product, timeframe). trades == 0
// marks an untouched buffer; an untouched buffer is never emitted.
type buffer struct {
	start  time.Time
	open   decimal.Decimal
	high   decimal.Decimal
	low    decimal.Decimal
	close  decimal.Decimal
	volume decimal.Decimal
	trades int64
}

func newBuffer(start time.Time) *buffer {
	return &buffer{start: start}
}

func (b *buffer) empty() bool { return b.trades == 0 }

// end is the exclusive close of the window.
func (b *buffer) end(interval time.Duration) time.Time {
	return b.start.Add(interval)
}

// applyTick folds one trade in. Ticks are applied in arrival order, so
// close is last-write-wins. Volume accumulates dollar volume.
func (b *buffer) applyTick(tk market.Tick) {
	notional := tk.Price.Mul(tk.Size)
	if b.trades == 0 {
		b.open = tk.Price
		b.high = tk.Price
		b.low = tk.Price
		b.close = tk.Price
		b.volume = notional
		b.trades = 1
		return
	}
	if tk.Price.GreaterThan(b.high) {
		b.high = tk.Price
	}
	if tk.Price.LessThan(b.low) {
		b.low = tk.Price
	}
	b.close = tk.Price
	b.volume = b.volume.Add(notional)
	b.trades++
}

// merge folds a completed lower-timeframe candle in, same shape as
// applyTick: first candle seeds OHLC, later ones stretch high/low and
// overwrite close.
func (b *buffer) merge(c market.Candle) {
	if b.trades == 0 {
		b.open = c.Open
		b.high = c.High
		b.low = c.Low
		b.close = c.Close
		b.volume = c.Volume
		b.trades = c.NTrades
		return
	}
	if c.High.GreaterThan(b.high) {
		b.high = c.High
	}
	if c.Low.LessThan(b.low) {
		b.low = c.Low
	}
	b.close = c.Close
	b.volume = b.volume.Add(c.Volume)
	b.trades += c.NTrades
}

func (b *buffer) candle(productID, tf string) market.Candle {
	return market.Candle{
		ProductID: productID,
		TF:        tf,
		Start:     b.start,
		Open:      b.open,
		High:      b.high,
		Low:       b.low,
		Close:     b.close,
		Volume:    b.volume,
		NTrades:   b.trades,
	}
}
