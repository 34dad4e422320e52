// Package market defines the data model shared by the feed, aggregator
// and storage layers. Prices and sizes are decimals end to end so that
// aggregates reproduce exactly regardless of tick volume.
package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single observed trade. Ticks are ephemeral: normalized from
// the exchange feed, folded into the open candle buffer and dropped.
type Tick struct {
	ProductID string
	Price     decimal.Decimal
	Size      decimal.Decimal
	Time      time.Time
}

// Candle is the persisted OHLCV record for one (product, timeframe,
// window). Volume is dollar volume: the sum of price*size over the
// window. A Candle is immutable once emitted.
type Candle struct {
	ProductID string          `json:"product_id"`
	TF        string          `json:"tf"`
	Start     time.Time       `json:"ts"`
	Open      decimal.Decimal `json:"o"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Close     decimal.Decimal `json:"c"`
	Volume    decimal.Decimal `json:"vol"`
	NTrades   int64           `json:"n_trades"`
}
