package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"candlefeed/internal/market"
)

// frame is the superset of inbound message shapes on the ticker channel.
// Numeric fields stay strings until decimal parsing so no precision is
// lost in transit.
type frame struct {
	Type      string   `json:"type"`
	ProductID string   `json:"product_id"`
	Price     string   `json:"price"`
	LastSize  string   `json:"last_size"`
	Time      string   `json:"time"`
	Message   string   `json:"message"`
	Channels  []string `json:"channels"`
}

// subscribeFrame is the outbound subscription request.
type subscribeFrame struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

func marshalSubscribe(products []string) ([]byte, error) {
	return json.Marshal(subscribeFrame{
		Type:       "subscribe",
		ProductIDs: products,
		Channels:   []string{"ticker"},
	})
}

// normalizeTick turns a ticker frame into a canonical Tick. The initial
// ticker snapshot after subscribing carries no trade, so frames without
// price, size or time are rejected and dropped by the caller.
func normalizeTick(f frame) (market.Tick, error) {
	if f.ProductID == "" {
		return market.Tick{}, fmt.Errorf("ticker frame without product_id")
	}
	if f.Price == "" || f.LastSize == "" || f.Time == "" {
		return market.Tick{}, fmt.Errorf("ticker frame for %s carries no trade", f.ProductID)
	}
	price, err := decimal.NewFromString(f.Price)
	if err != nil {
		return market.Tick{}, fmt.Errorf("ticker price %q: %w", f.Price, err)
	}
	size, err := decimal.NewFromString(f.LastSize)
	if err != nil {
		return market.Tick{}, fmt.Errorf("ticker size %q: %w", f.LastSize, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, f.Time)
	if err != nil {
		return market.Tick{}, fmt.Errorf("ticker time %q: %w", f.Time, err)
	}
	return market.Tick{
		ProductID: f.ProductID,
		Price:     price,
		Size:      size,
		Time:      ts.UTC(),
	}, nil
}
