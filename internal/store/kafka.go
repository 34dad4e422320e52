package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"candlefeed/internal/market"
	"candlefeed/pkg/shared"
)

// KafkaWriter publishes completed candles to one topic per timeframe
// (<prefix>.<tf>), keyed by product so a partition preserves per-product
// order. Downstream consumers get candles without touching the DB.
type KafkaWriter struct {
	producer shared.Producer
	prefix   string
}

func NewKafkaWriter(producer shared.Producer, topicPrefix string) *KafkaWriter {
	return &KafkaWriter{producer: producer, prefix: topicPrefix}
}

func (w *KafkaWriter) WriteCandles(ctx context.Context, candles []market.Candle) error {
	byTopic := make(map[string][]shared.Record)
	for _, c := range candles {
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal candle %s/%s: %w", c.ProductID, c.TF, err)
		}
		topic := w.prefix + "." + c.TF
		byTopic[topic] = append(byTopic[topic], shared.Record{
			Key:   []byte(c.ProductID),
			Value: raw,
			Time:  time.Now().UTC(),
		})
	}
	for topic, records := range byTopic {
		if err := w.producer.ProduceBatch(ctx, topic, records); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
	}
	return nil
}
