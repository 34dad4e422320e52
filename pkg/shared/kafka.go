package shared

import (
	"context"
	"strings"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

// Record is the producer payload shape for batched writes.
type Record struct {
	Key   []byte
	Value []byte
	Time  time.Time
}

// Producer abstracts Kafka production.
type Producer interface {
	ProduceBatch(ctx context.Context, topic string, records []Record) error
	Close()
}

// KafkaProducer implements Producer using segmentio/kafka-go,
// keeping one writer per topic.
type KafkaProducer struct {
	cfg     KafkaConfig
	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

func NewProducer(cfg KafkaConfig) *KafkaProducer {
	return &KafkaProducer{
		cfg:     cfg,
		writers: make(map[string]*kafka.Writer),
	}
}

func (k *KafkaProducer) writer(topic string) *kafka.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()
	if w, ok := k.writers[topic]; ok {
		return w
	}
	linger := k.cfg.LingerMS
	if linger < 0 {
		linger = 0
	}
	batchBytes := k.cfg.BatchBytes
	if batchBytes < 1 {
		batchBytes = 1
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(k.cfg.BrokerList()...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: writerAcks(k.cfg.ProducerAcks),
		BatchTimeout: time.Duration(linger) * time.Millisecond,
		BatchBytes:   int64(batchBytes),
	}
	k.writers[topic] = w
	return w
}

func (k *KafkaProducer) ProduceBatch(ctx context.Context, topic string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(records))
	now := time.Now().UTC()
	for _, rec := range records {
		msgTime := rec.Time
		if msgTime.IsZero() {
			msgTime = now
		}
		msgs = append(msgs, kafka.Message{
			Key:   rec.Key,
			Value: rec.Value,
			Time:  msgTime,
		})
	}
	return k.writer(topic).WriteMessages(ctx, msgs...)
}

func (k *KafkaProducer) Close() {
	k.mu.Lock()
	ws := make([]*kafka.Writer, 0, len(k.writers))
	for _, w := range k.writers {
		ws = append(ws, w)
	}
	k.writers = make(map[string]*kafka.Writer)
	k.mu.Unlock()
	for _, w := range ws {
		_ = w.Close()
	}
}

func writerAcks(raw string) kafka.RequiredAcks {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "all", "-1":
		return kafka.RequireAll
	case "none", "0":
		return kafka.RequireNone
	default:
		return kafka.RequireOne
	}
}
