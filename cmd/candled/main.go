package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"candlefeed/internal/candle"
	"candlefeed/internal/engine"
	"candlefeed/internal/feed"
	"candlefeed/internal/market"
	"candlefeed/internal/registry"
	"candlefeed/internal/store"
	"candlefeed/pkg/shared"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
)

// Config for the candle daemon.
type Config struct {
	Kafka   shared.KafkaConfig
	PG      shared.PostgresConfig
	Metrics shared.MetricsConfig

	FeedURL        string `envconfig:"FEED_URL" default:"wss://ws-feed.exchange.coinbase.com"`
	Products       string `envconfig:"PRODUCTS" default:"BTC-USD,ETH-USD"`
	BaseIntervalMS int    `envconfig:"BASE_INTERVAL_MS" default:"60000"`
	HigherTFs      string `envconfig:"HIGHER_TFS" default:"5m,15m,1h"`

	RefreshPeriod   time.Duration `envconfig:"REFRESH_PERIOD" default:"5m"`
	ResubDebounceMS int           `envconfig:"RESUB_DEBOUNCE_MS" default:"2000"`
	BackoffBaseMS   int           `envconfig:"BACKOFF_BASE_MS" default:"1000"`
	BackoffCapMS    int           `envconfig:"BACKOFF_CAP_MS" default:"30000"`
	ShutdownGrace   time.Duration `envconfig:"SHUTDOWN_GRACE" default:"5s"`
	SinkQueue       int           `envconfig:"SINK_QUEUE" default:"4096"`
	TopicPrefix     string        `envconfig:"CANDLE_TOPIC_PREFIX" default:"candles"`
	ConnectTimeout  time.Duration `envconfig:"PG_CONNECT_TIMEOUT" default:"10s"`
}

func splitProducts(raw string) []string {
	out := []string{}
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func main() {
	_ = godotenv.Load()
	var cfg Config
	envconfig.MustProcess("", &cfg)
	logger := shared.NewLogger("candled")
	ms := shared.NewMetricsServer(cfg.Metrics.Port)
	ms.Start()

	ctx, stopSig := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stopSig()

	base := market.Timeframe{
		Label:    market.FormatLabel(time.Duration(cfg.BaseIntervalMS) * time.Millisecond),
		Interval: time.Duration(cfg.BaseIntervalMS) * time.Millisecond,
	}
	higher, err := market.ParseTimeframes(cfg.HigherTFs, base.Interval)
	if err != nil {
		logger.Fatalf("bad HIGHER_TFS: %v", err)
	}
	fallback := splitProducts(cfg.Products)
	if len(fallback) == 0 {
		logger.Fatalf("PRODUCTS must name at least one product")
	}

	pingCtx, cancelPing := context.WithTimeout(ctx, cfg.ConnectTimeout)
	db, err := shared.NewPgxPool(pingCtx, cfg.PG)
	if err == nil {
		err = db.Ping(pingCtx)
	}
	cancelPing()
	if err != nil {
		logger.Fatalf("postgres unavailable: %v", err)
	}
	defer db.Close()

	var writer store.CandleWriter = store.NewPgWriter(db)
	var producer shared.Producer
	if cfg.TopicPrefix != "" {
		producer = shared.NewProducer(cfg.Kafka)
		defer producer.Close()
		writer = store.MultiWriter{writer, store.NewKafkaWriter(producer, cfg.TopicPrefix)}
	}
	sink := store.NewAsyncSink(writer, cfg.SinkQueue, logger, store.NewMetrics(prometheus.DefaultRegisterer))

	agg := candle.NewAggregator(base, higher, sink, logger, candle.NewMetrics(prometheus.DefaultRegisterer))

	reg := registry.New(registry.NewPgSource(db), fallback, cfg.RefreshPeriod,
		time.Duration(cfg.ResubDebounceMS)*time.Millisecond,
		logger, registry.NewMetrics(prometheus.DefaultRegisterer))
	reg.Refresh(ctx)
	products := reg.Current()
	if len(products) == 0 {
		// Initial source query failed; the periodic refresh will
		// converge once it recovers.
		logger.Printf("[main] starting with PRODUCTS fallback (%d)", len(fallback))
		products = fallback
	}
	now := time.Now()
	for _, id := range products {
		agg.AddProduct(id, now)
	}

	client, err := feed.NewClient(feed.Config{
		URL:         cfg.FeedURL,
		BackoffBase: time.Duration(cfg.BackoffBaseMS) * time.Millisecond,
		BackoffCap:  time.Duration(cfg.BackoffCapMS) * time.Millisecond,
	}, logger, feed.NewMetrics(prometheus.DefaultRegisterer))
	if err != nil {
		logger.Fatalf("feed client: %v", err)
	}

	go client.Run(ctx, products)
	go reg.Run(ctx)

	logger.Printf("running feed=%s base=%s higher=%s products=%d kafka=%v queue=%d",
		cfg.FeedURL, base.Label, cfg.HigherTFs, len(products), cfg.TopicPrefix != "", cfg.SinkQueue)

	eng := engine.New(engine.Config{BaseInterval: base.Interval}, agg, client, reg.Updates(),
		logger, engine.NewMetrics(prometheus.DefaultRegisterer))
	eng.Run(ctx)

	// Run returned after the final flush; give the sink the grace
	// window to land what is queued.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelDrain()
	if err := sink.Close(drainCtx); err != nil {
		logger.Printf("[main] sink drain incomplete: %v", err)
	}
	logger.Printf("shutdown complete")
}
