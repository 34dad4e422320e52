package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"candlefeed/internal/market"
)

// The upsert replaces values wholesale so re-delivering a candle with
// the same key and values is a no-op. Accumulating on conflict would
// double-count retried batches.
const upsertSQL = `
INSERT INTO candles(product_id, tf, ts, o, h, l, c, vol, n_trades)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT(product_id, tf, ts) DO UPDATE
SET o = EXCLUDED.o,
    h = EXCLUDED.h,
    l = EXCLUDED.l,
    c = EXCLUDED.c,
    vol = EXCLUDED.vol,
    n_trades = EXCLUDED.n_trades;
`

// batchDB is the slice of the pgx pool surface PgWriter needs.
type batchDB interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
}

// PgWriter upserts candle batches keyed by (product_id, tf, ts).
type PgWriter struct {
	db batchDB
}

func NewPgWriter(db batchDB) *PgWriter {
	return &PgWriter{db: db}
}

func (w *PgWriter) WriteCandles(ctx context.Context, candles []market.Candle) error {
	conn, err := w.db.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	batch := &pgx.Batch{}
	for _, c := range candles {
		// Decimals travel as text so Postgres numeric keeps them exact.
		batch.Queue(
			upsertSQL,
			c.ProductID,
			c.TF,
			c.Start,
			c.Open.String(),
			c.High.String(),
			c.Low.String(),
			c.Close.String(),
			c.Volume.String(),
			c.NTrades,
		)
	}
	br := conn.SendBatch(ctx, batch)
	defer br.Close()
	for range candles {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}
