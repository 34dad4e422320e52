package registry

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// The watchlist is maintained by the dashboard side of the house; the
// engine only ever reads it.
const activeProductsSQL = `
SELECT product_id FROM watched_products WHERE active ORDER BY product_id;
`

// rowQuerier is the slice of the pgx pool surface PgSource needs.
type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PgSource reads the active product set from Postgres.
type PgSource struct {
	db rowQuerier
}

func NewPgSource(db rowQuerier) *PgSource {
	return &PgSource{db: db}
}

func (s *PgSource) ActiveProducts(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, activeProductsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
