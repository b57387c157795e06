package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres holds the durable key archive and the admission audit trail.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
