package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"transferWatch/internal/model"
)

// Schema creates the alert journal table when missing.
const Schema = `
CREATE TABLE IF NOT EXISTS transfer_alerts (
	id           BIGSERIAL PRIMARY KEY,
	block_hash   TEXT        NOT NULL,
	block_number BIGINT      NOT NULL,
	tx_hash      TEXT        NOT NULL,
	log_index    BIGINT      NOT NULL,
	sender       TEXT        NOT NULL,
	token        TEXT        NOT NULL,
	symbol       TEXT        NOT NULL DEFAULT '',
	raw_amount   NUMERIC     NOT NULL,
	amount       NUMERIC     NOT NULL,
	notified     BOOLEAN     NOT NULL,
	detected_at  TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store journals alerts into Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pg pool: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure transfer_alerts: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// PutAlerts inserts alert records in one batch.
func (s *Store) PutAlerts(ctx context.Context, alerts []model.AlertRecord) error {
	if len(alerts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range alerts {
		batch.Queue(`
			INSERT INTO transfer_alerts (
				block_hash, block_number, tx_hash, log_index, sender, token, symbol,
				raw_amount, amount, notified, detected_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10, $11::timestamptz)
		`,
			a.BlockHash,
			int64(a.BlockNumber),
			a.TxHash,
			int64(a.LogIndex),
			a.Sender,
			a.Token,
			a.Symbol,
			a.RawAmount,
			a.Amount,
			a.Notified,
			a.DetectedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range alerts {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert transfer alert: %w", err)
		}
	}
	return nil
}
