package storage

import (
	"context"

	"transferWatch/internal/model"
)

// Journal records alerts. Records are append-only and never read back.
type Journal interface {
	PutAlerts(ctx context.Context, alerts []model.AlertRecord) error
}

// Nop discards alerts.
type Nop struct{}

func (Nop) PutAlerts(context.Context, []model.AlertRecord) error { return nil }
