package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"transferWatch/internal/metrics"
)

// Notifier delivers a plain-text message to an operator channel.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Multi fans a message out to every configured channel.
type Multi struct {
	notifiers []Notifier
	logger    *zap.Logger
}

func NewMulti(logger *zap.Logger, notifiers ...Notifier) *Multi {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multi{notifiers: notifiers, logger: logger}
}

// Len returns the number of configured channels.
func (m *Multi) Len() int {
	return len(m.notifiers)
}

// Send tries every channel once and returns the first failure.
func (m *Multi) Send(ctx context.Context, text string) error {
	if len(m.notifiers) == 0 {
		return errors.New("no notifier configured")
	}

	var firstErr error
	for _, n := range m.notifiers {
		name := channelName(n)
		if err := n.Send(ctx, text); err != nil {
			metrics.Notifications.WithLabelValues(name, "failed").Inc()
			m.logger.Warn("notification failed", zap.String("channel", name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.Notifications.WithLabelValues(name, "sent").Inc()
	}
	return firstErr
}

// Close releases the HTTP clients held by the channels.
func (m *Multi) Close() {
	for _, n := range m.notifiers {
		if c, ok := n.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				m.logger.Debug("close notifier", zap.String("channel", channelName(n)), zap.Error(err))
			}
		}
	}
}

func channelName(n Notifier) string {
	switch n.(type) {
	case *Telegram:
		return "telegram"
	case *Webhook:
		return "webhook"
	default:
		return "unknown"
	}
}
