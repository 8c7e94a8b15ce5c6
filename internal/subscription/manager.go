package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"transferWatch/internal/metrics"
)

// ErrKeepAlive marks a session ended by a failed ping.
var ErrKeepAlive = errors.New("keep-alive ping failed")

const pingWriteWait = 10 * time.Second

// BlockHandler receives block hashes in arrival order.
type BlockHandler interface {
	HandleBlock(ctx context.Context, hash common.Hash)
}

type Config struct {
	URL               string
	KeepAliveInterval time.Duration
	RetryDelay        time.Duration
	SubscribeTimeout  time.Duration
}

// Manager keeps one newHeads subscription alive and feeds block hashes to a
// BlockHandler. At most one connection is open at any time.
type Manager struct {
	cfg     Config
	dial    DialFunc
	handler BlockHandler
	logger  *zap.Logger
}

func NewManager(cfg Config, dial DialFunc, handler BlockHandler, logger *zap.Logger) *Manager {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = 10 * time.Second
	}
	if dial == nil {
		dial = WebsocketDialer(cfg.SubscribeTimeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, dial: dial, handler: handler, logger: logger}
}

// Run connects, subscribes and dispatches until ctx is cancelled. A failed
// connect or subscribe waits RetryDelay before the next attempt; a session
// that ends after subscribing is replaced immediately. It returns ctx.Err().
func (m *Manager) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, subID, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.Reconnects.WithLabelValues("connect").Inc()
			m.logger.Error("connect failed", zap.Error(err), zap.Duration("retry_in", m.cfg.RetryDelay))
			if err := sleep(ctx, m.cfg.RetryDelay); err != nil {
				return err
			}
			continue
		}

		m.logger.Info("subscribed", zap.String("subscription", subID))
		err = m.session(ctx, conn, subID)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		reason := "read"
		if errors.Is(err, ErrKeepAlive) {
			reason = "keepalive"
		}
		metrics.Reconnects.WithLabelValues(reason).Inc()
		m.logger.Warn("session ended, reconnecting", zap.String("reason", reason), zap.Error(err))
	}
}

func (m *Manager) connect(ctx context.Context) (Conn, string, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.SubscribeTimeout)
	conn, err := m.dial(dialCtx, m.cfg.URL)
	cancel()
	if err != nil {
		return nil, "", err
	}

	subID, err := m.subscribe(conn)
	if err != nil {
		conn.Close()
		return nil, "", err
	}
	return conn, subID, nil
}

func (m *Manager) subscribe(conn Conn) (string, error) {
	payload, err := newHeadsRequest()
	if err != nil {
		return "", err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return "", fmt.Errorf("send subscribe: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(m.cfg.SubscribeTimeout)); err != nil {
		return "", fmt.Errorf("set read deadline: %w", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read subscribe ack: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return "", fmt.Errorf("clear read deadline: %w", err)
	}

	return parseAck(data)
}

// session runs the read loop and keep-alive for one connection and returns
// once both have stopped and the connection is closed.
func (m *Manager) session(ctx context.Context, conn Conn, subID string) error {
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})
	g.Go(func() error {
		return m.keepAlive(gctx, conn)
	})
	g.Go(func() error {
		// Block handling uses the run context so a reconnect does not abort
		// fetches for a block that already arrived.
		return m.readLoop(ctx, conn, subID)
	})
	return g.Wait()
}

// readLoop expects a frame or a pong within twice the keep-alive interval;
// a silent peer hits the read deadline and ends the session.
func (m *Manager) readLoop(ctx context.Context, conn Conn, subID string) error {
	pongWait := 2 * m.cfg.KeepAliveInterval
	extend := func() error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	}
	conn.SetPongHandler(func(string) error {
		return extend()
	})

	for {
		if err := extend(); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		hash, err := parseHead(data, subID)
		if err != nil {
			metrics.FramesSkipped.Inc()
			m.logger.Debug("skip frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}

		metrics.HeadsReceived.Inc()
		m.logger.Debug("new head", zap.String("block", hash.Hex()))
		m.handler.HandleBlock(ctx, hash)
	}
}

func (m *Manager) keepAlive(ctx context.Context, conn Conn) error {
	ticker := time.NewTicker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteWait)); err != nil {
				m.logger.Warn("ping failed", zap.Error(err))
				return fmt.Errorf("%w: %v", ErrKeepAlive, err)
			}
			m.logger.Debug("ping sent")
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
