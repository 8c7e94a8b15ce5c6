package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// Subscription
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watcher",
		Subsystem: "subscription",
		Name:      "sessions_active",
		Help:      "Websocket sessions currently subscribed",
	})

	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watcher",
		Subsystem: "subscription",
		Name:      "reconnects_total",
		Help:      "Session restarts by reason",
	}, []string{"reason"})

	HeadsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watcher",
		Subsystem: "subscription",
		Name:      "heads_received_total",
		Help:      "newHeads notifications dispatched to the block handler",
	})

	FramesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watcher",
		Subsystem: "subscription",
		Name:      "frames_skipped_total",
		Help:      "Websocket frames that were not newHeads notifications",
	})

	// Block handler
	BlocksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watcher",
		Subsystem: "handler",
		Name:      "blocks_failed_total",
		Help:      "Blocks skipped after fetch retries were exhausted",
	})

	Candidates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watcher",
		Subsystem: "handler",
		Name:      "candidates_total",
		Help:      "Transactions selected by the filter",
	})

	ReceiptsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watcher",
		Subsystem: "handler",
		Name:      "receipts_failed_total",
		Help:      "Candidate transactions skipped because the receipt could not be fetched",
	})

	DecodeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watcher",
		Subsystem: "decoder",
		Name:      "logs_total",
		Help:      "Decoded logs by outcome",
	}, []string{"kind"})

	BlockLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "watcher",
		Subsystem: "handler",
		Name:      "block_duration_seconds",
		Help:      "Block handling duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// Notifier
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watcher",
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Notification attempts by channel and status",
	}, []string{"channel", "status"})
)

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}()

	logger.Info("metrics server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
