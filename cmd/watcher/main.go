package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"transferWatch/internal/chain"
	"transferWatch/internal/config"
	"transferWatch/internal/decoder"
	"transferWatch/internal/filter"
	"transferWatch/internal/metrics"
	"transferWatch/internal/notify"
	"transferWatch/internal/storage"
	"transferWatch/internal/storage/postgres"
	"transferWatch/internal/subscription"
	"transferWatch/internal/watcher"
)

func main() {
	root := &cobra.Command{
		Use:          "watcher",
		Short:        "Watch a sender's transactions to a bot address and report token transfers",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("env-file", ".env", "dotenv file loaded before configuration")
	root.PersistentFlags().String("rpc-url", "", "HTTP JSON-RPC endpoint")
	root.PersistentFlags().String("infura-project-id", "", "Infura project id used to derive endpoints")
	root.PersistentFlags().String("sender", config.DefaultSender, "watched sender address")
	root.PersistentFlags().String("recipient", config.DefaultRecipient, "bot address")
	root.PersistentFlags().String("min-amount", "0.01", "minimum amount in display units")
	root.PersistentFlags().Float64("rpc-rps", 10, "chain calls per second")
	root.PersistentFlags().Int("rpc-burst", 5, "chain call burst")
	root.PersistentFlags().Bool("token-symbols", false, "look up ERC-20 symbols")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-file", "", "optional rotated log file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Subscribe to new blocks and notify on matching transfers",
		RunE:  runWatcher,
	}

	runCmd.Flags().String("ws-url", "", "websocket endpoint for eth_subscribe")
	runCmd.Flags().String("telegram-token", "", "Telegram bot token")
	runCmd.Flags().String("telegram-chat-id", "", "Telegram chat id")
	runCmd.Flags().String("webhook-url", "", "JSON webhook URL")
	runCmd.Flags().Duration("notify-timeout", 10*time.Second, "notification request timeout")
	runCmd.Flags().Duration("keepalive-interval", 30*time.Second, "websocket ping interval")
	runCmd.Flags().Duration("retry-delay", 5*time.Second, "delay after a failed connect")
	runCmd.Flags().Duration("subscribe-timeout", 10*time.Second, "dial and subscribe ack timeout")
	runCmd.Flags().Int("fetch-retries", 2, "retries for block and receipt fetches")
	runCmd.Flags().Duration("fetch-backoff", 500*time.Millisecond, "initial fetch retry backoff")
	runCmd.Flags().String("metrics-addr", "", "Prometheus listen address (empty disables)")
	runCmd.Flags().String("journal-path", "", "JSONL alert journal (empty disables)")
	runCmd.Flags().String("pg-dsn", "", "Postgres alert journal DSN (empty disables)")
	runCmd.Flags().Bool("check", false, "validate configuration and exit")

	root.AddCommand(runCmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show how one transaction would be filtered and decoded",
		RunE:  runInspect,
	}

	inspectCmd.Flags().String("tx", "", "transaction hash")

	root.AddCommand(inspectCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return config.Config{}, err
	}
	cfgFile, _ := cmd.Flags().GetString("config")
	return config.Load(cfgFile, cmd.Flags())
}

func buildRule(cfg config.Config) (filter.Rule, error) {
	sender, err := cfg.SenderAddress()
	if err != nil {
		return filter.Rule{}, err
	}
	recipient, err := cfg.RecipientAddress()
	if err != nil {
		return filter.Rule{}, err
	}
	min, err := cfg.Minimum()
	if err != nil {
		return filter.Rule{}, err
	}
	return filter.Rule{Sender: sender, Recipient: recipient, Min: min}, nil
}

func buildNotifier(cfg config.Config, logger *zap.Logger) *notify.Multi {
	var channels []notify.Notifier
	if cfg.TelegramEnabled() {
		channels = append(channels, notify.NewTelegram(cfg.TelegramAPIURL, cfg.TelegramToken, cfg.TelegramChatID, cfg.NotifyTimeout))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, notify.NewWebhook(cfg.WebhookURL, cfg.NotifyTimeout))
	}
	return notify.NewMulti(logger, channels...)
}

type chainIDGetter interface {
	GetChainID(ctx context.Context) (*big.Int, error)
}

// chainIDLabel returns the chain id for the startup log, or "" when the node
// cannot be reached yet. The subscription loop owns reconnecting.
func chainIDLabel(ctx context.Context, client chainIDGetter, logger *zap.Logger) string {
	id, err := client.GetChainID(ctx)
	if err != nil {
		logger.Warn("chain id lookup failed", zap.Error(err))
		return ""
	}
	return id.String()
}

func runWatcher(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if check, _ := cmd.Flags().GetBool("check"); check {
		logger.Info("config ok")
		return nil
	}

	rule, err := buildRule(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL, chain.Options{RPS: cfg.RPCRPS, Burst: cfg.RPCBurst})
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	chainID := chainIDLabel(ctx, chainClient, logger)

	dec, err := decoder.New()
	if err != nil {
		return err
	}

	notifier := buildNotifier(cfg, logger)
	defer notifier.Close()

	var journal storage.Journal = storage.Nop{}
	switch {
	case cfg.PGDSN != "":
		store, err := postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("open alert journal: %w", err)
		}
		defer store.Close()
		journal = store
	case cfg.JournalPath != "":
		journal = storage.NewJsonlJournal(cfg.JournalPath)
	}

	var symbols watcher.SymbolLookup
	if cfg.TokenSymbols {
		symbols = decoder.NewSymbolResolver(chainClient, logger)
	}

	handler, err := watcher.NewHandler(watcher.Config{
		Chain:         chainClient,
		Decoder:       dec,
		Notifier:      notifier,
		Rule:          rule,
		Journal:       journal,
		Symbols:       symbols,
		FetchRetries:  cfg.FetchRetries,
		FetchBackoff:  cfg.FetchBackoff,
		NotifyTimeout: cfg.NotifyTimeout,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	manager := subscription.NewManager(subscription.Config{
		URL:               cfg.WSURL,
		KeepAliveInterval: cfg.KeepAliveInterval,
		RetryDelay:        cfg.RetryDelay,
		SubscribeTimeout:  cfg.SubscribeTimeout,
	}, subscription.WebsocketDialer(cfg.SubscribeTimeout), handler, logger)

	logger.Info("watcher start",
		zap.String("chain_id", chainID),
		zap.String("sender", rule.Sender.Hex()),
		zap.String("recipient", rule.Recipient.Hex()),
		zap.String("min_amount", rule.Min.String()),
		zap.Int("notifiers", notifier.Len()),
		zap.Bool("token_symbols", cfg.TokenSymbols),
		zap.Duration("keepalive", cfg.KeepAliveInterval),
		zap.Duration("retry_delay", cfg.RetryDelay),
	)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.MetricsAddr, logger)
		})
	}
	g.Go(func() error {
		return manager.Run(gctx)
	})

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("watcher stopped")
		return nil
	}
	return err
}
