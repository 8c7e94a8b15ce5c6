package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"transferWatch/internal/decoder"
	"transferWatch/internal/filter"
	"transferWatch/internal/metrics"
	"transferWatch/internal/model"
	"transferWatch/internal/notify"
	"transferWatch/internal/storage"
)

// Chain is the subset of the chain client the handler needs.
type Chain interface {
	BlockByHash(ctx context.Context, hash common.Hash) (*model.Block, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// SymbolLookup resolves a display symbol for a token, or "".
type SymbolLookup interface {
	Symbol(ctx context.Context, token common.Address) string
}

type Config struct {
	Chain    Chain
	Decoder  *decoder.Decoder
	Notifier notify.Notifier
	Rule     filter.Rule

	// Optional collaborators.
	Journal storage.Journal
	Symbols SymbolLookup

	FetchRetries  int
	FetchBackoff  time.Duration
	NotifyTimeout time.Duration

	Logger *zap.Logger
}

// Decision is the outcome for one receipt log.
type Decision struct {
	LogIndex       uint
	Result         decoder.Result
	MeetsThreshold bool
}

// Handler processes one block per newHeads notification.
type Handler struct {
	chain    Chain
	decoder  *decoder.Decoder
	notifier notify.Notifier
	rule     filter.Rule
	journal  storage.Journal
	symbols  SymbolLookup
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Chain == nil {
		return nil, errors.New("chain client is required")
	}
	if cfg.Decoder == nil {
		return nil, errors.New("decoder is required")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("notifier is required")
	}
	if cfg.Journal == nil {
		cfg.Journal = storage.Nop{}
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		chain:    cfg.Chain,
		decoder:  cfg.Decoder,
		notifier: cfg.Notifier,
		rule:     cfg.Rule,
		journal:  cfg.Journal,
		symbols:  cfg.Symbols,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// HandleBlock fetches the block, inspects every matching transaction and
// notifies for each transfer at or above the minimum. Failures are logged and
// never returned, so a bad block cannot stop the subscription.
func (h *Handler) HandleBlock(ctx context.Context, hash common.Hash) {
	started := time.Now()
	defer func() {
		metrics.BlockLatency.Observe(time.Since(started).Seconds())
	}()

	block, err := h.blockWithRetry(ctx, hash)
	if err != nil {
		metrics.BlocksFailed.Inc()
		h.logger.Error("skip block", zap.String("block", hash.Hex()), zap.Error(err))
		return
	}

	candidates := h.rule.Select(block.Transactions)
	h.logger.Debug("block scanned",
		zap.String("block", block.Hash.Hex()),
		zap.Uint64("number", block.Number),
		zap.Int("txs", len(block.Transactions)),
		zap.Int("candidates", len(candidates)),
	)

	for _, tx := range candidates {
		if ctx.Err() != nil {
			return
		}
		metrics.Candidates.Inc()
		h.handleTransaction(ctx, block, tx)
	}
}

func (h *Handler) handleTransaction(ctx context.Context, block *model.Block, tx model.Transaction) {
	h.logger.Info("candidate transaction",
		zap.String("tx", tx.Hash.Hex()),
		zap.String("from", tx.From.Hex()),
		zap.Uint64("block_number", block.Number),
	)

	receipt, err := h.receiptWithRetry(ctx, tx.Hash)
	if err != nil {
		metrics.ReceiptsFailed.Inc()
		h.logger.Error("skip transaction", zap.String("tx", tx.Hash.Hex()), zap.Error(err))
		return
	}

	var alerts []model.AlertRecord
	for _, d := range Decide(h.decoder, h.rule.Min, receipt) {
		res := d.Result
		metrics.DecodeOutcomes.WithLabelValues(res.Kind.String()).Inc()

		switch res.Kind {
		case decoder.KindNone:
			h.logger.Debug("log has no token", zap.String("tx", tx.Hash.Hex()), zap.Uint("log_index", d.LogIndex))
			continue
		case decoder.KindMalformed:
			h.logger.Debug("log amount undecodable",
				zap.String("tx", tx.Hash.Hex()),
				zap.Uint("log_index", d.LogIndex),
				zap.String("token", res.Transfer.Token.Hex()),
				zap.String("reason", res.Reason),
			)
			continue
		}

		if !d.MeetsThreshold {
			h.logger.Debug("transfer below threshold",
				zap.String("tx", tx.Hash.Hex()),
				zap.String("token", res.Transfer.Token.Hex()),
				zap.String("amount", res.Transfer.Amount.String()),
			)
			continue
		}

		alerts = append(alerts, h.notify(ctx, block, tx, d))
	}

	if len(alerts) == 0 {
		return
	}
	if err := h.journal.PutAlerts(ctx, alerts); err != nil {
		h.logger.Warn("journal alerts failed", zap.String("tx", tx.Hash.Hex()), zap.Error(err))
	}
}

// Decide decodes every receipt log in order and applies the threshold.
func Decide(dec *decoder.Decoder, min decimal.Decimal, receipt *types.Receipt) []Decision {
	if receipt == nil {
		return nil
	}
	out := make([]Decision, 0, len(receipt.Logs))
	for _, lg := range receipt.Logs {
		if lg == nil {
			continue
		}
		res := dec.Decode(*lg)
		out = append(out, Decision{
			LogIndex:       lg.Index,
			Result:         res,
			MeetsThreshold: res.OK() && res.Transfer.Amount.GreaterThanOrEqual(min),
		})
	}
	return out
}

func (h *Handler) notify(ctx context.Context, block *model.Block, tx model.Transaction, d Decision) model.AlertRecord {
	transfer := d.Result.Transfer

	var symbol string
	if h.symbols != nil {
		symbol = h.symbols.Symbol(ctx, transfer.Token)
	}

	text := FormatMessage(Alert{
		Sender: tx.From,
		Token:  transfer.Token,
		Symbol: symbol,
		Amount: transfer.Amount,
		TxHash: tx.Hash,
	})

	sendCtx, cancel := context.WithTimeout(ctx, h.cfg.NotifyTimeout)
	err := h.notifier.Send(sendCtx, text)
	cancel()

	fields := []zap.Field{
		zap.String("tx", tx.Hash.Hex()),
		zap.String("token", transfer.Token.Hex()),
		zap.String("amount", transfer.Amount.String()),
		zap.String("via", string(transfer.Via)),
	}
	if err != nil {
		h.logger.Error("notify failed", append(fields, zap.Error(err))...)
	} else {
		h.logger.Info("transfer notified", fields...)
	}

	raw := "0"
	if transfer.Raw != nil {
		raw = transfer.Raw.String()
	}
	return model.AlertRecord{
		BlockHash:   block.Hash.Hex(),
		BlockNumber: block.Number,
		TxHash:      tx.Hash.Hex(),
		LogIndex:    uint64(d.LogIndex),
		Sender:      tx.From.Hex(),
		Token:       transfer.Token.Hex(),
		Symbol:      symbol,
		RawAmount:   raw,
		Amount:      transfer.Amount.String(),
		Notified:    err == nil,
		DetectedAt:  h.now().UTC().Format(time.RFC3339),
	}
}

func (h *Handler) blockWithRetry(ctx context.Context, hash common.Hash) (*model.Block, error) {
	var block *model.Block
	err := withRetry(ctx, h.cfg.FetchRetries, h.cfg.FetchBackoff, func(ctx context.Context) error {
		var err error
		block, err = h.chain.BlockByHash(ctx, hash)
		if err != nil {
			h.logger.Warn("block fetch failed", zap.Error(err), zap.String("block", hash.Hex()))
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch block: %w", err)
	}
	return block, nil
}

func (h *Handler) receiptWithRetry(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := withRetry(ctx, h.cfg.FetchRetries, h.cfg.FetchBackoff, func(ctx context.Context) error {
		var err error
		receipt, err = h.chain.TransactionReceipt(ctx, hash)
		if err != nil {
			h.logger.Warn("receipt fetch failed", zap.Error(err), zap.String("tx", hash.Hex()))
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	return receipt, nil
}
