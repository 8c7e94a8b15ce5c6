package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bytedance/sonic"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"transferWatch/internal/chain"
	"transferWatch/internal/decoder"
	"transferWatch/internal/filter"
	"transferWatch/internal/model"
	"transferWatch/internal/units"
	"transferWatch/internal/watcher"
)

type inspectLog struct {
	Index     uint   `json:"index"`
	Address   string `json:"address"`
	Outcome   string `json:"outcome"`
	Heuristic string `json:"heuristic,omitempty"`
	Token     string `json:"token,omitempty"`
	Symbol    string `json:"symbol,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Notify    bool   `json:"notify"`
}

type inspectReport struct {
	Tx       string       `json:"tx"`
	From     string       `json:"from"`
	To       string       `json:"to,omitempty"`
	Value    string       `json:"value"`
	Minimum  string       `json:"minimum"`
	MinWei   string       `json:"minimum_wei"`
	Selected bool         `json:"selected"`
	Logs     []inspectLog `json:"logs"`
}

func runInspect(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync()

	txFlag, _ := cmd.Flags().GetString("tx")
	raw, err := hexutil.Decode(txFlag)
	if err != nil || len(raw) != common.HashLength {
		return fmt.Errorf("invalid tx hash: %q", txFlag)
	}
	txHash := common.BytesToHash(raw)

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
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

	dec, err := decoder.New()
	if err != nil {
		return err
	}

	tx, err := chainClient.TransactionByHash(ctx, txHash)
	if err != nil {
		return fmt.Errorf("fetch transaction: %w", err)
	}
	receipt, err := chainClient.TransactionReceipt(ctx, txHash)
	if err != nil {
		return fmt.Errorf("fetch receipt: %w", err)
	}

	report := buildReport(rule, dec, *tx, receipt)
	if cfg.TokenSymbols {
		resolver := decoder.NewSymbolResolver(chainClient, logger)
		for i := range report.Logs {
			if report.Logs[i].Token != "" {
				report.Logs[i].Symbol = resolver.Symbol(ctx, common.HexToAddress(report.Logs[i].Token))
			}
		}
	}

	out, err := sonic.ConfigStd.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	logger.Debug("inspect complete", zap.String("tx", txHash.Hex()), zap.Int("logs", len(report.Logs)))
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}

// buildReport mirrors the decisions HandleBlock would take for tx without
// sending anything.
func buildReport(rule filter.Rule, dec *decoder.Decoder, tx model.Transaction, receipt *types.Receipt) inspectReport {
	report := inspectReport{
		Tx:       tx.Hash.Hex(),
		From:     tx.From.Hex(),
		Value:    units.ToDisplay(tx.Value).String(),
		Minimum:  rule.Min.String(),
		MinWei:   units.FromDisplay(rule.Min).String(),
		Selected: rule.Match(tx),
		Logs:     []inspectLog{},
	}
	if tx.To != nil {
		report.To = tx.To.Hex()
	}

	var addresses []common.Address
	if receipt != nil {
		for _, lg := range receipt.Logs {
			if lg != nil {
				addresses = append(addresses, lg.Address)
			}
		}
	}

	for i, d := range watcher.Decide(dec, rule.Min, receipt) {
		entry := inspectLog{
			Index:   d.LogIndex,
			Address: addresses[i].Hex(),
			Outcome: d.Result.Kind.String(),
			Reason:  d.Result.Reason,
			Notify:  report.Selected && d.MeetsThreshold,
		}
		if d.Result.Kind != decoder.KindNone {
			entry.Heuristic = string(d.Result.Transfer.Via)
			entry.Token = d.Result.Transfer.Token.Hex()
		}
		if d.Result.OK() {
			entry.Amount = d.Result.Transfer.Amount.String()
		}
		report.Logs = append(report.Logs, entry)
	}
	return report
}
