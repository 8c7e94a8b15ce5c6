package watcher

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Alert is the content of one operator notification.
type Alert struct {
	Sender common.Address
	Token  common.Address
	Symbol string
	Amount decimal.Decimal
	TxHash common.Hash
}

// FormatMessage renders an alert as plain text. The unit label is always ETH
// because every amount is scaled with the same 18-decimal constant.
func FormatMessage(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Transaction detected from %s:\n", a.Sender.Hex())
	fmt.Fprintf(&b, "Token address - %s\n", a.Token.Hex())
	if a.Symbol != "" {
		fmt.Fprintf(&b, "Token symbol - %s\n", a.Symbol)
	}
	fmt.Fprintf(&b, "Amount - %s ETH", a.Amount.String())
	if a.TxHash != (common.Hash{}) {
		fmt.Fprintf(&b, "\nTx - %s", a.TxHash.Hex())
	}
	return b.String()
}
