package filter

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"transferWatch/internal/model"
	"transferWatch/internal/units"
)

// Rule selects transactions sent by Sender to Recipient whose value is at
// least Min display units. Address comparison is on the 20-byte value, so the
// hex case of the configured addresses does not matter.
type Rule struct {
	Sender    common.Address
	Recipient common.Address
	Min       decimal.Decimal
}

// Match reports whether tx satisfies the rule. Contract creations never match.
func (r Rule) Match(tx model.Transaction) bool {
	if tx.From != r.Sender {
		return false
	}
	if tx.To == nil || *tx.To != r.Recipient {
		return false
	}
	return units.AtLeast(tx.Value, r.Min)
}

// Select returns the matching transactions in their original order.
func (r Rule) Select(txs []model.Transaction) []model.Transaction {
	var out []model.Transaction
	for _, tx := range txs {
		if r.Match(tx) {
			out = append(out, tx)
		}
	}
	return out
}
