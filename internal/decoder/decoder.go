package decoder

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"transferWatch/internal/units"
)

const wordSize = 32

// Kind classifies the outcome of decoding one log.
type Kind int

const (
	// KindNone means no token address could be derived from the log.
	KindNone Kind = iota
	// KindTransfer means both token address and amount were decoded.
	KindTransfer
	// KindMalformed means a token address was found but the amount could not be decoded.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransfer:
		return "transfer"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Heuristic names the rule that produced the token address.
type Heuristic string

const (
	ViaTransferEvent Heuristic = "transfer_event"
	ViaIndexedTopic  Heuristic = "indexed_topic"
)

// Transfer is a normalized (token, amount) pair.
type Transfer struct {
	Token  common.Address
	Raw    *big.Int
	Amount decimal.Decimal
	Via    Heuristic
}

// Result is the outcome of decoding a single log.
type Result struct {
	Kind     Kind
	Transfer Transfer
	Reason   string
}

// OK reports whether the log decoded to a transfer.
func (r Result) OK() bool {
	return r.Kind == KindTransfer
}

// Decoder turns receipt logs into transfers.
//
// A log whose topic0 is the ERC-20 Transfer signature takes its token from the
// emitting contract. Any other log with at least three topics takes the low 20
// bytes of topic2 as the token address. That second rule can yield addresses
// unrelated to any token; the threshold check downstream bounds the cost.
//
// The amount is the whole data blob read as a big-endian unsigned integer and
// scaled by units.Decimals regardless of the token's own decimals.
type Decoder struct {
	transferSig common.Hash
}

// New builds a Decoder.
func New() (*Decoder, error) {
	parsed, err := ERC20ABI()
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	event, ok := parsed.Events["Transfer"]
	if !ok {
		return nil, fmt.Errorf("erc20 abi has no Transfer event")
	}
	return &Decoder{transferSig: event.ID}, nil
}

// TransferSignature returns topic0 of the ERC-20 Transfer event.
func (d *Decoder) TransferSignature() common.Hash {
	return d.transferSig
}

// Decode decodes one log. It never panics on malformed input.
func (d *Decoder) Decode(log types.Log) Result {
	token, via, ok := d.tokenAddress(log)
	if !ok {
		return Result{Kind: KindNone, Reason: "no token address"}
	}

	if len(log.Data) < wordSize {
		return Result{
			Kind:     KindMalformed,
			Transfer: Transfer{Token: token, Via: via},
			Reason:   fmt.Sprintf("data length %d < %d", len(log.Data), wordSize),
		}
	}

	raw := new(big.Int).SetBytes(log.Data)
	return Result{
		Kind: KindTransfer,
		Transfer: Transfer{
			Token:  token,
			Raw:    raw,
			Amount: units.ToDisplay(raw),
			Via:    via,
		},
	}
}

func (d *Decoder) tokenAddress(log types.Log) (common.Address, Heuristic, bool) {
	if len(log.Topics) == 0 {
		return common.Address{}, "", false
	}
	if log.Topics[0] == d.transferSig {
		return log.Address, ViaTransferEvent, true
	}
	if len(log.Topics) >= 3 {
		return common.BytesToAddress(log.Topics[2].Bytes()), ViaIndexedTopic, true
	}
	return common.Address{}, "", false
}
