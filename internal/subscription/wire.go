package subscription

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrNoSubscriptionID is returned when the subscribe ack carries no result.
var ErrNoSubscriptionID = errors.New("subscribe ack has no subscription id")

const subscribeRequestID = 1

type request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type subscribeAck struct {
	ID     int       `json:"id"`
	Result string    `json:"result"`
	Error  *rpcError `json:"error,omitempty"`
}

type headNotification struct {
	Method string `json:"method"`
	Params struct {
		Subscription string `json:"subscription"`
		Result       struct {
			Hash   string `json:"hash"`
			Number string `json:"number"`
		} `json:"result"`
	} `json:"params"`
}

func newHeadsRequest() ([]byte, error) {
	payload, err := sonic.Marshal(request{
		JSONRPC: "2.0",
		ID:      subscribeRequestID,
		Method:  "eth_subscribe",
		Params:  []interface{}{"newHeads"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal subscribe request: %w", err)
	}
	return payload, nil
}

// parseAck returns the subscription id from an eth_subscribe response.
func parseAck(data []byte) (string, error) {
	var ack subscribeAck
	if err := sonic.Unmarshal(data, &ack); err != nil {
		return "", fmt.Errorf("decode subscribe ack: %w", err)
	}
	if ack.Error != nil {
		return "", fmt.Errorf("subscribe rejected: %d %s", ack.Error.Code, ack.Error.Message)
	}
	if ack.Result == "" {
		return "", ErrNoSubscriptionID
	}
	return ack.Result, nil
}

// parseHead extracts the block hash from a newHeads notification. Frames for
// another subscription id are rejected when subID is set.
func parseHead(data []byte, subID string) (common.Hash, error) {
	var note headNotification
	if err := sonic.Unmarshal(data, &note); err != nil {
		return common.Hash{}, fmt.Errorf("decode notification: %w", err)
	}
	if note.Method != "eth_subscription" {
		return common.Hash{}, fmt.Errorf("unexpected method %q", note.Method)
	}
	if subID != "" && note.Params.Subscription != subID {
		return common.Hash{}, fmt.Errorf("unknown subscription %q", note.Params.Subscription)
	}
	raw, err := hexutil.Decode(note.Params.Result.Hash)
	if err != nil {
		return common.Hash{}, fmt.Errorf("decode block hash: %w", err)
	}
	if len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("block hash has %d bytes", len(raw))
	}
	return common.BytesToHash(raw), nil
}
