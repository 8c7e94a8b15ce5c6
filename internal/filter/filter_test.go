package filter

import (
	"math/big"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"transferWatch/internal/model"
)

var (
	sender    = common.HexToAddress("0x711481A95508Cf21d3f5F94d95aD8145076cbFff")
	recipient = common.HexToAddress("0x3328F7f4A1D1C57c35df56bBf0c9dCAFCA309C49")
	stranger  = common.HexToAddress("0x9999999999999999999999999999999999999999")
)

func wei(v string) *big.Int {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		panic("bad wei " + v)
	}
	return n
}

func ptr(a common.Address) *common.Address {
	return &a
}

func testRule() Rule {
	return Rule{Sender: sender, Recipient: recipient, Min: decimal.RequireFromString("0.01")}
}

func TestMatch(t *testing.T) {
	rule := testRule()
	cases := []struct {
		name string
		tx   model.Transaction
		want bool
	}{
		{"exact minimum", model.Transaction{From: sender, To: ptr(recipient), Value: wei("10000000000000000")}, true},
		{"above minimum", model.Transaction{From: sender, To: ptr(recipient), Value: wei("2000000000000000000")}, true},
		{"one wei below", model.Transaction{From: sender, To: ptr(recipient), Value: wei("9999999999999999")}, false},
		{"wrong sender", model.Transaction{From: stranger, To: ptr(recipient), Value: wei("10000000000000000")}, false},
		{"wrong recipient", model.Transaction{From: sender, To: ptr(stranger), Value: wei("10000000000000000")}, false},
		{"contract creation", model.Transaction{From: sender, To: nil, Value: wei("10000000000000000")}, false},
		{"nil value", model.Transaction{From: sender, To: ptr(recipient)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := rule.Match(tc.tx); got != tc.want {
				t.Fatalf("match = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMatchIgnoresHexCase(t *testing.T) {
	rule := Rule{
		Sender:    common.HexToAddress("0x711481a95508cf21d3f5f94d95ad8145076cbfff"),
		Recipient: common.HexToAddress("0X3328F7F4A1D1C57C35DF56BBF0C9DCAFCA309C49"),
		Min:       decimal.Zero,
	}
	tx := model.Transaction{From: sender, To: ptr(recipient), Value: big.NewInt(0)}
	if !rule.Match(tx) {
		t.Fatalf("expected case-insensitive match")
	}
}

func TestSelectKeepsOrder(t *testing.T) {
	rule := testRule()
	txs := []model.Transaction{
		{Hash: common.HexToHash("0x01"), From: sender, To: ptr(recipient), Value: wei("20000000000000000")},
		{Hash: common.HexToHash("0x02"), From: stranger, To: ptr(recipient), Value: wei("20000000000000000")},
		{Hash: common.HexToHash("0x03"), From: sender, To: ptr(recipient), Value: wei("1")},
		{Hash: common.HexToHash("0x04"), From: sender, To: ptr(recipient), Value: wei("10000000000000000")},
	}

	got := rule.Select(txs)
	want := []model.Transaction{txs[0], txs[3]}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("select mismatch: %+v", got)
	}
}

func TestSelectEmpty(t *testing.T) {
	if got := testRule().Select(nil); len(got) != 0 {
		t.Fatalf("expected no transactions, got %d", len(got))
	}
}
