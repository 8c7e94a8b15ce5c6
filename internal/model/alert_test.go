package model

import (
	"encoding/json"
	"testing"
)

func TestAlertRecordJSONStringAmounts(t *testing.T) {
	record := AlertRecord{
		BlockHash:   "0xabc",
		BlockNumber: 19000000,
		TxHash:      "0xdef",
		LogIndex:    3,
		Sender:      "0x711481A95508Cf21d3f5F94d95aD8145076cbFff",
		Token:       "0x1111111111111111111111111111111111111111",
		RawAmount:   "20000000000000000",
		Amount:      "0.02",
		Notified:    true,
		DetectedAt:  "2024-01-01T00:00:00Z",
	}

	data, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if _, ok := decoded["raw_amount"].(string); !ok {
		t.Fatalf("raw_amount should be string")
	}
	if _, ok := decoded["amount"].(string); !ok {
		t.Fatalf("amount should be string")
	}
	if _, ok := decoded["symbol"]; ok {
		t.Fatalf("empty symbol should be omitted")
	}
}
