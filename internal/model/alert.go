package model

// AlertRecord is the journal representation of a transfer that met the threshold.
type AlertRecord struct {
	BlockHash   string `json:"block_hash"`
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"tx_hash"`
	LogIndex    uint64 `json:"log_index"`
	Sender      string `json:"sender"`
	Token       string `json:"token"`
	Symbol      string `json:"symbol,omitempty"`
	RawAmount   string `json:"raw_amount"`
	Amount      string `json:"amount"`
	Notified    bool   `json:"notified"`
	DetectedAt  string `json:"detected_at"`
}
