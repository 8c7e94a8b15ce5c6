package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Block is a fetched block with its full transaction bodies.
type Block struct {
	Hash         common.Hash
	Number       uint64
	Transactions []Transaction
}

// Transaction carries the fields needed to match a transfer to the bot.
// To is nil for contract-creation transactions.
type Transaction struct {
	Hash  common.Hash
	From  common.Address
	To    *common.Address
	Value *big.Int
}
