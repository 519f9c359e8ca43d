package transfer

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Request is one transfer attempt. It is treated as immutable once handed to
// the Executor.
type Request struct {
	AttemptID string

	FromAddress string
	ToAddress   string
	Amount      decimal.Decimal

	TokenSymbol  string
	TokenAddress string // contract address, ignored when Native
	Native       bool
	Decimals     uint8

	ContextID       string // e.g. the video being tipped
	RequestedBy     string // user id of the sender
	RecipientUserID string // optional
}

type Outcome struct {
	TxHash      common.Hash
	Confirmed   bool
	BlockNumber uint64
	GasUsed     uint64
}

// Broadcast reports whether a transaction was ever sent.
func (o Outcome) Broadcast() bool {
	return o.TxHash != (common.Hash{})
}
