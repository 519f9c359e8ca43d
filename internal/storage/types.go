package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

type LedgerStatus string

const (
	StatusPending   LedgerStatus = "pending"
	StatusCompleted LedgerStatus = "completed"
	StatusFailed    LedgerStatus = "failed"
)

// FailedTxHash marks an attempt rejected before any transaction hash existed.
// It can never collide with a real hash, which is always 0x-prefixed hex.
const FailedTxHash = "failed"

// Final reports whether the status can no longer change.
func (s LedgerStatus) Final() bool {
	return s == StatusCompleted || s == StatusFailed
}

type LedgerEntry struct {
	ID          string
	FromAddress string
	ToAddress   string
	FromUserID  string
	ToUserID    *string // nil when the recipient is not a known user
	Amount      decimal.Decimal
	TokenType   string // token symbol, e.g. "CAMLY", "BNB"
	TxHash      string // real 0x hash or FailedTxHash
	Status      LedgerStatus
	ContextID   string // e.g. video id the tip belongs to
	Error       *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasRealHash reports whether the entry carries an on-chain transaction hash.
func (e LedgerEntry) HasRealHash() bool {
	return e.TxHash != "" && e.TxHash != FailedTxHash
}

// Validate checks the fields every store requires.
func (e LedgerEntry) Validate() error {
	if e.ID == "" || e.TxHash == "" || e.FromUserID == "" || e.TokenType == "" {
		return ErrInvalidInput
	}
	switch e.Status {
	case StatusPending, StatusCompleted, StatusFailed:
	default:
		return ErrInvalidInput
	}
	if e.Status == StatusPending && !e.HasRealHash() {
		return ErrInvalidInput
	}
	return nil
}
