// Package ledger turns transfer outcomes into ledger rows: one row per
// attempt, pending until the chain settles it, never touched afterwards.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pvzzle/tipledger/internal/storage"
	"github.com/pvzzle/tipledger/internal/transfer"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// PersistenceError reports that the store did not accept a write. It is kept
// apart from transfer errors: the chain outcome it accompanies is still valid.
type PersistenceError struct {
	Op        string
	AttemptID string
	TxHash    string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger %s (attempt %s, tx %s): %v", e.Op, e.AttemptID, e.TxHash, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the same write can succeed.
func (e *PersistenceError) Retryable() bool {
	return !errors.Is(e.Err, storage.ErrInvalidInput) && !errors.Is(e.Err, storage.ErrConflict)
}

type Recorder struct {
	repo storage.Repository
	log  *zap.Logger
}

func NewRecorder(repo storage.Repository, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{repo: repo, log: log.Named("ledger")}
}

// MarkPending writes the pending row for a broadcast transaction.
func (r *Recorder) MarkPending(ctx context.Context, req transfer.Request, hash common.Hash) (storage.LedgerEntry, error) {
	e := baseEntry(req)
	e.TxHash = hash.Hex()
	e.Status = storage.StatusPending
	return r.write(ctx, "mark pending", e)
}

// RecordAttempt finalises the attempt. It is safe to call repeatedly with the
// same arguments; it never produces a second row.
//
// An abandoned confirmation wait leaves the row pending: the transaction may
// still be mined.
func (r *Recorder) RecordAttempt(ctx context.Context, req transfer.Request, out transfer.Outcome, execErr error) (storage.LedgerEntry, error) {
	e := baseEntry(req)
	e.TxHash = txHashOf(out, execErr)

	switch {
	case execErr == nil && out.Confirmed:
		e.Status = storage.StatusCompleted
	case errors.Is(execErr, transfer.ErrWaitAbandoned) && e.TxHash != storage.FailedTxHash:
		e.Status = storage.StatusPending
	default:
		e.Status = storage.StatusFailed
		msg := "transfer not confirmed"
		if execErr != nil {
			msg = execErr.Error()
		}
		e.Error = &msg
	}

	return r.write(ctx, "record attempt", e)
}

// History lists entries the user sent or received, newest first.
func (r *Recorder) History(ctx context.Context, userID string, limit int) ([]storage.LedgerEntry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("history: %w", storage.ErrInvalidInput)
	}
	out, err := r.repo.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "history", Err: err}
	}
	return out, nil
}

func (r *Recorder) write(ctx context.Context, op string, e storage.LedgerEntry) (storage.LedgerEntry, error) {
	saved, err := r.repo.UpsertEntry(ctx, e)
	if err != nil {
		r.log.Error("ledger write failed",
			zap.String("op", op),
			zap.String("attempt_id", e.ID),
			zap.String("tx_hash", e.TxHash),
			zap.String("status", string(e.Status)),
			zap.Error(err),
		)
		return storage.LedgerEntry{}, &PersistenceError{Op: op, AttemptID: e.ID, TxHash: e.TxHash, Err: err}
	}
	return saved, nil
}

func baseEntry(req transfer.Request) storage.LedgerEntry {
	e := storage.LedgerEntry{
		ID:          req.AttemptID,
		FromAddress: req.FromAddress,
		ToAddress:   req.ToAddress,
		FromUserID:  req.RequestedBy,
		Amount:      req.Amount,
		TokenType:   strings.ToUpper(req.TokenSymbol),
		ContextID:   req.ContextID,
	}
	if req.RecipientUserID != "" {
		to := req.RecipientUserID
		e.ToUserID = &to
	}
	return e
}

func txHashOf(out transfer.Outcome, execErr error) string {
	if out.Broadcast() {
		return out.TxHash.Hex()
	}
	var te *transfer.Error
	if errors.As(execErr, &te) && te.TxHash != (common.Hash{}) {
		return te.TxHash.Hex()
	}
	return storage.FailedTxHash
}
