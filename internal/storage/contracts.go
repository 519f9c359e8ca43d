package storage

import "context"

type Repository interface {
	EnsureSchema(ctx context.Context) error

	// UpsertEntry writes one ledger row. A second call for the same real tx hash
	// updates the existing row in place while it is still pending and is a no-op
	// once it is final. Rows carrying FailedTxHash are idempotent on ID.
	// The stored row is returned.
	UpsertEntry(ctx context.Context, e LedgerEntry) (LedgerEntry, error)

	// ListByUser returns entries where the user is sender or receiver, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]LedgerEntry, error)
}
