package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pvzzle/tipledger/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// RewardChannel is the NOTIFY channel fed by the rewards update trigger.
const RewardChannel = "reward_changes"

type Postgres struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Postgres)(nil)

func New(pool *pgxpool.Pool) *Postgres { return &Postgres{pool: pool} }

func (r *Postgres) EnsureSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS ledger_entries (
  id TEXT PRIMARY KEY,

  from_address TEXT NOT NULL,
  to_address   TEXT NOT NULL,
  from_user_id TEXT NOT NULL,
  to_user_id   TEXT NULL,

  amount     NUMERIC(78,18) NOT NULL,
  token_type TEXT NOT NULL,

  tx_hash TEXT NOT NULL, -- 0x... or 'failed' when rejected before broadcast
  status  TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed')),

  context_id    TEXT NOT NULL DEFAULT '',
  error_message TEXT NULL,

  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS ledger_entries_tx_hash_uidx
  ON ledger_entries(tx_hash) WHERE tx_hash <> 'failed';
CREATE INDEX IF NOT EXISTS ledger_entries_from_user_idx ON ledger_entries(from_user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS ledger_entries_to_user_idx ON ledger_entries(to_user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS rewards (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  amount NUMERIC(78,18) NOT NULL,
  token_symbol TEXT NOT NULL DEFAULT 'CAMLY',
  approved BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- change feeds need the full old row to see the approved edge
ALTER TABLE rewards REPLICA IDENTITY FULL;

CREATE OR REPLACE FUNCTION notify_reward_change() RETURNS trigger AS $$
BEGIN
  PERFORM pg_notify('` + RewardChannel + `',
    json_build_object('old', row_to_json(OLD), 'new', row_to_json(NEW))::text);
  RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS rewards_notify ON rewards;
CREATE TRIGGER rewards_notify AFTER INSERT OR UPDATE ON rewards
  FOR EACH ROW EXECUTE FUNCTION notify_reward_change();
`
	_, err := r.pool.Exec(ctx, ddl)
	return err
}

const entryColumns = `
  id, from_address, to_address, from_user_id, to_user_id,
  amount::text, token_type, tx_hash, status, context_id, error_message,
  created_at, updated_at`

func (r *Postgres) UpsertEntry(ctx context.Context, e storage.LedgerEntry) (storage.LedgerEntry, error) {
	if err := e.Validate(); err != nil {
		return storage.LedgerEntry{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var toUser, errMsg any
	if e.ToUserID != nil {
		toUser = *e.ToUserID
	}
	if e.Error != nil {
		errMsg = *e.Error
	}

	insert := `
INSERT INTO ledger_entries(
  id, from_address, to_address, from_user_id, to_user_id,
  amount, token_type, tx_hash, status, context_id, error_message
) VALUES (
  $1, $2, $3, $4, $5,
  $6::numeric, $7, $8, $9, $10, $11
)
`
	var q string
	if e.HasRealHash() {
		q = insert + `
ON CONFLICT (tx_hash) WHERE tx_hash <> 'failed' DO UPDATE SET
  status        = EXCLUDED.status,
  error_message = EXCLUDED.error_message,
  updated_at    = now()
WHERE ledger_entries.status = 'pending' AND EXCLUDED.status <> 'pending'
RETURNING` + entryColumns
	} else {
		q = insert + `
ON CONFLICT (id) DO NOTHING
RETURNING` + entryColumns
	}

	row := r.pool.QueryRow(cctx, q,
		e.ID, e.FromAddress, e.ToAddress, e.FromUserID, toUser,
		e.Amount.String(), e.TokenType, e.TxHash, string(e.Status), e.ContextID, errMsg,
	)
	got, err := scanEntry(row)
	switch {
	case err == nil:
		return got, nil
	case errors.Is(err, pgx.ErrNoRows):
		// conflict with a row that must stay as it is
		return r.existing(cctx, e)
	case isUniqueViolation(err):
		return storage.LedgerEntry{}, fmt.Errorf("%w: id %s", storage.ErrConflict, e.ID)
	default:
		return storage.LedgerEntry{}, err
	}
}

func (r *Postgres) existing(ctx context.Context, e storage.LedgerEntry) (storage.LedgerEntry, error) {
	var row pgx.Row
	if e.HasRealHash() {
		row = r.pool.QueryRow(ctx, `SELECT`+entryColumns+` FROM ledger_entries WHERE tx_hash = $1`, e.TxHash)
	} else {
		row = r.pool.QueryRow(ctx, `SELECT`+entryColumns+` FROM ledger_entries WHERE id = $1`, e.ID)
	}
	got, err := scanEntry(row)
	if err != nil {
		return storage.LedgerEntry{}, err
	}
	if got.TxHash != e.TxHash {
		return storage.LedgerEntry{}, fmt.Errorf("%w: id %s", storage.ErrConflict, e.ID)
	}
	return got, nil
}

func (r *Postgres) ListByUser(ctx context.Context, userID string, limit int) ([]storage.LedgerEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	q := `SELECT` + entryColumns + `
FROM ledger_entries
WHERE from_user_id = $1 OR to_user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
`
	rows, err := r.pool.Query(cctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return out, nil
}

func scanEntry(row pgx.Row) (storage.LedgerEntry, error) {
	var (
		e      storage.LedgerEntry
		amount string
		status string
	)
	err := row.Scan(
		&e.ID, &e.FromAddress, &e.ToAddress, &e.FromUserID, &e.ToUserID,
		&amount, &e.TokenType, &e.TxHash, &status, &e.ContextID, &e.Error,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return storage.LedgerEntry{}, err
	}

	e.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return storage.LedgerEntry{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	e.Status = storage.LedgerStatus(status)
	return e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *Postgres) String() string { return fmt.Sprintf("pgrepo(%p)", r.pool) }
