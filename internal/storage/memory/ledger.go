// Package memory is an in-process storage.Repository with the same conflict
// rules as the postgres store. Service tests run against it.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pvzzle/tipledger/internal/storage"
)

type Ledger struct {
	mu     sync.RWMutex
	rows   map[string]*row
	byHash map[string]string // real tx hash -> id
	seq    uint64
	now    func() time.Time
}

type row struct {
	entry storage.LedgerEntry
	seq   uint64
}

var _ storage.Repository = (*Ledger)(nil)

func NewLedger() *Ledger {
	return &Ledger{
		rows:   make(map[string]*row),
		byHash: make(map[string]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) EnsureSchema(context.Context) error { return nil }

func (l *Ledger) UpsertEntry(_ context.Context, e storage.LedgerEntry) (storage.LedgerEntry, error) {
	if err := e.Validate(); err != nil {
		return storage.LedgerEntry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if e.HasRealHash() {
		if id, ok := l.byHash[e.TxHash]; ok {
			cur := l.rows[id]
			if !cur.entry.Status.Final() && e.Status != storage.StatusPending {
				cur.entry.Status = e.Status
				cur.entry.Error = e.Error
				cur.entry.UpdatedAt = now
			}
			return cur.entry, nil
		}
	}

	if cur, ok := l.rows[e.ID]; ok {
		if cur.entry.TxHash != e.TxHash {
			return storage.LedgerEntry{}, storage.ErrConflict
		}
		return cur.entry, nil
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	l.seq++
	l.rows[e.ID] = &row{entry: e, seq: l.seq}
	if e.HasRealHash() {
		l.byHash[e.TxHash] = e.ID
	}
	return e, nil
}

func (l *Ledger) ListByUser(_ context.Context, userID string, limit int) ([]storage.LedgerEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	l.mu.RLock()
	var matched []*row
	for _, r := range l.rows {
		if r.entry.FromUserID == userID || (r.entry.ToUserID != nil && *r.entry.ToUserID == userID) {
			matched = append(matched, r)
		}
	}
	l.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.entry.CreatedAt.Equal(b.entry.CreatedAt) {
			return a.entry.CreatedAt.After(b.entry.CreatedAt)
		}
		return a.seq > b.seq
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]storage.LedgerEntry, 0, len(matched))
	for _, r := range matched {
		out = append(out, r.entry)
	}
	return out, nil
}

// Count returns the number of stored rows.
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rows)
}

// ByHash returns every row stored under the given tx hash.
func (l *Ledger) ByHash(hash string) []storage.LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []storage.LedgerEntry
	for _, r := range l.rows {
		if r.entry.TxHash == hash {
			out = append(out, r.entry)
		}
	}
	return out
}
