// Package changefeed streams row-level changes of reward rows for one user.
package changefeed

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

type RewardRow struct {
	ID          string
	UserID      string
	Amount      decimal.Decimal
	TokenSymbol string
	Approved    bool
}

// Change is one delivered row event. Old is nil when the feed did not carry a
// usable prior snapshot (inserts, or a table without full replica identity).
type Change struct {
	Type string // INSERT, UPDATE
	Old  *RewardRow
	New  RewardRow
}

// Feed opens one subscription session. The channel closes when the session
// ends, whether by ctx, by the server or by a transport error.
type Feed interface {
	Name() string
	Subscribe(ctx context.Context) (<-chan Change, error)
}

// parseRow reads a reward row object. ok is false when the object does not
// carry an id and an approved flag.
func parseRow(r gjson.Result) (RewardRow, bool) {
	if !r.IsObject() {
		return RewardRow{}, false
	}
	id, approved := r.Get("id"), r.Get("approved")
	if !id.Exists() || !approved.Exists() {
		return RewardRow{}, false
	}

	row := RewardRow{
		ID:          id.String(),
		UserID:      r.Get("user_id").String(),
		TokenSymbol: strings.ToUpper(r.Get("token_symbol").String()),
		Approved:    approved.Bool(),
	}
	if amt := r.Get("amount"); amt.Exists() {
		if d, err := decimal.NewFromString(amt.String()); err == nil {
			row.Amount = d
		}
	}
	if row.TokenSymbol == "" {
		row.TokenSymbol = "CAMLY"
	}
	return row, true
}

// parseChange builds a Change from the new and old record objects.
func parseChange(typ string, newRec, oldRec gjson.Result) (Change, bool) {
	row, ok := parseRow(newRec)
	if !ok {
		return Change{}, false
	}
	c := Change{Type: strings.ToUpper(typ), New: row}
	if old, ok := parseRow(oldRec); ok && old.ID == row.ID {
		c.Old = &old
	}
	return c, true
}
