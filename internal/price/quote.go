// Package price resolves USD prices from an external feed and on-chain DEX
// quotes, falling back to static constants so a table is always available.
package price

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrSourceUnavailable wraps every recoverable source failure.
var ErrSourceUnavailable = errors.New("price source unavailable")

type Source string

const (
	SourceExternalFeed  Source = "external_feed"
	SourceOnChainDirect Source = "onchain_direct"
	SourceOnChainRouted Source = "onchain_routed"
	SourceFallback      Source = "fallback"
)

type Quote struct {
	Symbol    string
	USD       decimal.Decimal
	Source    Source
	FetchedAt time.Time
}

// Live reports whether the quote came from a real source.
func (q Quote) Live() bool { return q.Source != SourceFallback }

// Table is an immutable snapshot of quotes. It is only ever replaced as a whole.
type Table struct {
	quotes  map[string]Quote
	builtAt time.Time
}

func newTable(quotes map[string]Quote, at time.Time) *Table {
	t := &Table{quotes: make(map[string]Quote, len(quotes)), builtAt: at}
	for sym, q := range quotes {
		if q.USD.Sign() <= 0 {
			continue
		}
		t.quotes[normSymbol(sym)] = q
	}
	return t
}

func (t *Table) Get(symbol string) (Quote, bool) {
	if t == nil {
		return Quote{}, false
	}
	q, ok := t.quotes[normSymbol(symbol)]
	return q, ok
}

// Snapshot returns a copy that the caller may modify.
func (t *Table) Snapshot() map[string]Quote {
	out := make(map[string]Quote)
	if t == nil {
		return out
	}
	for k, v := range t.quotes {
		out[k] = v
	}
	return out
}

func (t *Table) Symbols() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.quotes))
	for k := range t.quotes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.quotes)
}

func (t *Table) BuiltAt() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.builtAt
}

// ValueUSD prices amount of symbol; ok is false when the symbol is unknown.
func (t *Table) ValueUSD(symbol string, amount decimal.Decimal) (decimal.Decimal, bool) {
	q, ok := t.Get(symbol)
	if !ok {
		return decimal.Zero, false
	}
	return q.USD.Mul(amount), true
}

func normSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
