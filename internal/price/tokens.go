package price

import (
	"sort"

	"github.com/shopspring/decimal"
)

type Token struct {
	Symbol   string
	FeedID   string // external feed asset id; empty when the feed does not list it
	Address  string // contract address; empty for the native asset
	Decimals uint8
	Native   bool
	Fallback decimal.Decimal
}

// BSC mainnet addresses.
const (
	WBNBAddress = "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c"
	USDTAddress = "0x55d398326f99059fF775485246999027B3197955"
	BTCBAddress = "0x7130d2A12B9BCbFAe4f2634d864A1Ee1Ce3Ead9c"
	ETHAddress  = "0x2170Ed0880ac9A755fd29B2688956BD959F933F8"

	PancakeRouterV2 = "0x10ED43C718714eb63d5aA57B78B54704E256024E"
)

// DefaultTokens are the tippable assets. camlyAddress may be a placeholder; the
// token is still priced from its fallback constant but cannot be transferred.
func DefaultTokens(camlyAddress string) []Token {
	return []Token{
		{Symbol: "BNB", FeedID: "binancecoin", Native: true, Decimals: 18, Fallback: decimal.NewFromInt(600)},
		{Symbol: "USDT", FeedID: "tether", Address: USDTAddress, Decimals: 18, Fallback: decimal.NewFromInt(1)},
		{Symbol: "BTCB", FeedID: "bitcoin", Address: BTCBAddress, Decimals: 18, Fallback: decimal.NewFromInt(95000)},
		{Symbol: "ETH", FeedID: "ethereum", Address: ETHAddress, Decimals: 18, Fallback: decimal.NewFromInt(3500)},
		{Symbol: "CAMLY", Address: camlyAddress, Decimals: 3, Fallback: decimal.RequireFromString("0.00004")},
	}
}

type Registry struct {
	tokens map[string]Token
}

func NewRegistry(tokens ...Token) *Registry {
	r := &Registry{tokens: make(map[string]Token, len(tokens))}
	for _, t := range tokens {
		t.Symbol = normSymbol(t.Symbol)
		r.tokens[t.Symbol] = t
	}
	return r
}

func (r *Registry) Get(symbol string) (Token, bool) {
	t, ok := r.tokens[normSymbol(symbol)]
	return t, ok
}

func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.tokens))
	for s := range r.tokens {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
