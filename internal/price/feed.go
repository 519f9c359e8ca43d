package price

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// Feed fetches USD prices for many tokens in one call. Symbols missing from
// the result simply have no quote.
type Feed interface {
	Name() string
	Fetch(ctx context.Context, tokens []Token) (map[string]decimal.Decimal, error)
}

// FeedFunc adapts a function to the Feed interface.
type FeedFunc func(ctx context.Context, tokens []Token) (map[string]decimal.Decimal, error)

func (f FeedFunc) Name() string { return "func" }

func (f FeedFunc) Fetch(ctx context.Context, tokens []Token) (map[string]decimal.Decimal, error) {
	return f(ctx, tokens)
}

type CoinGeckoConfig struct {
	BaseURL string
	APIKey  string
	// Requests per second allowed against the API; <= 0 disables limiting.
	RPS float64
}

// CoinGecko queries /simple/price?ids=...&vs_currencies=usd.
type CoinGecko struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

func NewCoinGecko(client *http.Client, cfg CoinGeckoConfig) (*CoinGecko, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("price feed url: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}

	return &CoinGecko{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
		limiter: limiter,
	}, nil
}

func (c *CoinGecko) Name() string { return "coingecko" }

func (c *CoinGecko) Fetch(ctx context.Context, tokens []Token) (map[string]decimal.Decimal, error) {
	bySymbol := make(map[string]string) // feed id -> symbol
	var ids []string
	for _, t := range tokens {
		if t.FeedID == "" {
			continue
		}
		if _, dup := bySymbol[t.FeedID]; !dup {
			ids = append(ids, t.FeedID)
		}
		bySymbol[t.FeedID] = t.Symbol
	}
	if len(ids) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit: %w", ErrSourceUnavailable, err)
	}

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrSourceUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrSourceUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrSourceUnavailable, err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: malformed response", ErrSourceUnavailable)
	}

	out := make(map[string]decimal.Decimal)
	for id, entry := range gjson.ParseBytes(body).Map() {
		sym, ok := bySymbol[id]
		if !ok {
			continue
		}
		usd := entry.Get("usd")
		if usd.Type != gjson.Number {
			continue
		}
		v, err := decimal.NewFromString(usd.Raw)
		if err != nil || v.Sign() <= 0 {
			continue
		}
		out[sym] = v
	}
	return out, nil
}
