package price

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoinGecko(t *testing.T, h http.HandlerFunc, apiKey string) *CoinGecko {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cg, err := NewCoinGecko(srv.Client(), CoinGeckoConfig{BaseURL: srv.URL, APIKey: apiKey})
	require.NoError(t, err)
	return cg
}

func TestCoinGecko_Fetch(t *testing.T) {
	cg := newTestCoinGecko(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		assert.Equal(t, "binancecoin,tether,bitcoin,ethereum", r.URL.Query().Get("ids"))
		assert.Equal(t, "demo-key", r.Header.Get("x-cg-demo-api-key"))
		_, _ = w.Write([]byte(`{"binancecoin":{"usd":712.5},"tether":{"usd":1.0001},"bitcoin":{"usd":0},"unknown":{"usd":3}}`))
	}, "demo-key")

	got, err := cg.Fetch(context.Background(), DefaultTokens(camlyAddr))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "712.5", got["BNB"].String())
	assert.Equal(t, "1.0001", got["USDT"].String())
}

func TestCoinGecko_NoKeyHeaderWhenUnset(t *testing.T) {
	cg := newTestCoinGecko(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("x-cg-demo-api-key"))
		_, _ = w.Write([]byte(`{}`))
	}, "")

	got, err := cg.Fetch(context.Background(), DefaultTokens(camlyAddr))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCoinGecko_Non2xx(t *testing.T) {
	cg := newTestCoinGecko(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}, "")

	_, err := cg.Fetch(context.Background(), DefaultTokens(camlyAddr))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSourceUnavailable))
}

func TestCoinGecko_Malformed(t *testing.T) {
	cg := newTestCoinGecko(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"binancecoin":`))
	}, "")

	_, err := cg.Fetch(context.Background(), DefaultTokens(camlyAddr))
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestCoinGecko_Timeout(t *testing.T) {
	cg := newTestCoinGecko(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, "")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := cg.Fetch(ctx, DefaultTokens(camlyAddr))
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestCoinGecko_SkipsWithoutFeedIDs(t *testing.T) {
	cg := newTestCoinGecko(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}, "")

	got, err := cg.Fetch(context.Background(), []Token{{Symbol: "CAMLY"}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCoinGecko_BadRequestURL(t *testing.T) {
	cg, err := NewCoinGecko(nil, CoinGeckoConfig{BaseURL: "http://feed.local"})
	require.NoError(t, err)
	cg.baseURL = "http://feed.local\x7f"

	_, err = cg.Fetch(context.Background(), DefaultTokens(camlyAddr))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}
