// Package api exposes prices, tip submission, ledger history and the effect
// stream over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pvzzle/tipledger/internal/bus"
	"github.com/pvzzle/tipledger/internal/price"
	"github.com/pvzzle/tipledger/internal/storage"
	"github.com/pvzzle/tipledger/internal/tipping"
	"github.com/pvzzle/tipledger/internal/transfer"
	"github.com/pvzzle/tipledger/internal/units"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type Prices interface {
	Table() *price.Table
}

type Tipper interface {
	Submit(ctx context.Context, tip tipping.Tip) (*tipping.Ticket, error)
}

type History interface {
	History(ctx context.Context, userID string, limit int) ([]storage.LedgerEntry, error)
}

type Effects interface {
	Subscribe(userID string) (*bus.Subscription, error)
}

type Config struct {
	// TransferWait bounds how long POST /api/transfers waits for the chain
	// before answering 202. The tip itself keeps running.
	TransferWait time.Duration
	// Keepalive is the SSE comment interval.
	Keepalive time.Duration
}

type Server struct {
	prices  Prices
	tips    Tipper
	history History
	effects Effects
	metrics http.Handler
	log     *zap.Logger
	cfg     Config
}

func NewServer(prices Prices, tips Tipper, history History, effects Effects, metrics http.Handler, log *zap.Logger, cfg Config) *Server {
	if cfg.TransferWait <= 0 {
		cfg.TransferWait = 60 * time.Second
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		prices:  prices,
		tips:    tips,
		history: history,
		effects: effects,
		metrics: metrics,
		log:     log.Named("api"),
		cfg:     cfg,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/prices", s.getPrices)
		r.Post("/transfers", s.postTransfer)
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/ledger", s.getLedger)
			r.Get("/events", s.streamEvents)
		})
	})
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type quoteJSON struct {
	Symbol    string    `json:"symbol"`
	USD       string    `json:"usd"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}

func (s *Server) getPrices(w http.ResponseWriter, _ *http.Request) {
	t := s.prices.Table()
	out := make([]quoteJSON, 0, t.Len())
	for _, sym := range t.Symbols() {
		q, _ := t.Get(sym)
		out = append(out, quoteJSON{Symbol: q.Symbol, USD: q.USD.String(), Source: string(q.Source), FetchedAt: q.FetchedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"built_at": t.BuiltAt(), "quotes": out})
}

type transferRequest struct {
	FromUserID string `json:"from_user_id"`
	ToUserID   string `json:"to_user_id"`
	ToAddress  string `json:"to_address"`
	Amount     string `json:"amount"`
	Token      string `json:"token"`
	ContextID  string `json:"context_id"`
}

type transferResponse struct {
	AttemptID   string `json:"attempt_id"`
	Status      string `json:"status"`
	TxHash      string `json:"tx_hash,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	USDValue    string `json:"usd_value,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	Error       string `json:"error,omitempty"`
	LedgerError string `json:"ledger_error,omitempty"`
}

func (s *Server) postTransfer(w http.ResponseWriter, r *http.Request) {
	var body transferRequest
	if err := decodeJSON(r.Body, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	amount, err := units.ParseAmount(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	tk, err := s.tips.Submit(r.Context(), tipping.Tip{
		FromUserID: body.FromUserID,
		ToUserID:   body.ToUserID,
		ToAddress:  body.ToAddress,
		Amount:     amount,
		Token:      body.Token,
		ContextID:  body.ContextID,
	})
	switch {
	case errors.Is(err, tipping.ErrNoSender), errors.Is(err, tipping.ErrNoAddress), errors.Is(err, tipping.ErrNoToken):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, tipping.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.TransferWait)
	defer cancel()

	res, err := tk.Wait(ctx)
	if err != nil {
		// the tip keeps running; the ledger will show its outcome
		writeJSON(w, http.StatusAccepted, transferResponse{AttemptID: tk.AttemptID, Status: string(storage.StatusPending)})
		return
	}

	status, resp := transferResult(tk.AttemptID, res)
	writeJSON(w, status, resp)
}

func transferResult(attemptID string, res tipping.Result) (int, transferResponse) {
	resp := transferResponse{AttemptID: attemptID, Status: string(res.Entry.Status)}
	if res.Outcome.Broadcast() {
		resp.TxHash = res.Outcome.TxHash.Hex()
	}
	if res.Outcome.BlockNumber > 0 {
		resp.BlockNumber = res.Outcome.BlockNumber
	}
	if res.USD != nil {
		resp.USDValue = res.USD.String()
	}
	if res.LedgerErr != nil {
		resp.LedgerError = res.LedgerErr.Error()
	}

	if res.Err == nil {
		if resp.Status == "" {
			resp.Status = string(storage.StatusCompleted)
		}
		return http.StatusOK, resp
	}

	resp.Error = res.Err.Error()
	if resp.Status == "" {
		resp.Status = string(storage.StatusFailed)
	}
	if errors.Is(res.Err, transfer.ErrWaitAbandoned) {
		resp.Status = string(storage.StatusPending)
		return http.StatusAccepted, resp
	}

	kind, _ := transfer.KindOf(res.Err)
	resp.ErrorKind = string(kind)
	switch kind {
	case transfer.KindConfiguration:
		return http.StatusUnprocessableEntity, resp
	case transfer.KindInvalidRequest:
		return http.StatusBadRequest, resp
	default:
		return http.StatusBadGateway, resp
	}
}

type entryJSON struct {
	ID          string    `json:"id"`
	FromAddress string    `json:"from_address"`
	ToAddress   string    `json:"to_address"`
	FromUserID  string    `json:"from_user_id"`
	ToUserID    *string   `json:"to_user_id,omitempty"`
	Amount      string    `json:"amount"`
	TokenType   string    `json:"token_type"`
	TxHash      string    `json:"tx_hash"`
	Status      string    `json:"status"`
	ContextID   string    `json:"context_id,omitempty"`
	Error       *string   `json:"error_message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toEntryJSON(e storage.LedgerEntry) entryJSON {
	return entryJSON{
		ID:          e.ID,
		FromAddress: e.FromAddress,
		ToAddress:   e.ToAddress,
		FromUserID:  e.FromUserID,
		ToUserID:    e.ToUserID,
		Amount:      e.Amount.String(),
		TokenType:   e.TokenType,
		TxHash:      e.TxHash,
		Status:      string(e.Status),
		ContextID:   e.ContextID,
		Error:       e.Error,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func (s *Server) getLedger(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be 1..100"))
			return
		}
		limit = n
	}

	items, err := s.history.History(r.Context(), userID, limit)
	if errors.Is(err, storage.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		s.log.Error("ledger history failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("ledger unavailable"))
		return
	}

	out := make([]entryJSON, 0, len(items))
	for _, e := range items {
		out = append(out, toEntryJSON(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// streamEvents relays the user's effects as server-sent events.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	sub, err := s.effects.Subscribe(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(s.cfg.Keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func decodeJSON(body io.ReadCloser, dst any) error {
	defer body.Close()
	dec := json.NewDecoder(io.LimitReader(body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
