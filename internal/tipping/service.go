// Package tipping runs tips end to end: transfer, ledger record, sender toast.
package tipping

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pvzzle/tipledger/internal/bus"
	"github.com/pvzzle/tipledger/internal/ledger"
	"github.com/pvzzle/tipledger/internal/locale"
	"github.com/pvzzle/tipledger/internal/observability"
	"github.com/pvzzle/tipledger/internal/price"
	"github.com/pvzzle/tipledger/internal/storage"
	"github.com/pvzzle/tipledger/internal/transfer"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrClosed    = errors.New("tipping service stopped")
	ErrNoSender  = errors.New("sender user id is required")
	ErrNoAddress = errors.New("recipient address is required")
	ErrNoToken   = errors.New("token symbol is required")
)

type Executor interface {
	Sender() common.Address
	Execute(ctx context.Context, req transfer.Request, onBroadcast transfer.BroadcastFunc) (transfer.Outcome, error)
}

type Recorder interface {
	MarkPending(ctx context.Context, req transfer.Request, hash common.Hash) (storage.LedgerEntry, error)
	RecordAttempt(ctx context.Context, req transfer.Request, out transfer.Outcome, execErr error) (storage.LedgerEntry, error)
}

type Prices interface {
	Table() *price.Table
}

type EffectPublisher interface {
	Publish(e bus.Effect) (int, error)
}

// Tip is what a user asks for.
type Tip struct {
	FromUserID string
	ToUserID   string
	ToAddress  string
	Amount     decimal.Decimal
	Token      string
	ContextID  string
}

type Result struct {
	Entry     storage.LedgerEntry
	Outcome   transfer.Outcome
	USD       *decimal.Decimal // nil when the token has no quote
	Err       error            // transfer failure
	LedgerErr error            // persistence failure after retries
}

// Ticket tracks one submitted tip. Waiting on it never affects the tip.
type Ticket struct {
	AttemptID string
	Request   transfer.Request

	done chan struct{}
	res  Result
}

func (t *Ticket) Done() <-chan struct{} { return t.done }

func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type Config struct {
	LedgerMaxTries     uint
	LedgerRetryInitial time.Duration
	LedgerRetryMax     time.Duration
}

type Service struct {
	exec     Executor
	rec      Recorder
	registry *price.Registry
	prices   Prices
	effects  EffectPublisher
	printer  *locale.Printer
	log      *zap.Logger
	metrics  *observability.Metrics
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewService binds tasks to ctx: cancelling it abandons confirmation waits,
// ledger writes still complete.
func NewService(ctx context.Context, exec Executor, rec Recorder, registry *price.Registry, prices Prices, effects EffectPublisher,
	printer *locale.Printer, log *zap.Logger, metrics *observability.Metrics, cfg Config) *Service {
	if cfg.LedgerMaxTries == 0 {
		cfg.LedgerMaxTries = 5
	}
	if cfg.LedgerRetryInitial <= 0 {
		cfg.LedgerRetryInitial = 200 * time.Millisecond
	}
	if cfg.LedgerRetryMax <= 0 {
		cfg.LedgerRetryMax = 5 * time.Second
	}
	if printer == nil {
		printer = locale.New("en")
	}
	if log == nil {
		log = zap.NewNop()
	}

	sctx, cancel := context.WithCancel(ctx)
	return &Service{
		exec:     exec,
		rec:      rec,
		registry: registry,
		prices:   prices,
		effects:  effects,
		printer:  printer,
		log:      log.Named("tipping"),
		metrics:  metrics,
		cfg:      cfg,
		ctx:      sctx,
		cancel:   cancel,
	}
}

// BuildRequest resolves the token and fills in the configured sender.
func (s *Service) BuildRequest(tip Tip) transfer.Request {
	sym := strings.ToUpper(strings.TrimSpace(tip.Token))
	req := transfer.Request{
		AttemptID:       uuid.NewString(),
		FromAddress:     s.exec.Sender().Hex(),
		ToAddress:       strings.TrimSpace(tip.ToAddress),
		Amount:          tip.Amount,
		TokenSymbol:     sym,
		ContextID:       tip.ContextID,
		RequestedBy:     tip.FromUserID,
		RecipientUserID: tip.ToUserID,
	}
	if tok, ok := s.registry.Get(sym); ok {
		req.TokenAddress = tok.Address
		req.Native = tok.Native
		req.Decimals = tok.Decimals
	}
	return req
}

// Submit starts the tip in the background and returns at once.
func (s *Service) Submit(_ context.Context, tip Tip) (*Ticket, error) {
	if strings.TrimSpace(tip.FromUserID) == "" {
		return nil, ErrNoSender
	}
	if strings.TrimSpace(tip.ToAddress) == "" {
		return nil, ErrNoAddress
	}
	if strings.TrimSpace(tip.Token) == "" {
		return nil, ErrNoToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	req := s.BuildRequest(tip)
	t := &Ticket{AttemptID: req.AttemptID, Request: req, done: make(chan struct{})}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(t.done)
		t.res = s.run(req)
	}()
	return t, nil
}

func (s *Service) run(req transfer.Request) Result {
	log := s.log.With(zap.String("attempt_id", req.AttemptID), zap.String("token", req.TokenSymbol))

	var pendingErr error
	out, execErr := s.exec.Execute(s.ctx, req, func(hash common.Hash) {
		_, pendingErr = s.persist(log, "mark pending", func(ctx context.Context) (storage.LedgerEntry, error) {
			return s.rec.MarkPending(ctx, req, hash)
		})
	})

	res := Result{Outcome: out, Err: execErr}
	res.Entry, res.LedgerErr = s.persist(log, "record attempt", func(ctx context.Context) (storage.LedgerEntry, error) {
		return s.rec.RecordAttempt(ctx, req, out, execErr)
	})
	if res.LedgerErr == nil && pendingErr != nil {
		log.Info("pending row missed, final row written", zap.Error(pendingErr))
	}

	if s.prices != nil {
		if usd, ok := s.prices.Table().ValueUSD(req.TokenSymbol, req.Amount); ok {
			res.USD = &usd
		}
	}

	s.metrics.Transfer(outcomeLabel(out, execErr))
	s.toast(req, res)

	if execErr != nil {
		log.Warn("tip failed", zap.String("tx_hash", res.Entry.TxHash), zap.Error(execErr))
	} else {
		log.Info("tip confirmed", zap.String("tx_hash", out.TxHash.Hex()), zap.Uint64("block", out.BlockNumber))
	}
	return res
}

// persist retries a ledger write. Writes use a context detached from the
// service lifetime so shutdown never loses the outcome of a sent transaction.
func (s *Service) persist(log *zap.Logger, op string, write func(ctx context.Context) (storage.LedgerEntry, error)) (storage.LedgerEntry, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.LedgerRetryInitial
	bo.MaxInterval = s.cfg.LedgerRetryMax

	operation := func() (storage.LedgerEntry, error) {
		e, err := write(context.WithoutCancel(s.ctx))
		var pe *ledger.PersistenceError
		if errors.As(err, &pe) && !pe.Retryable() {
			return e, backoff.Permanent(err)
		}
		return e, err
	}
	notify := func(err error, next time.Duration) {
		s.metrics.LedgerWriteFailure("retried")
		log.Warn("ledger write failed, retrying", zap.String("op", op), zap.Duration("backoff", next), zap.Error(err))
	}

	e, err := backoff.Retry(context.WithoutCancel(s.ctx), operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(s.cfg.LedgerMaxTries),
		backoff.WithNotify(notify))
	if err != nil {
		s.metrics.LedgerWriteFailure("escalated")
		log.Error("ledger write escalated", zap.String("op", op), zap.Error(err))
		return storage.LedgerEntry{}, fmt.Errorf("%s: %w", op, err)
	}
	return e, nil
}

func (s *Service) toast(req transfer.Request, res Result) {
	if s.effects == nil {
		return
	}
	e := bus.Effect{Kind: bus.EffectToast, UserID: req.RequestedBy, Tag: "tip-" + req.AttemptID}
	if res.Err == nil {
		e.Title = s.printer.TipSent(req.Amount, req.TokenSymbol, res.USD)
	} else {
		e.Title = s.printer.TipFailed(failureReason(res.Err))
	}
	if _, err := s.effects.Publish(e); err != nil {
		s.log.Debug("toast dropped", zap.Error(err))
	}
}

func failureReason(err error) string {
	var te *transfer.Error
	if errors.As(err, &te) {
		return te.Reason
	}
	return err.Error()
}

func outcomeLabel(out transfer.Outcome, err error) string {
	switch {
	case err == nil && out.Confirmed:
		return "confirmed"
	case errors.Is(err, transfer.ErrWaitAbandoned):
		return "abandoned"
	}
	if k, ok := transfer.KindOf(err); ok {
		return string(k)
	}
	return "error"
}

func (s *Service) Name() string { return "tipping" }

// Stop refuses new tips, abandons pending confirmation waits and waits for
// in-flight tasks to write their rows.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
