package price

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pvzzle/tipledger/internal/observability"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

type OracleConfig struct {
	RefreshInterval time.Duration
	FeedTimeout     time.Duration
	// MaxStale bounds how long a live quote is carried forward when its
	// source fails in later cycles.
	MaxStale time.Duration
}

// Oracle owns the published price table and its refresh loop.
type Oracle struct {
	registry *Registry
	feed     Feed
	onchain  *OnChain
	log      *zap.Logger
	metrics  *observability.Metrics
	cfg      OracleConfig
	now      func() time.Time

	table atomic.Pointer[Table]
	cycle *semaphore.Weighted

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewOracle seeds the table with fallback constants. feed and onchain may be nil.
func NewOracle(registry *Registry, feed Feed, onchain *OnChain, log *zap.Logger, metrics *observability.Metrics, cfg OracleConfig) *Oracle {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 2 * time.Minute
	}
	if cfg.FeedTimeout <= 0 {
		cfg.FeedTimeout = 10 * time.Second
	}
	if cfg.MaxStale <= 0 {
		cfg.MaxStale = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}

	o := &Oracle{
		registry: registry,
		feed:     feed,
		onchain:  onchain,
		log:      log.Named("oracle"),
		metrics:  metrics,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		cycle:    semaphore.NewWeighted(1),
	}
	o.table.Store(o.fallbackTable(registry.Symbols(), o.now()))
	return o
}

// Table returns the current snapshot. It never blocks.
func (o *Oracle) Table() *Table { return o.table.Load() }

func (o *Oracle) Quote(symbol string) (Quote, bool) { return o.Table().Get(symbol) }

// Resolve builds a table for symbols without publishing it. Every known
// symbol with a fallback constant is present even if all sources fail.
func (o *Oracle) Resolve(ctx context.Context, symbols []string) *Table {
	now := o.now()
	prev := o.table.Load()

	var tokens []Token
	for _, s := range symbols {
		if tok, ok := o.registry.Get(s); ok {
			tokens = append(tokens, tok)
		}
	}

	quotes := o.fallbackTable(symbols, now).Snapshot()
	live := o.fetchFeed(ctx, tokens, now)

	var need []Token
	for _, tok := range tokens {
		if _, ok := live[tok.Symbol]; !ok && o.onchain.Has(tok.Symbol) {
			need = append(need, tok)
		}
	}
	for _, q := range o.fetchOnChain(ctx, need, now) {
		live[q.Symbol] = q
	}

	for _, tok := range tokens {
		if q, ok := live[tok.Symbol]; ok {
			quotes[tok.Symbol] = q
			continue
		}
		if pq, ok := prev.Get(tok.Symbol); ok && pq.Live() && now.Sub(pq.FetchedAt) <= o.cfg.MaxStale {
			quotes[tok.Symbol] = pq
		}
	}

	return newTable(quotes, now)
}

// Refresh runs one cycle and publishes it. It returns false without doing
// anything when another cycle is still in flight.
func (o *Oracle) Refresh(ctx context.Context) bool {
	if !o.cycle.TryAcquire(1) {
		o.log.Warn("price cycle still running, skipping")
		o.metrics.PriceCycle("skipped")
		return false
	}
	defer o.cycle.Release(1)

	start := time.Now()
	t := o.Resolve(ctx, o.registry.Symbols())
	o.table.Store(t)

	o.metrics.ObserveCycle(time.Since(start).Seconds())
	o.metrics.PriceCycle("published")
	o.log.Debug("price table published", zap.Int("symbols", t.Len()), zap.Duration("took", time.Since(start)))
	return true
}

func (o *Oracle) Name() string { return "price-oracle" }

// Start runs a cycle immediately and then on every interval tick. Ticks that
// land while a cycle is in flight are skipped.
func (o *Oracle) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.RefreshInterval)
		defer ticker.Stop()

		o.spawnCycle(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				o.spawnCycle(runCtx)
			}
		}
	}()

	o.log.Info("price oracle started", zap.Duration("interval", o.cfg.RefreshInterval))
	return nil
}

func (o *Oracle) spawnCycle(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Refresh(ctx)
	}()
}

func (o *Oracle) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	cancel := o.cancel
	o.running = false
	o.cancel = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	o.log.Info("price oracle stopped")
	return nil
}

func (o *Oracle) fallbackTable(symbols []string, now time.Time) *Table {
	quotes := make(map[string]Quote)
	for _, s := range symbols {
		tok, ok := o.registry.Get(s)
		if !ok || tok.Fallback.Sign() <= 0 {
			continue
		}
		quotes[tok.Symbol] = Quote{Symbol: tok.Symbol, USD: tok.Fallback, Source: SourceFallback, FetchedAt: now}
	}
	return newTable(quotes, now)
}

func (o *Oracle) fetchFeed(ctx context.Context, tokens []Token, now time.Time) map[string]Quote {
	live := make(map[string]Quote)
	if o.feed == nil {
		return live
	}

	fctx, cancel := context.WithTimeout(ctx, o.cfg.FeedTimeout)
	defer cancel()

	prices, err := o.feed.Fetch(fctx, tokens)
	if err != nil {
		o.log.Warn("price feed unavailable, keeping fallback", zap.String("feed", o.feed.Name()), zap.Error(err))
		o.metrics.SourceFailure(o.feed.Name())
		return live
	}
	for sym, usd := range prices {
		if usd.Sign() <= 0 {
			continue
		}
		sym = normSymbol(sym)
		live[sym] = Quote{Symbol: sym, USD: usd, Source: SourceExternalFeed, FetchedAt: now}
	}
	return live
}

func (o *Oracle) fetchOnChain(ctx context.Context, tokens []Token, now time.Time) []Quote {
	if len(tokens) == 0 {
		return nil
	}

	results := make([]*Quote, len(tokens))
	var g errgroup.Group
	for i, tok := range tokens {
		g.Go(func() error {
			q, err := o.onchain.Quote(ctx, tok, now)
			if err != nil {
				o.log.Warn("on-chain quote failed, keeping fallback", zap.String("symbol", tok.Symbol), zap.Error(err))
				o.metrics.SourceFailure("onchain")
				return nil
			}
			results[i] = &q
			return nil
		})
	}
	_ = g.Wait()

	var out []Quote
	for _, q := range results {
		if q != nil {
			out = append(out, *q)
		}
	}
	return out
}
