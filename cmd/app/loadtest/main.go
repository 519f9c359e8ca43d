package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/pvzzle/tipledger/internal/storage"
	"github.com/pvzzle/tipledger/internal/storage/pg"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

type op string

const (
	opHistory  op = "history"
	opTip      op = "tip"
	opRejected op = "rejected"
)

var allOps = []op{opHistory, opTip, opRejected}

type phase struct {
	name     string
	dur      time.Duration
	startRPS float64
	peakRPS  float64
	ramp     time.Duration
	workers  int
	collect  bool
}

type config struct {
	readsPerTip int
	rejectEvery int
	pageSize    int
	users       int
}

func main() {
	var (
		dsn      = flag.String("dsn", "", "Postgres DSN")
		dur      = flag.Duration("dur", 60*time.Second, "measured duration")
		warmup   = flag.Duration("warmup", 5*time.Second, "unmeasured warmup")
		avgRPS   = flag.Float64("avg-rps", 300, "starting ops/s")
		peakRPS  = flag.Float64("peak-rps", 1500, "ops/s reached at the end of the ramp")
		ramp     = flag.Duration("ramp", 10*time.Second, "linear ramp to peak")
		workers  = flag.Int("workers", 64, "concurrent workers")
		reads    = flag.Int("rw", 15, "history reads per tip")
		reject   = flag.Int("reject-every", 10, "every n-th tip is rejected before broadcast")
		pageSize = flag.Int("hist-limit", 20, "ledger page size")
		users    = flag.Int("users", 20000, "simulated user count")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("-dsn is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.Fatalf("pgxpool new: %v", err)
	}
	defer pool.Close()

	repo := pg.New(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	cfg := config{readsPerTip: max(*reads, 0), rejectEvery: max(*reject, 1), pageSize: *pageSize, users: max(*users, 1)}

	run(ctx, repo, cfg, phase{name: "warmup", dur: *warmup, startRPS: *avgRPS, peakRPS: *avgRPS, workers: *workers})
	st := run(ctx, repo, cfg, phase{
		name: "measured", dur: *dur, startRPS: *avgRPS, peakRPS: *peakRPS, ramp: *ramp, workers: *workers, collect: true,
	})
	st.report(os.Stdout)
}

// schedule yields the op sequence: readsPerTip history reads, then one write.
type schedule struct {
	cfg  config
	n    int
	tips int
}

func (s *schedule) next() op {
	defer func() { s.n++ }()
	if s.n%(s.cfg.readsPerTip+1) != s.cfg.readsPerTip {
		return opHistory
	}
	s.tips++
	if s.tips%s.cfg.rejectEvery == 0 {
		return opRejected
	}
	return opTip
}

// rateAt is the linear ramp from startRPS to peakRPS.
func (p phase) rateAt(elapsed time.Duration) rate.Limit {
	if p.ramp <= 0 || elapsed >= p.ramp {
		return rate.Limit(p.peakRPS)
	}
	return rate.Limit(p.startRPS + (p.peakRPS-p.startRPS)*float64(elapsed)/float64(p.ramp))
}

func run(ctx context.Context, repo storage.Repository, cfg config, p phase) *stats {
	fmt.Printf("%s: %s at %.0f→%.0f ops/s\n", p.name, p.dur, p.startRPS, p.peakRPS)

	ctx, cancel := context.WithTimeout(ctx, p.dur)
	defer cancel()

	st := newStats(p.collect)
	jobs := make(chan op, 1024)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for o := range jobs {
				t0 := time.Now()
				err := do(ctx, repo, cfg, o, r)
				st.add(o, time.Since(t0), err)
			}
		}(time.Now().UnixNano() + int64(i))
	}

	lim := rate.NewLimiter(p.rateAt(0), max(int(p.startRPS), 1))
	sched := &schedule{cfg: cfg}
	started := time.Now()
	for lim.Wait(ctx) == nil {
		if p.ramp > 0 {
			lim.SetLimit(p.rateAt(time.Since(started)))
		}
		select {
		case jobs <- sched.next():
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()

	st.elapsed = time.Since(started)
	return st
}

func do(ctx context.Context, repo storage.Repository, cfg config, o op, r *rand.Rand) error {
	user := fakeUser(r, cfg.users)
	switch o {
	case opHistory:
		_, err := repo.ListByUser(ctx, user, cfg.pageSize)
		return err
	case opRejected:
		e := fakeEntry(r, user, cfg.users)
		msg := "insufficient balance"
		e.TxHash = storage.FailedTxHash
		e.Status = storage.StatusFailed
		e.Error = &msg
		_, err := repo.UpsertEntry(ctx, e)
		return err
	default:
		// broadcast writes pending, confirmation finalises the same hash
		e := fakeEntry(r, user, cfg.users)
		if _, err := repo.UpsertEntry(ctx, e); err != nil {
			return err
		}
		e.Status = storage.StatusCompleted
		_, err := repo.UpsertEntry(ctx, e)
		return err
	}
}

func fakeUser(r *rand.Rand, users int) string {
	return fmt.Sprintf("user-%05d", 1+r.Intn(users))
}

var tokens = []string{"CAMLY", "BNB", "USDT", "BTCB", "ETH"}

func fakeEntry(r *rand.Rand, from string, users int) storage.LedgerEntry {
	to := fakeUser(r, users)
	return storage.LedgerEntry{
		ID:          uuid.NewString(),
		FromAddress: fmt.Sprintf("0x%040x", r.Uint64()),
		ToAddress:   fmt.Sprintf("0x%040x", r.Uint64()),
		FromUserID:  from,
		ToUserID:    &to,
		Amount:      decimal.New(int64(1+r.Intn(100000)), -3),
		TokenType:   tokens[r.Intn(len(tokens))],
		TxHash:      fmt.Sprintf("0x%032x%032x", r.Uint64(), r.Uint64()),
		Status:      storage.StatusPending,
		ContextID:   fmt.Sprintf("video-%d", r.Intn(5000)),
	}
}

type opStats struct {
	count     int
	errors    int
	latencies []time.Duration
}

type stats struct {
	mu      sync.Mutex
	collect bool
	byOp    map[op]*opStats
	elapsed time.Duration
}

func newStats(collect bool) *stats {
	st := &stats{collect: collect, byOp: make(map[op]*opStats, len(allOps))}
	for _, o := range allOps {
		st.byOp[o] = &opStats{}
	}
	return st
}

func (s *stats) add(o op, d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.byOp[o]
	st.count++
	if err != nil {
		st.errors++
		return
	}
	if s.collect {
		st.latencies = append(st.latencies, d)
	}
}

func (s *stats) report(w io.Writer) {
	total := 0
	for _, o := range allOps {
		total += s.byOp[o].count
	}
	fmt.Fprintf(w, "\n== %d ops in %s", total, s.elapsed.Round(time.Millisecond))
	if s.elapsed > 0 {
		fmt.Fprintf(w, " (%.1f ops/s)", float64(total)/s.elapsed.Seconds())
	}
	fmt.Fprintln(w, " ==")

	for _, o := range allOps {
		st := s.byOp[o]
		fmt.Fprintf(w, "%-9s n=%-7d err=%-5d", o, st.count, st.errors)
		if len(st.latencies) == 0 {
			fmt.Fprintln(w)
			continue
		}
		slices.Sort(st.latencies)
		fmt.Fprintf(w, " p50=%s p95=%s p99=%s max=%s\n",
			quantile(st.latencies, 0.50), quantile(st.latencies, 0.95),
			quantile(st.latencies, 0.99), st.latencies[len(st.latencies)-1])
	}
}

// quantile expects sorted input.
func quantile(sorted []time.Duration, q float64) time.Duration {
	return sorted[int(q*float64(len(sorted)-1))]
}
