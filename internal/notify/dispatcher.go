// Package notify turns reward approvals seen on a change feed into user
// notifications, once per approval.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pvzzle/tipledger/internal/bus"
	"github.com/pvzzle/tipledger/internal/changefeed"
	"github.com/pvzzle/tipledger/internal/locale"
	"github.com/pvzzle/tipledger/internal/observability"

	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// EffectPublisher receives local UI effects.
type EffectPublisher interface {
	Publish(e bus.Effect) (int, error)
}

// Notifier receives platform notifications.
type Notifier interface {
	Notify(n bus.Notification) error
}

type Config struct {
	// SessionCacheSize bounds the rows tracked per subscription session.
	SessionCacheSize int
	// NotifiedCacheSize bounds the rows remembered as already notified.
	NotifiedCacheSize int

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

type Dispatcher struct {
	feed     changefeed.Feed
	effects  EffectPublisher
	notifier Notifier
	printer  *locale.Printer
	log      *zap.Logger
	metrics  *observability.Metrics
	cfg      Config

	notified *lru.Cache[string, struct{}]
	wg       sync.WaitGroup
}

func NewDispatcher(feed changefeed.Feed, effects EffectPublisher, notifier Notifier, printer *locale.Printer, log *zap.Logger, metrics *observability.Metrics, cfg Config) (*Dispatcher, error) {
	if cfg.SessionCacheSize <= 0 {
		cfg.SessionCacheSize = 1024
	}
	if cfg.NotifiedCacheSize <= 0 {
		cfg.NotifiedCacheSize = 4096
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	if printer == nil {
		printer = locale.New("en")
	}
	if log == nil {
		log = zap.NewNop()
	}

	notified, err := lru.New[string, struct{}](cfg.NotifiedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("notified cache: %w", err)
	}

	return &Dispatcher{
		feed:     feed,
		effects:  effects,
		notifier: notifier,
		printer:  printer,
		log:      log.Named("dispatcher"),
		metrics:  metrics,
		cfg:      cfg,
		notified: notified,
	}, nil
}

func (d *Dispatcher) Name() string { return "reward-dispatcher" }

// Run subscribes and processes sessions until ctx is done, reconnecting with
// exponential backoff. It waits for in-flight effects before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.wg.Wait()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.ReconnectInitial
	bo.MaxInterval = d.cfg.ReconnectMax

	for {
		ch, err := d.feed.Subscribe(ctx)
		if err == nil {
			d.log.Info("change feed session started", zap.String("feed", d.feed.Name()))
			if d.Session(ctx, ch) > 0 {
				bo.Reset()
			}
		} else if ctx.Err() == nil {
			d.log.Warn("change feed subscribe failed", zap.String("feed", d.feed.Name()), zap.Error(err))
		}

		if ctx.Err() != nil {
			return nil
		}

		wait := bo.NextBackOff()
		d.metrics.Reconnect()
		d.log.Info("change feed reconnecting", zap.Duration("in", wait))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// Session consumes one subscription until its channel closes and returns the
// number of changes seen. Row state lives only for the session.
func (d *Dispatcher) Session(ctx context.Context, ch <-chan changefeed.Change) int {
	state, err := lru.New[string, bool](d.cfg.SessionCacheSize)
	if err != nil {
		d.log.Error("session cache", zap.Error(err))
		return 0
	}
	defer state.Purge()

	seen := 0
	for {
		select {
		case <-ctx.Done():
			return seen
		case c, ok := <-ch:
			if !ok {
				return seen
			}
			seen++
			if d.observe(state, c) {
				d.fire(c.New)
			}
		}
	}
}

// observe records c and reports whether it is a new false->true approval.
func (d *Dispatcher) observe(state *lru.Cache[string, bool], c changefeed.Change) bool {
	id := c.New.ID

	prev, known := state.Get(id)
	if !known {
		prev = c.New.Approved
		if c.Old != nil {
			prev = c.Old.Approved
		}
	}
	state.Add(id, c.New.Approved)

	if prev && !c.New.Approved {
		// revoked: the next approval is a new edge
		d.notified.Remove(id)
		return false
	}
	if prev || !c.New.Approved {
		return false
	}
	if ok, _ := d.notified.ContainsOrAdd(id, struct{}{}); ok {
		d.log.Debug("approval already notified", zap.String("reward_id", id))
		return false
	}
	return true
}

func (d *Dispatcher) fire(row changefeed.RewardRow) {
	d.metrics.ApprovalEdge()
	d.log.Info("reward approved",
		zap.String("reward_id", row.ID),
		zap.String("user_id", row.UserID),
		zap.String("amount", row.Amount.String()),
		zap.String("token", row.TokenSymbol),
	)

	title := d.printer.RewardTitle()
	body := d.printer.RewardBody(row.Amount, row.TokenSymbol)
	tag := "reward-" + row.ID

	if d.effects != nil {
		d.effect("celebration", func() error {
			_, err := d.effects.Publish(bus.Effect{Kind: bus.EffectCelebration, UserID: row.UserID, Title: title, Tag: tag})
			return err
		})
		d.effect("toast", func() error {
			_, err := d.effects.Publish(bus.Effect{Kind: bus.EffectToast, UserID: row.UserID, Title: title, Body: body, Tag: tag})
			return err
		})
	}
	if d.notifier != nil {
		d.effect("platform", func() error {
			return d.notifier.Notify(bus.Notification{Title: title, Body: body, Tag: tag, RequireInteraction: true})
		})
	}
}

func (d *Dispatcher) effect(channel string, fn func() error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("notification effect panicked", zap.String("channel", channel), zap.Any("panic", r))
				d.metrics.Notification(channel, "panic")
			}
		}()

		if err := fn(); err != nil {
			d.log.Warn("notification effect failed", zap.String("channel", channel), zap.Error(err))
			d.metrics.Notification(channel, "error")
			return
		}
		d.metrics.Notification(channel, "ok")
	}()
}

// Wait blocks until in-flight effects finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }
