// Package bus fans local effects out to per-user subscribers and carries
// platform notifications to the outbound channel.
package bus

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrClosed = errors.New("bus closed")
	ErrFull   = errors.New("queue full")
)

type EffectKind string

const (
	EffectCelebration EffectKind = "celebration"
	EffectToast       EffectKind = "toast"
)

type Effect struct {
	Kind   EffectKind `json:"kind"`
	UserID string     `json:"user_id"`
	Title  string     `json:"title"`
	Body   string     `json:"body,omitempty"`
	Tag    string     `json:"tag,omitempty"`
	At     time.Time  `json:"at"`
}

// Notification is one platform notification. ChatID 0 means the default chat.
type Notification struct {
	ChatID             int64
	Title              string
	Body               string
	Tag                string
	RequireInteraction bool
}

type Subscription struct {
	ID     string
	UserID string
	C      <-chan Effect

	ch  chan Effect
	hub *Hub
}

func (s *Subscription) Close() { s.hub.unsubscribe(s) }

// Hub delivers effects to subscribers of the same user. Publishing never
// blocks: a subscriber whose buffer is full misses the effect.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription // user id -> subscription id
	closed bool

	notify chan Notification
	buffer int
	log    *zap.Logger
}

func NewHub(log *zap.Logger, subBuffer, notifyBuffer int) *Hub {
	if subBuffer <= 0 {
		subBuffer = 16
	}
	if notifyBuffer <= 0 {
		notifyBuffer = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[string]map[string]*Subscription),
		notify: make(chan Notification, notifyBuffer),
		buffer: subBuffer,
		log:    log.Named("bus"),
	}
}

func (h *Hub) Subscribe(userID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	ch := make(chan Effect, h.buffer)
	s := &Subscription{ID: uuid.NewString(), UserID: userID, C: ch, ch: ch, hub: h}
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[string]*Subscription)
	}
	h.subs[userID][s.ID] = s

	h.log.Debug("subscribed", zap.String("user_id", userID), zap.String("subscription_id", s.ID))
	return s, nil
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	byID, ok := h.subs[s.UserID]
	if !ok {
		return
	}
	if _, ok := byID[s.ID]; !ok {
		return
	}
	delete(byID, s.ID)
	if len(byID) == 0 {
		delete(h.subs, s.UserID)
	}
	close(s.ch)
}

// Publish returns the number of subscribers the effect reached.
func (h *Hub) Publish(e Effect) (int, error) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0, ErrClosed
	}

	delivered := 0
	for _, s := range h.subs[e.UserID] {
		select {
		case s.ch <- e:
			delivered++
		default:
			h.log.Warn("subscriber full, dropping effect",
				zap.String("user_id", e.UserID),
				zap.String("subscription_id", s.ID),
				zap.String("kind", string(e.Kind)))
		}
	}
	return delivered, nil
}

// Notify enqueues n for the platform channel without blocking.
func (h *Hub) Notify(n Notification) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}

	select {
	case h.notify <- n:
		return nil
	default:
		h.log.Warn("notification queue full, dropping", zap.String("tag", n.Tag))
		return ErrFull
	}
}

// Notifications is drained by the platform channel. It closes with the hub.
func (h *Hub) Notifications() <-chan Notification { return h.notify }

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, byID := range h.subs {
		for _, s := range byID {
			close(s.ch)
		}
	}
	h.subs = nil
	close(h.notify)
}
