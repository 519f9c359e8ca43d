package changefeed

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

type RealtimeConfig struct {
	URL    string // project URL, http(s)
	APIKey string
	Schema string
	Table  string
	UserID string

	Heartbeat        time.Duration
	HandshakeTimeout time.Duration
	Buffer           int
}

// Realtime subscribes to postgres_changes over the Supabase Realtime
// (Phoenix channels) websocket protocol.
type Realtime struct {
	cfg   RealtimeConfig
	wsURL string
	topic string
	log   *zap.Logger
}

func NewRealtime(cfg RealtimeConfig, log *zap.Logger) (*Realtime, error) {
	if cfg.URL == "" || cfg.UserID == "" {
		return nil, fmt.Errorf("realtime: url and user id are required")
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Table == "" {
		cfg.Table = "rewards"
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if log == nil {
		log = zap.NewNop()
	}

	wsURL, err := websocketURL(cfg.URL, cfg.APIKey)
	if err != nil {
		return nil, err
	}

	return &Realtime{
		cfg:   cfg,
		wsURL: wsURL,
		topic: fmt.Sprintf("realtime:%s:%s:user_id=eq.%s", cfg.Schema, cfg.Table, cfg.UserID),
		log:   log.Named("realtime"),
	}, nil
}

func websocketURL(base, apiKey string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("realtime url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("realtime url: unsupported scheme %q", u.Scheme)
	}
	u.Path += "/realtime/v1/websocket"
	q := u.Query()
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *Realtime) Name() string { return "supabase-realtime" }

func (r *Realtime) Topic() string { return r.topic }

func (r *Realtime) Subscribe(ctx context.Context) (<-chan Change, error) {
	dialer := websocket.Dialer{HandshakeTimeout: r.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, r.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	s := &session{conn: conn, topic: r.topic, log: r.log}
	if err := s.send("phx_join", r.topic, map[string]any{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}

	out := make(chan Change, r.cfg.Buffer)
	sctx, cancel := context.WithCancel(ctx)

	go func() {
		<-sctx.Done()
		_ = s.send("phx_leave", r.topic, map[string]any{})
		conn.Close()
	}()
	go s.heartbeat(sctx, r.cfg.Heartbeat)
	go func() {
		defer close(out)
		defer cancel()
		s.read(sctx, out)
	}()

	r.log.Info("realtime subscribed", zap.String("topic", r.topic))
	return out, nil
}

type session struct {
	conn  *websocket.Conn
	topic string
	log   *zap.Logger

	mu  sync.Mutex // serialises writes
	ref int
}

func (s *session) send(event, topic string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ref++
	ref := strconv.Itoa(s.ref)
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(map[string]any{
		"topic":    topic,
		"event":    event,
		"payload":  payload,
		"ref":      ref,
		"join_ref": ref,
	})
}

func (s *session) heartbeat(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.send("heartbeat", "phoenix", map[string]any{}); err != nil {
				s.log.Warn("heartbeat failed", zap.Error(err))
				s.conn.Close()
				return
			}
		}
	}
}

func (s *session) read(ctx context.Context, out chan<- Change) {
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("realtime read failed", zap.Error(err))
			}
			return
		}

		m := gjson.ParseBytes(msg)
		if m.Get("topic").String() != s.topic {
			continue
		}

		event := m.Get("event").String()
		switch event {
		case "phx_reply":
			if st := m.Get("payload.status").String(); st != "ok" {
				s.log.Warn("realtime join rejected", zap.String("status", st), zap.String("response", m.Get("payload.response").Raw))
				return
			}
			continue
		case "phx_error", "phx_close":
			s.log.Warn("realtime channel closed by server", zap.String("event", event))
			return
		}

		payload := m.Get("payload")
		typ := payload.Get("type").String()
		if typ == "" {
			typ = event
		}
		if typ != "INSERT" && typ != "UPDATE" {
			continue
		}

		c, ok := parseChange(typ, payload.Get("record"), payload.Get("old_record"))
		if !ok {
			s.log.Debug("realtime payload ignored", zap.String("payload", payload.Raw))
			continue
		}

		select {
		case out <- c:
		case <-ctx.Done():
			return
		}
	}
}
