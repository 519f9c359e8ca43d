package changefeed

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// PGListen follows reward changes through LISTEN/NOTIFY. The trigger sends
// every changed row, so rows of other users are dropped here.
type PGListen struct {
	pool    *pgxpool.Pool
	channel string
	userID  string
	buffer  int
	log     *zap.Logger
}

func NewPGListen(pool *pgxpool.Pool, channel, userID string, log *zap.Logger) *PGListen {
	if log == nil {
		log = zap.NewNop()
	}
	return &PGListen{
		pool:    pool,
		channel: channel,
		userID:  userID,
		buffer:  64,
		log:     log.Named("pglisten"),
	}
}

func (p *PGListen) Name() string { return "pg-listen" }

func (p *PGListen) Subscribe(ctx context.Context) (<-chan Change, error) {
	pc, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire: %w", err)
	}
	// The session keeps LISTEN state, so it never goes back to the pool.
	conn := pc.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{p.channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", p.channel, err)
	}

	out := make(chan Change, p.buffer)
	go func() {
		defer close(out)
		defer conn.Close(context.Background())

		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.log.Warn("listen session ended", zap.Error(err))
				}
				return
			}

			c, ok := p.decode(n.Payload)
			if !ok {
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	p.log.Info("listening", zap.String("channel", p.channel), zap.String("user_id", p.userID))
	return out, nil
}

func (p *PGListen) decode(payload string) (Change, bool) {
	if !gjson.Valid(payload) {
		p.log.Debug("notification payload is not json", zap.String("payload", payload))
		return Change{}, false
	}
	m := gjson.Parse(payload)

	typ := "UPDATE"
	if m.Get("old").Type == gjson.Null {
		typ = "INSERT"
	}
	c, ok := parseChange(typ, m.Get("new"), m.Get("old"))
	if !ok {
		return Change{}, false
	}
	if p.userID != "" && !strings.EqualFold(c.New.UserID, p.userID) {
		return Change{}, false
	}
	return c, true
}
