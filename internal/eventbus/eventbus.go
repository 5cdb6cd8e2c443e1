// Package eventbus implements the optional NATS publisher described in
// SPEC_FULL.md §11: it republishes every DrvBuildEvent onto a configurable
// subject so external dashboards can subscribe instead of polling the
// HTTP API. Disabled by default; connection failures are logged and never
// fatal, matching "the Store append always succeeds independent of bus
// publish" (§3).
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nwimmer/ekaci/internal/drv"
	ekerrors "github.com/nwimmer/ekaci/internal/errors"
	"github.com/nwimmer/ekaci/internal/logfields"
)

// Publisher republishes build events onto a NATS subject. It satisfies
// internal/scheduler.EventPublisher.
type Publisher struct {
	subject string

	mu   sync.RWMutex
	conn *nats.Conn
}

type eventMessage struct {
	DrvID     string    `json:"drv_id"`
	Attempt   int       `json:"build_attempt"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// Connect dials url and returns a Publisher that republishes onto subject.
// A connection failure is returned to the caller so startup can log it and
// continue without an event bus (it is never a reason to refuse to start).
func Connect(url, subject string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("eventbus: disconnected", logfields.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("eventbus: reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, ekerrors.Wrap(ekerrors.KindTransport, "connect to nats", err).WithContext("url", url)
	}
	return &Publisher{subject: subject, conn: conn}, nil
}

// Publish republishes ev. Errors are logged, never returned or panicked on,
// since a lost bus message must never affect the Store's own durability.
func (p *Publisher) Publish(_ context.Context, ev drv.Event) {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return
	}

	data, err := json.Marshal(eventMessage{
		DrvID:     string(ev.BuildID.DrvID),
		Attempt:   ev.BuildID.Attempt,
		State:     ev.State.String(),
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		slog.Warn("eventbus: failed to marshal event", logfields.DrvID(string(ev.BuildID.DrvID)), logfields.Error(err))
		return
	}

	if err := conn.Publish(p.subject, data); err != nil {
		slog.Warn("eventbus: publish failed", logfields.DrvID(string(ev.BuildID.DrvID)), logfields.Error(err))
	}
}

// Close closes the underlying connection without draining it.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}
