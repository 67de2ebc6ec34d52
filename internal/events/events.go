// Package events publishes task lifecycle transitions to interested
// listeners outside the process.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/seantiz/cloudflyer/internal/model"
)

// SubjectPrefix prefixes every NATS subject; the task status is appended.
const SubjectPrefix = "cloudflyer.task."

// Event describes one task transition.
type Event struct {
	TaskID string         `json:"task_id"`
	Type   model.TaskType `json:"type"`
	Status model.Status   `json:"status"`
	Code   int            `json:"code,omitempty"`
	Error  string         `json:"error,omitempty"`
	At     time.Time      `json:"at"`
}

// FromTask builds the event for t's current state.
func FromTask(t *model.Task, at time.Time) Event {
	ev := Event{TaskID: t.ID, Type: t.Type, Status: t.Status, At: at}
	if t.Result != nil {
		ev.Code = t.Result.Code
		ev.Error = t.Result.Error
	}
	return ev
}

// Subject returns the NATS subject for ev.
func (ev Event) Subject() string {
	return SubjectPrefix + string(ev.Status)
}

// Publisher delivers lifecycle events. Publishing is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// NATSPublisher sends events as JSON to cloudflyer.task.<status>.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

var (
	_ Publisher = Nop{}
	_ Publisher = (*NATSPublisher)(nil)
)

// ConnectNATS dials the NATS server at url.
func ConnectNATS(url string, logger *slog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("cloudflyer"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &NATSPublisher{conn: nc, logger: logger}, nil
}

// Publish encodes ev and publishes it. Core NATS publishes are buffered,
// so the context is unused.
func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.conn.Publish(ev.Subject(), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Subject(), err)
	}
	return nil
}

// Close flushes pending events and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}
