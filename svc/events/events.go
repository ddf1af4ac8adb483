// Package events announces paste lifecycle changes to other services.
// Publishing is best effort: failures are logged and counted, never returned
// to the request that triggered them.
package events

import (
	"context"
	"encoding/json"
	"psst/metrics"
	"psst/svc/util"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

const SubjectPasteCreated = "paste.created"

type PasteCreated struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Visibility string    `json:"visibility"`
	IsSecured  bool      `json:"is_secured"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
}

type Publisher interface {
	PasteCreated(ctx context.Context, ev PasteCreated)
	Close()
}

type Noop struct{}

func (Noop) PasteCreated(context.Context, PasteCreated) {}
func (Noop) Close()                                    {}

type NATS struct {
	conn *nats.Conn
}

func NewNATS(url string) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("psst"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				util.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			util.Info().Str("url", util.RedactURL(c.ConnectedUrl())).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	return &NATS{conn: conn}, nil
}

func (n *NATS) PasteCreated(ctx context.Context, ev PasteCreated) {
	data, err := Encode(ev)
	if err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		util.Ctx(ctx).Warn().Err(err).Str("id", ev.ID).Msg("encode paste.created")
		return
	}
	if err := n.conn.Publish(SubjectPasteCreated, data); err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		util.Ctx(ctx).Warn().Err(err).Str("id", ev.ID).Msg("publish paste.created")
		return
	}
	metrics.EventsPublished.WithLabelValues("ok").Inc()
}

// Ping round-trips to the server so /ready can report the connection.
func (n *NATS) Ping(ctx context.Context) error {
	if !n.conn.IsConnected() {
		return errors.Errorf("nats %s", n.conn.Status())
	}
	return errors.Wrap(n.conn.FlushWithContext(ctx), "nats flush")
}

// Close flushes buffered messages before closing the connection.
func (n *NATS) Close() {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}

func Encode(ev PasteCreated) ([]byte, error) {
	return json.Marshal(ev)
}
