// Package natsbridge mirrors bus events onto NATS subjects and accepts
// copy requests from other processes.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/starford/mediacat/internal/events"
)

// DefaultPrefix is the subject prefix when none is configured.
const DefaultPrefix = "mediacat"

// Conn is the part of *nats.Conn the bridge uses.
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Bus is the local event bus surface the bridge uses.
type Bus interface {
	events.Publisher
	Subscribe(buffer int, kinds ...string) *events.Subscription
	Unsubscribe(s *events.Subscription)
}

// Connect dials NATS with reconnect logging.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("natsbridge: disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("natsbridge: reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natsbridge: connect: %w", err)
	}
	return nc, nil
}

// Bridge forwards outbound bus events to NATS and inbound copy requests to
// the bus.
type Bridge struct {
	conn   Conn
	bus    Bus
	prefix string
	logger *slog.Logger
}

// New creates a Bridge. An empty prefix becomes DefaultPrefix.
func New(conn Conn, bus Bus, prefix string, logger *slog.Logger) *Bridge {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{conn: conn, bus: bus, prefix: prefix, logger: logger}
}

// Subject returns the NATS subject for an event kind.
func (b *Bridge) Subject(kind string) string {
	return b.prefix + "." + kind
}

// Run bridges until ctx is done or the bus closes.
func (b *Bridge) Run(ctx context.Context) error {
	inbound, err := b.conn.Subscribe(b.Subject(events.KindCopyFilesRequested), b.handleCopyRequest)
	if err != nil {
		return fmt.Errorf("natsbridge: subscribe: %w", err)
	}
	if inbound != nil {
		defer inbound.Unsubscribe() //nolint:errcheck // best effort on shutdown
	}

	sub := b.bus.Subscribe(256,
		events.KindSyncingStarted,
		events.KindSynced,
		events.KindSortingStarted,
		events.KindSortDone,
		events.KindAudioUpdated,
		events.KindAudioDeleted,
	)
	defer b.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-sub.C:
			if !ok {
				return nil
			}
			b.forward(env)
		}
	}
}

func (b *Bridge) forward(env events.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("natsbridge: marshal", slog.String("kind", env.Kind), slog.String("error", err.Error()))
		return
	}
	if err := b.conn.Publish(b.Subject(env.Kind), data); err != nil {
		b.logger.Warn("natsbridge: publish failed",
			slog.String("subject", b.Subject(env.Kind)),
			slog.String("error", err.Error()))
	}
}

func (b *Bridge) handleCopyRequest(msg *nats.Msg) {
	var req events.CopyFilesRequested
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		b.logger.Warn("natsbridge: bad copy request", slog.String("error", err.Error()))
		return
	}
	if len(req.Paths) == 0 {
		return
	}
	b.logger.Info("natsbridge: copy request",
		slog.String("request_id", req.RequestID),
		slog.Int("paths", len(req.Paths)))
	b.bus.Publish(req)
}
