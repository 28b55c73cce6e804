// Package sse streams catalog events to browsers as Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/starford/mediacat/internal/events"
	"github.com/starford/mediacat/internal/metrics"
)

// Source is the bus surface the broker subscribes to.
type Source interface {
	Subscribe(buffer int, kinds ...string) *events.Subscription
	Unsubscribe(s *events.Subscription)
}

// Broker serves GET /api/events. Each client gets its own bus subscription,
// so a slow browser only loses its own events.
type Broker struct {
	src       Source
	heartbeat time.Duration
	logger    *slog.Logger
	clients   atomic.Int64
}

// NewBroker creates a broker with the given heartbeat interval.
func NewBroker(src Source, heartbeat time.Duration, logger *slog.Logger) *Broker {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{src: src, heartbeat: heartbeat, logger: logger}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	return int(b.clients.Load())
}

// Format renders an envelope as one SSE message.
func Format(env events.Envelope) ([]byte, error) {
	payload, err := json.Marshal(env.Event)
	if err != nil {
		return nil, err
	}
	return fmt.Appendf(nil, "id: %s\nevent: %s\ndata: %s\n\n", env.ID, env.Kind, payload), nil
}

func parseKinds(raw string) []string {
	if raw == "" {
		return nil
	}
	var kinds []string
	for k := range strings.SplitSeq(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func (b *Broker) track(delta int64) {
	metrics.SetSSEConnectionsActive(int(b.clients.Add(delta)))
}

// ServeHTTP streams events until the client disconnects or the bus closes.
// The optional "kinds" query parameter narrows the stream.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := b.src.Subscribe(64, parseKinds(r.URL.Query().Get("kinds"))...)
	defer b.src.Unsubscribe(sub)

	b.track(1)
	defer b.track(-1)

	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case env, ok := <-sub.C:
			if !ok {
				return
			}
			msg, err := Format(env)
			if err != nil {
				b.logger.Error("sse: encode event", slog.String("kind", env.Kind), slog.String("error", err.Error()))
				continue
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
