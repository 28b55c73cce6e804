package natsbridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/mediacat/internal/events"
)

type fakeConn struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string]nats.MsgHandler
}

func newFakeConn() *fakeConn {
	return &fakeConn{published: map[string][][]byte{}, handlers: map[string]nats.MsgHandler{}}
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[subj] = append(f.published[subj], data)
	return nil
}

func (f *fakeConn) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[subj] = cb
	return nil, nil
}

func (f *fakeConn) handler(subj string) nats.MsgHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[subj]
}

func (f *fakeConn) count(subj string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[subj])
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestBridge_ForwardsAndAccepts(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	conn := newFakeConn()
	br := New(conn, bus, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- br.Run(ctx) }()

	waitFor(t, func() bool { return conn.handler("mediacat.copy-files-requested") != nil })

	// Outbound.
	waitFor(t, func() bool {
		bus.Publish(events.Synced{Inserted: 1})
		return conn.count("mediacat.synced") > 0
	})
	conn.mu.Lock()
	var env map[string]any
	require.NoError(t, json.Unmarshal(conn.published["mediacat.synced"][0], &env))
	conn.mu.Unlock()
	assert.Equal(t, "synced", env["kind"])

	// Inbound copy requests land on the bus and are not echoed back.
	local := bus.Subscribe(4, events.KindCopyFilesRequested)
	data, _ := json.Marshal(events.CopyFilesRequested{RequestID: "r1", Paths: []string{"/tmp/a.mp3"}})
	conn.handler("mediacat.copy-files-requested")(&nats.Msg{Data: data})

	select {
	case got := <-local.C:
		assert.Equal(t, "r1", got.Event.(events.CopyFilesRequested).RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("copy request not republished")
	}
	assert.Zero(t, conn.count("mediacat.copy-files-requested"))

	conn.handler("mediacat.copy-files-requested")(&nats.Msg{Data: []byte("not json")})

	cancel()
	require.NoError(t, <-done)
}

func TestSubject(t *testing.T) {
	br := New(newFakeConn(), nil, "media", nil)
	assert.Equal(t, "media.audio-deleted", br.Subject(events.KindAudioDeleted))
}
