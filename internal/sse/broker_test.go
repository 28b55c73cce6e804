package sse

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/mediacat/internal/events"
)

func TestFormat(t *testing.T) {
	msg, err := Format(events.Envelope{ID: "e1", Kind: events.KindSynced, Event: events.Synced{Inserted: 2}})
	if err != nil {
		t.Fatal(err)
	}
	s := string(msg)
	if !strings.HasPrefix(s, "id: e1\nevent: synced\n") {
		t.Errorf("bad header in %q", s)
	}
	if !strings.Contains(s, `"inserted":2`) {
		t.Errorf("missing data in %q", s)
	}
	if !strings.HasSuffix(s, "\n\n") {
		t.Errorf("missing terminator in %q", s)
	}
}

func TestParseKinds(t *testing.T) {
	if got := parseKinds(""); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	got := parseKinds("synced, audio-updated,,")
	if len(got) != 2 || got[0] != "synced" || got[1] != "audio-updated" {
		t.Fatalf("unexpected kinds %v", got)
	}
}

func TestServeHTTP_StreamsEvents(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	b := NewBroker(bus, time.Hour, nil)

	srv := httptest.NewServer(b)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?kinds=sort-done", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", b.ClientCount())
	}

	// Filtered out.
	bus.Publish(events.Synced{Inserted: 1})
	bus.Publish(events.SortDone{Mode: "random"})

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" && len(lines) > 0 {
			break
		}
		lines = append(lines, line)
	}
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "event: sort-done") {
		t.Fatalf("expected sort-done event, got %q", joined)
	}
	if strings.Contains(joined, "event: synced") {
		t.Fatalf("synced should be filtered, got %q", joined)
	}
}

func TestServeHTTP_ClientDisconnect(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	b := NewBroker(bus, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after disconnect")
	}
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after disconnect, got %d", b.ClientCount())
	}
}
