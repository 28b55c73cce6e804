package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/mediacat/internal/events"
	"github.com/starford/mediacat/internal/library"
	"github.com/starford/mediacat/internal/models"
	"github.com/starford/mediacat/internal/ordering"
	"github.com/starford/mediacat/internal/reconcile"
	"github.com/starford/mediacat/internal/testutil"
)

func testServer(t *testing.T, files ...string) (*Server, string) {
	t.Helper()

	db := testutil.TestDB(t)
	root, lib := testutil.TestLibrary(t)
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	logger := testutil.Logger()
	rec := reconcile.New(db, lib, bus, reconcile.WithLogger(logger))
	eng := ordering.NewEngine(db, bus, ordering.WithEngineLogger(logger))
	svc := library.NewService(lib, db, rec, eng, bus, library.WithLogger(logger))

	batch := models.ChangeBatch{IsFullLoad: true}
	for _, f := range files {
		testutil.WriteFile(t, root, f, "data:"+f)
		batch.Records = append(batch.Records, models.ChangeRecord{ID: models.FileRef(f), IsDownloaded: true})
	}
	if _, err := rec.Sync(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
	return New(svc), root
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	var result *mcp.CallToolResult
	var err error

	switch name {
	case "list_entries":
		result, err = srv.listEntries(ctx, req)
	case "next_entry":
		result, err = srv.nextEntry(ctx, req)
	case "prev_entry":
		result, err = srv.prevEntry(ctx, req)
	case "sort_catalog":
		result, err = srv.sortCatalog(ctx, req)
	case "toggle_like":
		result, err = srv.toggleLike(ctx, req)
	case "fetch_audio":
		result, err = srv.fetchAudio(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestListEntries(t *testing.T) {
	srv, _ := testServer(t, "b.mp3", "a.mp3")

	r := callTool(t, srv, "list_entries", map[string]interface{}{})
	if r.IsError {
		t.Fatalf("list failed: %s", resultText(r))
	}
	var resp struct {
		Entries []models.Entry `json:"entries"`
		Total   int            `json:"total"`
	}
	if err := json.Unmarshal([]byte(resultText(r)), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 2 || resp.Entries[0].ID != "a.mp3" {
		t.Errorf("unexpected listing %+v", resp)
	}
}

func TestNextPrevWrap(t *testing.T) {
	srv, _ := testServer(t, "a.mp3", "b.mp3")

	r := callTool(t, srv, "next_entry", map[string]interface{}{"id": "b.mp3"})
	if !strings.Contains(resultText(r), `"id": "a.mp3"`) {
		t.Errorf("next of last should wrap, got %s", resultText(r))
	}
	r = callTool(t, srv, "prev_entry", map[string]interface{}{"id": "a.mp3"})
	if !strings.Contains(resultText(r), `"id": "b.mp3"`) {
		t.Errorf("prev of first should wrap, got %s", resultText(r))
	}

	r = callTool(t, srv, "next_entry", map[string]interface{}{"id": "ghost.mp3"})
	if !r.IsError || !strings.HasPrefix(resultText(r), "not found") {
		t.Errorf("expected not found, got %s", resultText(r))
	}
	r = callTool(t, srv, "next_entry", map[string]interface{}{})
	if !r.IsError {
		t.Error("missing id should fail")
	}
}

func TestSortCatalog(t *testing.T) {
	srv, _ := testServer(t, "a.mp3", "b.mp3")

	r := callTool(t, srv, "sort_catalog", map[string]interface{}{"mode": "sticky", "sticky": "b.mp3"})
	if r.IsError {
		t.Fatalf("sticky sort failed: %s", resultText(r))
	}
	r = callTool(t, srv, "prev_entry", map[string]interface{}{"id": "a.mp3"})
	if !strings.Contains(resultText(r), `"id": "b.mp3"`) {
		t.Errorf("pinned entry should precede a.mp3, got %s", resultText(r))
	}

	r = callTool(t, srv, "sort_catalog", map[string]interface{}{"mode": "shuffle"})
	if !r.IsError {
		t.Error("unknown mode should fail")
	}
}

func TestToggleLike(t *testing.T) {
	srv, _ := testServer(t, "a.mp3")

	r := callTool(t, srv, "toggle_like", map[string]interface{}{"id": "a.mp3"})
	if !strings.Contains(resultText(r), `"like": true`) {
		t.Errorf("toggle should like, got %s", resultText(r))
	}
	r = callTool(t, srv, "toggle_like", map[string]interface{}{"id": "a.mp3", "like": true})
	if !strings.Contains(resultText(r), `"like": true`) {
		t.Errorf("explicit true should stay liked, got %s", resultText(r))
	}
	r = callTool(t, srv, "toggle_like", map[string]interface{}{"id": "a.mp3"})
	if !strings.Contains(resultText(r), `"like": false`) {
		t.Errorf("toggle should unlike, got %s", resultText(r))
	}
}

func TestFetchAudio_DataURI(t *testing.T) {
	srv, root := testServer(t)

	uri := "data:audio/mpeg;base64," + base64.StdEncoding.EncodeToString([]byte("fake mp3 body"))
	r := callTool(t, srv, "fetch_audio", map[string]interface{}{
		"url":         uri,
		"filename":    "my song.mp3",
		"destination": "inbox",
	})
	if r.IsError {
		t.Fatalf("fetch failed: %s", resultText(r))
	}
	var res fetchResult
	if err := json.Unmarshal([]byte(resultText(r)), &res); err != nil {
		t.Fatal(err)
	}
	if res.ID != "inbox/my_song.mp3" {
		t.Errorf("id = %q", res.ID)
	}
	data, err := os.ReadFile(filepath.Join(root, "inbox", "my_song.mp3"))
	if err != nil || string(data) != "fake mp3 body" {
		t.Errorf("copy = %q, %v", data, err)
	}
}

func TestFetchAudio_Rejected(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "fetch_audio", map[string]interface{}{
		"url":      "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("x")),
		"filename": "notes.txt",
	})
	if !r.IsError {
		t.Error("non-audio file should be rejected")
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer ts.Close()
	r = callTool(t, srv, "fetch_audio", map[string]interface{}{"url": ts.URL + "/a.mp3"})
	if !r.IsError || !strings.Contains(resultText(r), "loopback") {
		t.Errorf("loopback fetch should be blocked, got %s", resultText(r))
	}

	r = callTool(t, srv, "fetch_audio", map[string]interface{}{"url": "ftp://example.com/a.mp3"})
	if !r.IsError {
		t.Error("ftp should be rejected")
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd.mp3": "passwd.mp3",
		"my song.mp3":          "my_song.mp3",
		"ok-name_1.flac":       "ok-name_1.flac",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStatusResource(t *testing.T) {
	srv, _ := testServer(t, "a.mp3")
	contents, err := srv.readStatusResource(context.Background(), mcp.ReadResourceRequest{})
	if err != nil {
		t.Fatal(err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	if !strings.Contains(text, `"entries":1`) || !strings.Contains(text, `"backend":"local"`) {
		t.Errorf("unexpected status %s", text)
	}
}
