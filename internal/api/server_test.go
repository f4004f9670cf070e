package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pathlight/pathlight/internal/content"
	"github.com/pathlight/pathlight/internal/events"
	"github.com/pathlight/pathlight/internal/index"
	"github.com/pathlight/pathlight/internal/search"
	"github.com/pathlight/pathlight/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *events.Broadcaster, string) {
	t.Helper()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src", "b"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "src", "a.txt"), []byte("hello pathlight\nsecond foobar line\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "src", "b", "c.txt"), []byte("ccc"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	st, err := store.New()
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cache := search.NewCache(st, 100)
	broadcaster := events.NewBroadcaster()
	ix, err := index.New(index.Options{
		Root:         root,
		Store:        st,
		Cache:        cache,
		Broadcaster:  broadcaster,
		PollInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("index.New: %v", err)
	}
	if err := ix.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	ix.Wait()

	srv := NewServer(root, cache, ix, content.NewService(100), broadcaster)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, broadcaster, root
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return out
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)
	out := getJSON(t, ts.URL+"/health", http.StatusOK)
	if out["status"] != "ok" {
		t.Errorf("health = %v", out)
	}
}

func TestTreeEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)
	out := getJSON(t, ts.URL+"/api/v1/tree", http.StatusOK)
	if out["path"] != "/" || out["kind"] != "directory" {
		t.Errorf("tree root = %v", out)
	}
	children, ok := out["children"].([]any)
	if !ok || len(children) != 1 {
		t.Fatalf("root children = %v", out["children"])
	}
}

func TestEntryEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	out := getJSON(t, ts.URL+"/api/v1/entry/src/b/c.txt", http.StatusOK)
	if out["path"] != "/src/b/c.txt" || out["kind"] != "file" {
		t.Errorf("entry = %v", out)
	}

	getJSON(t, ts.URL+"/api/v1/entry/missing.txt", http.StatusNotFound)
}

func TestSearchEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	out := getJSON(t, ts.URL+"/api/v1/search?q=ctxt", http.StatusOK)
	if out["count"].(float64) == 0 {
		t.Error("expected fuzzy matches")
	}

	// Malformed tag filter.
	getJSON(t, ts.URL+"/api/v1/search?tags=nocolon", http.StatusBadRequest)
}

func TestSearchWithTagFilter(t *testing.T) {
	ts, _, _ := newTestServer(t)

	// Tag one file, then filter on it.
	body := strings.NewReader(`{"key":"lang","value":"txt"}`)
	resp, err := http.Post(ts.URL+"/api/v1/tags/src/a.txt", "application/json", body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tag status = %d", resp.StatusCode)
	}

	out := getJSON(t, ts.URL+"/api/v1/search?tags=lang:txt", http.StatusOK)
	if out["count"].(float64) != 1 {
		t.Errorf("filtered count = %v, want 1", out["count"])
	}
}

func TestSuggestEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)
	out := getJSON(t, ts.URL+"/api/v1/suggest?q=", http.StatusOK)
	suggestions, ok := out["suggestions"].([]any)
	if !ok || len(suggestions) == 0 {
		t.Fatalf("suggestions = %v", out["suggestions"])
	}
}

func TestContentEndpoint(t *testing.T) {
	ts, _, root := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/content/src/b/c.txt")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	buf := make([]byte, 16)
	n, _ := resp.Body.Read(buf)
	if string(buf[:n]) != "ccc" {
		t.Errorf("body = %q", buf[:n])
	}

	// The file grows after the scan; Content-Length must track the
	// disk, not the cached entry.
	if err := os.WriteFile(filepath.Join(root, "src", "b", "c.txt"), []byte("cccddd"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	resp2, err := http.Get(ts.URL + "/api/v1/content/src/b/c.txt")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp2.Body.Close()
	if got := resp2.Header.Get("Content-Length"); got != "6" {
		t.Errorf("Content-Length = %q, want 6", got)
	}
	body, err := io.ReadAll(resp2.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "cccddd" {
		t.Errorf("body = %q, want cccddd", body)
	}

	// Directories are not streamable.
	getJSON(t, ts.URL+"/api/v1/content/src", http.StatusBadRequest)
	getJSON(t, ts.URL+"/api/v1/content/nope", http.StatusNotFound)

	// Indexed but gone from disk.
	if err := os.Remove(filepath.Join(root, "src", "a.txt")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	getJSON(t, ts.URL+"/api/v1/content/src/a.txt", http.StatusNotFound)
}

func TestFileSearchEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	out := getJSON(t, ts.URL+"/api/v1/filesearch/src/a.txt?q=foo", http.StatusOK)
	matches, ok := out["matches"].([]any)
	if !ok || len(matches) == 0 {
		t.Fatalf("matches = %v", out["matches"])
	}
	first := matches[0].(map[string]any)
	if first["line"].(float64) != 2 {
		t.Errorf("line = %v, want 2", first["line"])
	}

	getJSON(t, ts.URL+"/api/v1/filesearch/src/a.txt", http.StatusBadRequest)
	getJSON(t, ts.URL+"/api/v1/filesearch/src?q=foo", http.StatusBadRequest)
	getJSON(t, ts.URL+"/api/v1/filesearch/nope?q=foo", http.StatusNotFound)
}

func TestTagEndpoints(t *testing.T) {
	ts, _, _ := newTestServer(t)

	// Unknown path.
	resp, err := http.Post(ts.URL+"/api/v1/tags/ghost.txt", "application/json",
		strings.NewReader(`{"key":"k","value":"v"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", resp.StatusCode)
	}

	// Missing fields.
	resp, err = http.Post(ts.URL+"/api/v1/tags/src/a.txt", "application/json",
		strings.NewReader(`{"key":"k"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing value status = %d, want 400", resp.StatusCode)
	}

	// Add then remove.
	resp, err = http.Post(ts.URL+"/api/v1/tags/src/a.txt", "application/json",
		strings.NewReader(`{"key":"status","value":"draft"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("add status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete,
		ts.URL+"/api/v1/tags/src/a.txt?key=status&value=draft", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}

	// Missing parameters.
	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/tags/src/a.txt", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing params status = %d, want 400", resp.StatusCode)
	}
}

func TestEventsEndpoint(t *testing.T) {
	ts, broadcaster, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Let the subscription land before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for broadcaster.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	broadcaster.Publish(events.Event{Kind: events.EntryAdded, Path: "/live.txt"})

	scanner := bufio.NewScanner(resp.Body)
	var sawEvent, sawData bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: entry-added" {
			sawEvent = true
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, "/live.txt") {
			sawData = true
			break
		}
	}
	if !sawEvent || !sawData {
		t.Errorf("sawEvent=%v sawData=%v", sawEvent, sawData)
	}
}
