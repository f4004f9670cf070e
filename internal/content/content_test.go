package content

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestStream(t *testing.T) {
	dir := t.TempDir()
	data := strings.Repeat("pathlight streams in chunks\n", 4096)
	p := writeFile(t, dir, "big.txt", data)

	var buf bytes.Buffer
	svc := NewService(100)
	if err := svc.Stream(context.Background(), &buf, p); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if buf.String() != data {
		t.Errorf("streamed %d bytes, want %d", buf.Len(), len(data))
	}
}

func TestStreamCancelled(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "x.txt", "hello")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	svc := NewService(100)
	if err := svc.Stream(ctx, &buf, p); err == nil {
		t.Error("expected error from cancelled context")
	}
}

func TestStreamMissingFile(t *testing.T) {
	svc := NewService(100)
	if err := svc.Stream(context.Background(), &bytes.Buffer{}, filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSearchFile(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "log.txt", "first line\nsecond foobar line\nthird line\n")

	svc := NewService(100)
	matches, err := svc.SearchFile(context.Background(), p, "foo")
	if err != nil {
		t.Fatalf("SearchFile: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("expected at least one match")
	}
	if matches[0].Line != 2 {
		t.Errorf("top match line = %d, want 2", matches[0].Line)
	}
	if !strings.Contains(matches[0].Snippet, "foobar") {
		t.Errorf("snippet = %q, should contain the hit", matches[0].Snippet)
	}
}

func TestSearchFileLimit(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "many.txt", strings.Repeat("needle here\n", 50))

	svc := NewService(5)
	matches, err := svc.SearchFile(context.Background(), p, "needle")
	if err != nil {
		t.Fatalf("SearchFile: %v", err)
	}
	if len(matches) != 5 {
		t.Errorf("matches = %d, want limit 5", len(matches))
	}
}

func TestSearchFileNoMatch(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "a.txt", "alpha\nbeta\n")

	svc := NewService(100)
	matches, err := svc.SearchFile(context.Background(), p, "zzzzqqq")
	if err != nil {
		t.Fatalf("SearchFile: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("matches = %v, want none", matches)
	}
}

func TestSnippetWindow(t *testing.T) {
	long := strings.Repeat("x", 300) + "needle" + strings.Repeat("y", 300)
	got := snippet(long, "needle")
	if len(got) > snippetWidth {
		t.Errorf("snippet length = %d, want <= %d", len(got), snippetWidth)
	}
	if !strings.Contains(got, "needle") {
		t.Errorf("snippet %q should contain the literal hit", got)
	}

	// Fuzzy-only hit falls back to a bounded prefix.
	got = snippet(strings.Repeat("z", 400), "needle")
	if len(got) != snippetWidth {
		t.Errorf("fallback snippet length = %d, want %d", len(got), snippetWidth)
	}
}

func TestSnippetRuneBoundaries(t *testing.T) {
	// Multi-byte characters surround the hit; both window cuts land
	// mid-rune unless they are adjusted.
	lines := []string{
		strings.Repeat("é", 200) + "needle" + strings.Repeat("é", 200),
		strings.Repeat("世", 150) + "needle" + strings.Repeat("界", 150),
		strings.Repeat("ü", 400), // fallback path, no literal hit
	}
	for _, line := range lines {
		got := snippet(line, "needle")
		if !utf8.ValidString(got) {
			t.Errorf("snippet split a rune: %q", got)
		}
		if len(got) > snippetWidth {
			t.Errorf("snippet length = %d, want <= %d", len(got), snippetWidth)
		}
		if strings.Contains(line, "needle") && !strings.Contains(got, "needle") {
			t.Errorf("snippet %q should contain the literal hit", got)
		}
	}
}
