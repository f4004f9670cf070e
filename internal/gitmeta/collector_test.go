package gitmeta

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pathlight/pathlight/internal/store"
)

func TestParseRemotes(t *testing.T) {
	out := "origin\tgit@example.com:x/y.git (fetch)\n" +
		"origin\tgit@example.com:x/y.git (push)\n" +
		"upstream\thttps://example.com/z.git (fetch)\n" +
		"upstream\thttps://example.com/z.git (push)\n"

	remotes := parseRemotes(out)
	if len(remotes) != 2 {
		t.Fatalf("remotes = %d, want 2", len(remotes))
	}
	if remotes[0].Name != "origin" || remotes[0].FetchURL != "git@example.com:x/y.git" {
		t.Errorf("origin = %+v", remotes[0])
	}
	if remotes[1].Name != "upstream" {
		t.Errorf("order not preserved: %+v", remotes)
	}
}

func TestParseRemotesDefaultsMissingDirection(t *testing.T) {
	remotes := parseRemotes("origin\thttps://example.com/a.git (fetch)\n")
	if len(remotes) != 1 {
		t.Fatalf("remotes = %d, want 1", len(remotes))
	}
	if remotes[0].PushURL != remotes[0].FetchURL {
		t.Errorf("push URL should default to fetch URL: %+v", remotes[0])
	}
}

func TestParseRemotesEmpty(t *testing.T) {
	if remotes := parseRemotes(""); len(remotes) != 0 {
		t.Errorf("remotes = %v, want none", remotes)
	}
}

func TestCountLines(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"main", 1},
		{"main\ndev", 2},
	}
	for _, tt := range tests {
		if got := countLines(tt.in); got != tt.want {
			t.Errorf("countLines(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestLimitWriterCapsOutput(t *testing.T) {
	lw := &limitWriter{w: &bytes.Buffer{}, remaining: 4}
	if _, err := lw.Write([]byte("abcd")); err != nil {
		t.Fatalf("within limit: %v", err)
	}
	if _, err := lw.Write([]byte("e")); err == nil {
		t.Error("expected error past the limit")
	}
}

func TestDisabledCollectorRefreshIsNoOp(t *testing.T) {
	st, err := store.New()
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer st.Close()

	c := &Collector{store: st, binary: "definitely-not-a-real-binary", timeout: time.Second, maxOutput: 1 << 20}
	c.disabled.Store(true)

	changed, err := c.Refresh(context.Background(), "/", t.TempDir())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if changed {
		t.Error("disabled collector should report no change")
	}
}

func TestRefreshClearsNonRepo(t *testing.T) {
	st, err := store.New()
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	dir := t.TempDir()
	if _, err := st.UpsertEntry(ctx, &store.Entry{Path: "/", Name: "root", Kind: store.KindDirectory}); err != nil {
		t.Fatalf("UpsertEntry: %v", err)
	}
	if err := st.UpsertRepo(ctx, &store.Repo{Path: "/", DetectedAt: 1, Branch: "stale"}); err != nil {
		t.Fatalf("UpsertRepo: %v", err)
	}

	// No .git in dir, so the git binary is never executed.
	c := &Collector{store: st, binary: "git", timeout: time.Second, maxOutput: 1 << 20}
	changed, err := c.Refresh(ctx, "/", dir)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !changed {
		t.Error("clearing stale metadata should report a change")
	}
	if _, err := st.GetRepo(ctx, "/"); err != store.ErrNotFound {
		t.Errorf("repo metadata should be cleared, got %v", err)
	}
}
