// Package gitmeta derives repository metadata for directories that are
// version-control roots by shelling out to the git binary.
package gitmeta

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pathlight/pathlight/internal/logging"
	"github.com/pathlight/pathlight/internal/metrics"
	"github.com/pathlight/pathlight/internal/store"
)

var errOutputLimit = errors.New("command output limit exceeded")

// Collector gathers repository metadata and records it in the store.
// Concurrent refreshes for the same directory are coalesced; refreshes
// for different directories proceed independently.
type Collector struct {
	store     *store.Store
	binary    string
	timeout   time.Duration
	maxOutput int64

	group    singleflight.Group
	disabled atomic.Bool
}

// New creates a collector. When the git binary cannot be found the
// collector disables itself for the process lifetime: every subsequent
// Refresh reports no metadata without attempting execution.
func New(st *store.Store, timeout time.Duration, maxOutput int64) *Collector {
	c := &Collector{
		store:     st,
		binary:    "git",
		timeout:   timeout,
		maxOutput: maxOutput,
	}
	if _, err := exec.LookPath(c.binary); err != nil {
		c.disable(err)
	}
	return c
}

// Disabled reports whether metadata collection is disabled.
func (c *Collector) Disabled() bool {
	return c.disabled.Load()
}

func (c *Collector) disable(err error) {
	if c.disabled.CompareAndSwap(false, true) {
		logging.Warn("git binary unavailable, repository metadata disabled",
			zap.Error(err))
	}
}

// Refresh collects metadata for the directory at abs and stores it
// under the canonical path. It reports whether stored state changed.
// Directories that are not repository roots have any stale metadata
// cleared. Transient tool failures are treated as "no metadata".
func (c *Collector) Refresh(ctx context.Context, canonical, abs string) (bool, error) {
	if c.disabled.Load() {
		return false, nil
	}

	v, err, _ := c.group.Do(canonical, func() (any, error) {
		return c.refresh(ctx, canonical, abs)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (c *Collector) refresh(ctx context.Context, canonical, abs string) (bool, error) {
	start := time.Now()

	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return c.clear(ctx, canonical)
	}
	if _, err := os.Stat(filepath.Join(abs, ".git")); err != nil {
		return c.clear(ctx, canonical)
	}

	top, err := c.run(ctx, abs, "rev-parse", "--show-toplevel")
	if err != nil {
		// Not a repository, or the tool timed out. Either way: no metadata.
		metrics.RecordGitCollection("miss", time.Since(start))
		return c.clear(ctx, canonical)
	}
	if filepath.Clean(top) != filepath.Clean(abs) {
		// Sub-directory of an ancestor repository; never store metadata
		// below the repository root.
		metrics.RecordGitCollection("subdir", time.Since(start))
		return c.clear(ctx, canonical)
	}

	repo := &store.Repo{
		Path:       canonical,
		DetectedAt: time.Now().UnixMilli(),
	}

	// Each fact is collected independently; individual failures leave
	// the field at its zero value.
	if branch, err := c.run(ctx, abs, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		if branch == "HEAD" {
			// Detached: fall back to the short commit id.
			if short, err := c.run(ctx, abs, "rev-parse", "--short", "HEAD"); err == nil {
				branch = short
			}
		}
		repo.Branch = branch
	}
	if out, err := c.run(ctx, abs, "rev-list", "--count", "HEAD"); err == nil {
		if n, err := strconv.Atoi(out); err == nil {
			repo.CommitCount = n
		}
	}
	if out, err := c.run(ctx, abs, "for-each-ref", "--format=%(refname:short)", "refs/heads"); err == nil {
		repo.BranchCount = countLines(out)
	}
	if out, err := c.run(ctx, abs, "remote", "-v"); err == nil {
		repo.Remotes = parseRemotes(out)
	}

	if err := c.store.UpsertRepo(ctx, repo); err != nil {
		metrics.RecordGitCollection("error", time.Since(start))
		return false, fmt.Errorf("store repo metadata: %w", err)
	}

	metrics.RecordGitCollection("ok", time.Since(start))
	logging.Debug("collected repository metadata",
		zap.String("path", canonical),
		zap.String("branch", repo.Branch),
		zap.Int("commits", repo.CommitCount),
		zap.Int("remotes", len(repo.Remotes)))
	return true, nil
}

func (c *Collector) clear(ctx context.Context, canonical string) (bool, error) {
	removed, err := c.store.DeleteRepo(ctx, canonical)
	if err != nil {
		return false, fmt.Errorf("clear repo metadata: %w", err)
	}
	return removed, nil
}

// run executes one git command with the configured timeout and output
// cap. Output over the cap aborts the command.
func (c *Collector) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.binary, append([]string{"-C", dir}, args...)...)
	var buf bytes.Buffer
	cmd.Stdout = &limitWriter{w: &buf, remaining: c.maxOutput}
	cmd.Stderr = nil

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			c.disable(err)
		}
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// parseRemotes parses `git remote -v` output. Remotes are deduplicated
// by name; a missing push URL defaults to the fetch URL and vice versa.
func parseRemotes(out string) []store.Remote {
	byName := make(map[string]*store.Remote)
	var order []string

	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name, url := fields[0], fields[1]
		r, ok := byName[name]
		if !ok {
			r = &store.Remote{Name: name}
			byName[name] = r
			order = append(order, name)
		}
		direction := ""
		if len(fields) >= 3 {
			direction = strings.Trim(fields[2], "()")
		}
		switch direction {
		case "push":
			r.PushURL = url
		default:
			r.FetchURL = url
		}
	}

	remotes := make([]store.Remote, 0, len(order))
	for _, name := range order {
		r := byName[name]
		if r.PushURL == "" {
			r.PushURL = r.FetchURL
		}
		if r.FetchURL == "" {
			r.FetchURL = r.PushURL
		}
		remotes = append(remotes, *r)
	}
	return remotes
}

func countLines(out string) int {
	if out == "" {
		return 0
	}
	return len(strings.Split(out, "\n"))
}

// limitWriter fails once more than remaining bytes are written.
type limitWriter struct {
	w         *bytes.Buffer
	remaining int64
}

func (lw *limitWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > lw.remaining {
		return 0, errOutputLimit
	}
	lw.remaining -= int64(len(p))
	return lw.w.Write(p)
}
