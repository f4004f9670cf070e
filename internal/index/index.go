// Package index maintains the live filesystem index: an initial
// recursive scan, event-driven reconciliation with a polling fallback,
// and the mutation pipeline that keeps the search cache and connected
// observers consistent with the entry store.
package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	gitignore "github.com/sabhiram/go-gitignore"
	"go.uber.org/zap"

	"github.com/pathlight/pathlight/internal/events"
	"github.com/pathlight/pathlight/internal/gitmeta"
	"github.com/pathlight/pathlight/internal/logging"
	"github.com/pathlight/pathlight/internal/pathutil"
	"github.com/pathlight/pathlight/internal/search"
	"github.com/pathlight/pathlight/internal/store"
)

type eventKind int

const (
	evAddFile eventKind = iota
	evChangeFile
	evRemoveFile
	evAddDir
	evRemoveDir
	evRepoTouched
)

func (k eventKind) String() string {
	switch k {
	case evAddFile:
		return "add-file"
	case evChangeFile:
		return "change-file"
	case evRemoveFile:
		return "remove-file"
	case evAddDir:
		return "add-directory"
	case evRemoveDir:
		return "remove-directory"
	case evRepoTouched:
		return "repo-touched"
	}
	return "unknown"
}

// fsEvent is one typed filesystem-change message consumed in arrival
// order by a single loop.
type fsEvent struct {
	kind eventKind
	abs  string
}

// Options configures an Index.
type Options struct {
	Root         string
	Store        *store.Store
	Cache        *search.Cache
	Broadcaster  *events.Broadcaster
	Git          *gitmeta.Collector
	PollInterval time.Duration
	IgnoreFile   string // optional gitignore-style exclusion file
}

// Index ties the scanner, the watcher state machine, and the mutation
// pipeline together.
type Index struct {
	root        string
	store       *store.Store
	cache       *search.Cache
	broadcaster *events.Broadcaster
	git         *gitmeta.Collector

	ignored *ignoreSet
	matcher *gitignore.GitIgnore

	pollInterval time.Duration
	queue        chan fsEvent

	modeMu sync.Mutex
	mode   atomic.Int32 // Mode
	fsw    *fsnotify.Watcher

	ctx context.Context // written once, in Start, before any watcher goroutine runs
	wg  sync.WaitGroup
}

// New creates an index over opts.Root.
func New(opts Options) (*Index, error) {
	ix := &Index{
		root:         opts.Root,
		store:        opts.Store,
		cache:        opts.Cache,
		broadcaster:  opts.Broadcaster,
		git:          opts.Git,
		ignored:      newIgnoreSet(),
		pollInterval: opts.PollInterval,
		queue:        make(chan fsEvent, 1024),
	}
	if ix.pollInterval <= 0 {
		ix.pollInterval = 5 * time.Second
	}
	if opts.IgnoreFile != "" {
		matcher, err := gitignore.CompileIgnoreFile(opts.IgnoreFile)
		if err != nil {
			return nil, fmt.Errorf("compile ignore file: %w", err)
		}
		ix.matcher = matcher
	}
	return ix, nil
}

// Mode returns the current watch mode.
func (ix *Index) Mode() Mode {
	return Mode(ix.mode.Load())
}

// ─── Mutation pipeline ──────────────────────────────────────────────────────

// afterMutation rebuilds the search cache and broadcasts change
// notifications. The two steps always happen together.
func (ix *Index) afterMutation(ctx context.Context, evts ...events.Event) {
	if err := ix.cache.Rebuild(ctx); err != nil {
		logging.Error("search cache rebuild failed", zap.Error(err))
	}
	for _, e := range evts {
		ix.broadcaster.Publish(e)
	}
}

// AddTag attaches a tag to an indexed entry. Duplicate adds are a
// no-op; store.ErrNotFound is returned for unknown entries.
func (ix *Index) AddTag(ctx context.Context, path, key, value string) error {
	added, err := ix.store.AddTag(ctx, path, key, value)
	if err != nil {
		return err
	}
	if added {
		ix.afterMutation(ctx, events.Event{Kind: events.TagAdded, Path: path, Key: key, Value: value})
	}
	return nil
}

// RemoveTag deletes a tag; removing an absent tag is a no-op.
func (ix *Index) RemoveTag(ctx context.Context, path, key, value string) error {
	removed, err := ix.store.RemoveTag(ctx, path, key, value)
	if err != nil {
		return err
	}
	if removed {
		ix.afterMutation(ctx, events.Event{Kind: events.TagRemoved, Path: path, Key: key, Value: value})
	}
	return nil
}

// ─── Shared helpers ─────────────────────────────────────────────────────────

// dropPath reports whether a path must never reach the store: already
// marked ignored, carrying an ignored suffix, or excluded by the
// optional ignore file.
func (ix *Index) dropPath(abs, canonical string) bool {
	if ix.ignored.Has(abs) || (canonical != "" && ix.ignored.Has(canonical)) {
		return true
	}
	for _, suffix := range ignoredSuffixes {
		if strings.HasSuffix(abs, suffix) {
			return true
		}
	}
	if ix.matcher != nil && canonical != "" && canonical != pathutil.Root {
		if ix.matcher.MatchesPath(strings.TrimPrefix(canonical, "/")) {
			return true
		}
	}
	return false
}

// isPermanent reports stat errors recovered by ignoring the path for
// the rest of the session.
func isPermanent(err error) bool {
	return errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.EPERM) ||
		errors.Is(err, syscall.ENOTSUP) ||
		errors.Is(err, syscall.EOPNOTSUPP)
}

// entryFromInfo builds the store row for one filesystem node.
func entryFromInfo(canonical string, info fs.FileInfo) *store.Entry {
	e := &store.Entry{
		Path:       canonical,
		Name:       info.Name(),
		ParentPath: pathutil.Parent(canonical),
		ModTime:    info.ModTime().UnixMilli(),
		Depth:      pathutil.Depth(canonical),
	}
	if info.IsDir() {
		e.Kind = store.KindDirectory
	} else {
		e.Kind = store.KindFile
		e.Size = info.Size()
		e.Extension = pathutil.Extension(info.Name())
	}
	return e
}

// upsertNode stats abs and upserts its entry. It returns the created
// flag, or ok=false when the node was skipped (stat failure or
// non-regular file).
func (ix *Index) upsertNode(ctx context.Context, abs, canonical string) (created, ok bool) {
	info, err := os.Lstat(abs)
	if err != nil {
		if isPermanent(err) {
			ix.ignored.Add(abs, canonical)
			logging.Warn("path marked ignored", zap.String("path", canonical), zap.Error(err))
		}
		return false, false
	}
	if !info.IsDir() && !info.Mode().IsRegular() {
		// Sockets, FIFOs, devices, symlinks: never indexed.
		return false, false
	}
	created, err = ix.store.UpsertEntry(ctx, entryFromInfo(canonical, info))
	if err != nil {
		logging.Error("upsert failed", zap.String("path", canonical), zap.Error(err))
		return false, false
	}
	return created, true
}

// refreshRepoAsync re-collects git metadata for a directory without
// stalling indexing of unrelated paths. Concurrent calls for the same
// directory are coalesced by the collector.
func (ix *Index) refreshRepoAsync(ctx context.Context, canonical, abs string) {
	if ix.git == nil || ix.git.Disabled() {
		return
	}
	ix.wg.Add(1)
	go func() {
		defer ix.wg.Done()
		changed, err := ix.git.Refresh(ctx, canonical, abs)
		if err != nil {
			logging.Debug("git metadata refresh failed",
				zap.String("path", canonical), zap.Error(err))
			return
		}
		if changed {
			ix.afterMutation(ctx, events.Event{Kind: events.EntryUpdated, Path: canonical})
		}
	}()
}

// Wait blocks until background refreshes and loops have finished.
func (ix *Index) Wait() {
	ix.wg.Wait()
}
