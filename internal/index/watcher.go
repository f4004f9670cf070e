package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pathlight/pathlight/internal/events"
	"github.com/pathlight/pathlight/internal/logging"
	"github.com/pathlight/pathlight/internal/metrics"
	"github.com/pathlight/pathlight/internal/pathutil"
	"github.com/pathlight/pathlight/internal/store"
)

// Mode is the watch mode: native OS notifications, or fixed-interval
// polling after watch resources are exhausted.
type Mode int32

const (
	ModeNative Mode = iota
	ModePolling
)

func (m Mode) String() string {
	if m == ModePolling {
		return "polling"
	}
	return "native"
}

// Start launches the event consumer and the native watcher. When
// native watching cannot be established the index starts in polling
// mode instead.
func (ix *Index) Start(ctx context.Context) {
	ix.ctx = ctx
	metrics.SetWatchMode(false)

	ix.wg.Add(1)
	go ix.consumeLoop(ctx)

	if err := ix.startNative(ctx); err != nil {
		ix.switchToPolling(err)
		return
	}
	logging.Info("watching filesystem", zap.String("mode", ix.Mode().String()))
}

// Close releases the native watcher, if any.
func (ix *Index) Close() error {
	ix.modeMu.Lock()
	defer ix.modeMu.Unlock()
	if ix.fsw != nil {
		err := ix.fsw.Close()
		ix.fsw = nil
		return err
	}
	return nil
}

// startNative creates the fsnotify watcher and registers every indexed
// directory, plus the .git directory of known repositories so internal
// git-state changes surface as repository refreshes.
func (ix *Index) startNative(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	entries, err := ix.store.Entries(ctx)
	if err != nil {
		w.Close()
		return err
	}
	repos, err := ix.store.Repos(ctx)
	if err != nil {
		w.Close()
		return err
	}

	for _, e := range entries {
		if e.Kind != store.KindDirectory {
			continue
		}
		if err := w.Add(pathutil.Absolute(ix.root, e.Path)); err != nil {
			if isResourceExhaustion(err) {
				w.Close()
				return err
			}
			logging.Warn("watch add failed", zap.String("path", e.Path), zap.Error(err))
		}
	}
	for _, r := range repos {
		gitDir := filepath.Join(pathutil.Absolute(ix.root, r.Path), ".git")
		if err := w.Add(gitDir); err != nil && isResourceExhaustion(err) {
			w.Close()
			return err
		}
	}

	ix.modeMu.Lock()
	ix.fsw = w
	ix.modeMu.Unlock()

	ix.wg.Add(1)
	go ix.nativeLoop(ctx, w)
	return nil
}

func (ix *Index) nativeLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer ix.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			ix.translate(ctx, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			ix.handleWatchError(err)
		}
	}
}

// translate maps one fsnotify event to a typed index event and
// enqueues it. Already-ignored paths are dropped here, before reaching
// the store.
func (ix *Index) translate(ctx context.Context, ev fsnotify.Event) {
	abs := ev.Name
	canonical, inside := pathutil.Canonical(ix.root, abs)
	if !inside {
		return
	}
	if ix.dropPath(abs, canonical) {
		return
	}
	if _, ok := gitInternal(canonical); ok {
		ix.enqueue(ctx, fsEvent{kind: evRepoTouched, abs: abs})
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Lstat(abs); err == nil && info.IsDir() {
			ix.enqueue(ctx, fsEvent{kind: evAddDir, abs: abs})
		} else {
			ix.enqueue(ctx, fsEvent{kind: evAddFile, abs: abs})
		}
	case ev.Op.Has(fsnotify.Write):
		ix.enqueue(ctx, fsEvent{kind: evChangeFile, abs: abs})
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		// The node is gone; its indexed kind decides the event.
		if entry, err := ix.store.GetEntry(ctx, canonical); err == nil && entry.Kind == store.KindDirectory {
			ix.enqueue(ctx, fsEvent{kind: evRemoveDir, abs: abs})
		} else if err == nil {
			ix.enqueue(ctx, fsEvent{kind: evRemoveFile, abs: abs})
		}
	}
}

func (ix *Index) enqueue(ctx context.Context, ev fsEvent) {
	select {
	case ix.queue <- ev:
	case <-ctx.Done():
	}
}

// consumeLoop applies typed filesystem-change messages one at a time,
// in arrival order.
func (ix *Index) consumeLoop(ctx context.Context) {
	defer ix.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ix.queue:
			ix.apply(ctx, ev)
		}
	}
}

func (ix *Index) apply(ctx context.Context, ev fsEvent) {
	metrics.RecordFSEvent(ev.kind.String())

	canonical, inside := pathutil.Canonical(ix.root, ev.abs)
	if !inside {
		return
	}
	if ix.dropPath(ev.abs, canonical) && ev.kind != evRepoTouched {
		return
	}

	switch ev.kind {
	case evAddFile, evChangeFile, evAddDir:
		ix.applyUpsert(ctx, ev.abs, canonical)
	case evRemoveFile:
		removed, err := ix.store.DeleteEntry(ctx, canonical)
		if err != nil {
			logging.Error("delete failed", zap.String("path", canonical), zap.Error(err))
			return
		}
		if removed {
			ix.afterMutation(ctx, events.Event{Kind: events.EntryRemoved, Path: canonical})
			ix.refreshOwnerRepo(ctx, canonical)
		}
	case evRemoveDir:
		paths, err := ix.store.DeleteSubtree(ctx, canonical)
		if err != nil {
			logging.Error("subtree delete failed", zap.String("path", canonical), zap.Error(err))
			return
		}
		if len(paths) > 0 {
			evts := make([]events.Event, 0, len(paths))
			for _, p := range paths {
				evts = append(evts, events.Event{Kind: events.EntryRemoved, Path: p})
			}
			ix.afterMutation(ctx, evts...)
			// The removed subtree may have held part of an enclosing
			// repository's history.
			ix.refreshOwnerRepo(ctx, canonical)
		}
	case evRepoTouched:
		if owner, ok := gitInternal(canonical); ok {
			ix.refreshRepoAsync(ctx, owner, pathutil.Absolute(ix.root, owner))
		}
	}
}

// applyUpsert re-stats the path and upserts its entry. New directories
// are watched and scanned for children that appeared before the watch
// was in place; directories also refresh their repository metadata.
func (ix *Index) applyUpsert(ctx context.Context, abs, canonical string) {
	info, err := os.Lstat(abs)
	if err != nil {
		if isPermanent(err) {
			ix.ignored.Add(abs, canonical)
			logging.Warn("path marked ignored", zap.String("path", canonical), zap.Error(err))
		}
		return
	}
	if !info.IsDir() && !info.Mode().IsRegular() {
		return
	}

	created, ok := ix.upsertNode(ctx, abs, canonical)
	if !ok {
		return
	}
	kind := events.EntryUpdated
	if created {
		kind = events.EntryAdded
	}

	if info.IsDir() {
		if err := ix.watchDir(abs); err != nil {
			ix.handleWatchError(err)
		}
		ix.scanDir(ctx, abs, canonical)
		ix.afterMutation(ctx, events.Event{Kind: kind, Path: canonical})
		return
	}

	ix.afterMutation(ctx, events.Event{Kind: kind, Path: canonical})
	ix.refreshOwnerRepo(ctx, canonical)
}

// refreshOwnerRepo refreshes the repository owning a path, if the
// path's directory chain carries repository metadata.
func (ix *Index) refreshOwnerRepo(ctx context.Context, canonical string) {
	owner := ""
	for dir := pathutil.Parent(canonical); dir != ""; dir = pathutil.Parent(dir) {
		if _, err := ix.store.GetRepo(ctx, dir); err == nil {
			owner = dir
			break
		}
	}
	if owner != "" {
		ix.refreshRepoAsync(ctx, owner, pathutil.Absolute(ix.root, owner))
	}
}

func (ix *Index) watchDir(abs string) error {
	ix.modeMu.Lock()
	w := ix.fsw
	ix.modeMu.Unlock()
	if w == nil {
		return nil
	}
	return w.Add(abs)
}

// handleWatchError switches to polling on resource exhaustion; every
// other error is logged without crashing.
func (ix *Index) handleWatchError(err error) {
	if isResourceExhaustion(err) {
		ix.switchToPolling(err)
		return
	}
	logging.Error("watch error", zap.Error(err))
}

// switchToPolling transitions native → polling exactly once.
// Concurrent transition requests serialize on modeMu: a second caller
// blocks until the in-flight transition completes, then observes the
// polling state and returns.
func (ix *Index) switchToPolling(reason error) {
	ix.modeMu.Lock()
	defer ix.modeMu.Unlock()
	if Mode(ix.mode.Load()) == ModePolling {
		return
	}

	logging.Warn("filesystem watch resources exhausted, switching to polling",
		zap.Error(reason),
		zap.Duration("interval", ix.pollInterval))

	if ix.fsw != nil {
		ix.fsw.Close()
		ix.fsw = nil
	}
	ix.mode.Store(int32(ModePolling))
	metrics.SetWatchMode(true)

	ctx := ix.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ix.wg.Add(1)
	go ix.pollLoop(ctx)
}

func (ix *Index) pollLoop(ctx context.Context) {
	defer ix.wg.Done()
	ticker := time.NewTicker(ix.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ix.pollOnce(ctx)
		}
	}
}

// pollOnce diffs the filesystem against the store and enqueues the
// resulting change events on the same queue the native watcher feeds,
// preserving the single-consumer ordering guarantee.
func (ix *Index) pollOnce(ctx context.Context) {
	type stamp struct {
		dir     bool
		size    int64
		modTime int64
	}
	seen := make(map[string]stamp)

	var walk func(abs, canonical string)
	walk = func(abs, canonical string) {
		children, err := os.ReadDir(abs)
		if err != nil {
			return
		}
		for _, child := range children {
			if ctx.Err() != nil {
				return
			}
			name := child.Name()
			childAbs := filepath.Join(abs, name)
			childCanonical := pathutil.Join(canonical, name)
			if name == ".git" || ix.dropPath(childAbs, childCanonical) {
				continue
			}
			info, err := child.Info()
			if err != nil {
				if isPermanent(err) {
					ix.ignored.Add(childAbs, childCanonical)
				}
				continue
			}
			if !info.IsDir() && !info.Mode().IsRegular() {
				continue
			}
			seen[childCanonical] = stamp{
				dir:     info.IsDir(),
				size:    info.Size(),
				modTime: info.ModTime().UnixMilli(),
			}
			if info.IsDir() {
				walk(childAbs, childCanonical)
			}
		}
	}
	walk(ix.root, pathutil.Root)

	entries, err := ix.store.Entries(ctx)
	if err != nil {
		logging.Error("poll: load entries failed", zap.Error(err))
		return
	}
	indexed := make(map[string]*store.Entry, len(entries))
	for i := range entries {
		indexed[entries[i].Path] = &entries[i]
	}

	// Additions and modifications. Sorting keeps parents ahead of
	// their children in the queue.
	var added, changed []string
	for canonical, st := range seen {
		e, ok := indexed[canonical]
		if !ok {
			added = append(added, canonical)
			continue
		}
		if !st.dir && (e.Size != st.size || e.ModTime != st.modTime) {
			changed = append(changed, canonical)
		}
	}
	sort.Strings(added)
	for _, canonical := range added {
		kind := evAddFile
		if seen[canonical].dir {
			kind = evAddDir
		}
		ix.enqueue(ctx, fsEvent{kind: kind, abs: pathutil.Absolute(ix.root, canonical)})
	}
	for _, canonical := range changed {
		ix.enqueue(ctx, fsEvent{kind: evChangeFile, abs: pathutil.Absolute(ix.root, canonical)})
	}

	// Removals: only the topmost missing path is enqueued; subtree
	// deletion cascades the rest.
	var removed []string
	for _, e := range entries {
		if e.Path == pathutil.Root {
			continue
		}
		if _, ok := seen[e.Path]; !ok {
			removed = append(removed, e.Path)
		}
	}
	sort.Strings(removed)
	missing := make(map[string]bool, len(removed))
	for _, p := range removed {
		missing[p] = true
	}
	for _, p := range removed {
		if missing[pathutil.Parent(p)] {
			continue
		}
		kind := evRemoveFile
		if indexed[p].Kind == store.KindDirectory {
			kind = evRemoveDir
		}
		ix.enqueue(ctx, fsEvent{kind: kind, abs: pathutil.Absolute(ix.root, p)})
	}
}

// isResourceExhaustion reports watch errors recovered by switching to
// polling mode: inotify watch/instance limits and descriptor
// exhaustion.
func isResourceExhaustion(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ENOSPC) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "too many open files") ||
		strings.Contains(msg, "no space left on device") ||
		strings.Contains(msg, "queue or buffer overflow")
}
