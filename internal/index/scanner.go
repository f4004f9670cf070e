package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/pathlight/pathlight/internal/logging"
	"github.com/pathlight/pathlight/internal/pathutil"
)

// Scan performs the initial recursive walk of the root, upserting
// every discovered entry and triggering repository metadata
// collection. The scan is idempotent: running it twice over an
// unchanged tree yields an identical store state.
func (ix *Index) Scan(ctx context.Context) error {
	start := time.Now()

	info, err := os.Stat(ix.root)
	if err != nil {
		return fmt.Errorf("stat root: %w", err)
	}
	root := entryFromInfo(pathutil.Root, info)
	root.Path = pathutil.Root
	root.Name = filepath.Base(ix.root)
	root.ParentPath = ""
	root.Depth = 0
	if _, err := ix.store.UpsertEntry(ctx, root); err != nil {
		return fmt.Errorf("upsert root: %w", err)
	}

	ix.scanDir(ctx, ix.root, pathutil.Root)

	if err := ix.cache.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild cache: %w", err)
	}

	count, _ := ix.store.EntryCount(ctx)
	logging.Info("initial scan complete",
		zap.Int64("entries", count),
		zap.Duration("took", time.Since(start)))
	return nil
}

// scanDir walks one directory depth-first. Directories are indexed
// before their children; a directory that cannot be listed is skipped
// silently.
func (ix *Index) scanDir(ctx context.Context, abs, canonical string) {
	ix.refreshRepoAsync(ctx, canonical, abs)

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

		if name == ".git" {
			// Git internals are never indexed; the owning directory's
			// metadata refresh already ran above.
			continue
		}
		if ix.dropPath(childAbs, childCanonical) {
			continue
		}

		_, ok := ix.upsertNode(ctx, childAbs, childCanonical)
		if !ok {
			continue
		}
		if child.IsDir() {
			ix.scanDir(ctx, childAbs, childCanonical)
		}
	}
}
