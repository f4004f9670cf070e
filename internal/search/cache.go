// Package search holds the in-memory search structures rebuilt from
// the entry store after every mutation, and the query engine answering
// tree, search, and autosuggest requests against them.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pathlight/pathlight/internal/logging"
	"github.com/pathlight/pathlight/internal/metrics"
	"github.com/pathlight/pathlight/internal/pathutil"
	"github.com/pathlight/pathlight/internal/store"
)

// Cache owns the current snapshot. Readers load it atomically and
// observe either the fully-old or fully-new state; the snapshot is
// replaced wholesale, never mutated in place. Rebuilds serialize on a
// mutex so a rebuild reading older store state can never overwrite a
// snapshot built from newer state.
type Cache struct {
	store *store.Store
	limit int

	rebuildMu sync.Mutex
	snap      atomic.Pointer[snapshot]
}

// snapshot is one immutable view of the index.
type snapshot struct {
	entries  []store.Entry            // ordered by path
	byPath   map[string]int           // path -> index into entries
	children map[string][]int         // parent path -> sorted child indices
	tags     map[string][]store.Tag   // path -> tags
	tagPaths map[string][]string      // key "\x00" value -> paths
	tagVals  map[string][]string      // key -> sorted distinct values
	tagKeys  []string                 // sorted distinct keys
	tagDocs  []tagDoc                 // fuzzy source over tags
	repos    map[string]*store.Repo
}

type tagDoc struct {
	Key   string
	Value string
	Label string // "key:value"
}

// entrySource adapts a snapshot's entries to fuzzy matching over
// "path name" strings.
type entrySource struct{ entries []store.Entry }

func (s entrySource) String(i int) string {
	return s.entries[i].Path + " " + s.entries[i].Name
}
func (s entrySource) Len() int { return len(s.entries) }

// tagSource adapts tag docs to fuzzy matching over "key value key:value".
type tagSource struct{ docs []tagDoc }

func (s tagSource) String(i int) string {
	return s.docs[i].Key + " " + s.docs[i].Value + " " + s.docs[i].Label
}
func (s tagSource) Len() int { return len(s.docs) }

// NewCache creates an empty cache. Rebuild must be called before the
// first query.
func NewCache(st *store.Store, limit int) *Cache {
	c := &Cache{store: st, limit: limit}
	c.snap.Store(&snapshot{
		byPath:   map[string]int{},
		children: map[string][]int{},
		tags:     map[string][]store.Tag{},
		tagPaths: map[string][]string{},
		tagVals:  map[string][]string{},
		repos:    map[string]*store.Repo{},
	})
	return c
}

// Rebuild replaces the snapshot with a fresh view of the store. No
// incremental patching: correctness over micro-optimization. Callers
// may race each other; the store read and the snapshot swap happen
// under one lock so the last swap always reflects the newest read.
func (c *Cache) Rebuild(ctx context.Context) error {
	c.rebuildMu.Lock()
	defer c.rebuildMu.Unlock()
	start := time.Now()

	entries, err := c.store.Entries(ctx)
	if err != nil {
		return fmt.Errorf("load entries: %w", err)
	}
	tags, err := c.store.Tags(ctx)
	if err != nil {
		return fmt.Errorf("load tags: %w", err)
	}
	repos, err := c.store.Repos(ctx)
	if err != nil {
		return fmt.Errorf("load repos: %w", err)
	}

	snap := &snapshot{
		entries:  entries,
		byPath:   make(map[string]int, len(entries)),
		children: make(map[string][]int),
		tags:     make(map[string][]store.Tag),
		tagPaths: make(map[string][]string),
		tagVals:  make(map[string][]string),
		repos:    make(map[string]*store.Repo, len(repos)),
	}

	for i := range entries {
		snap.byPath[entries[i].Path] = i
		if entries[i].ParentPath != "" {
			snap.children[entries[i].ParentPath] = append(snap.children[entries[i].ParentPath], i)
		}
	}

	// Directories before files, case-insensitive name order within
	// each group.
	for parent, kids := range snap.children {
		sort.SliceStable(kids, func(a, b int) bool {
			ea, eb := &entries[kids[a]], &entries[kids[b]]
			if ea.Kind != eb.Kind {
				return ea.Kind == store.KindDirectory
			}
			return strings.ToLower(ea.Name) < strings.ToLower(eb.Name)
		})
		snap.children[parent] = kids
	}

	seenDoc := make(map[string]struct{})
	valSeen := make(map[string]struct{})
	for _, t := range tags {
		snap.tags[t.Path] = append(snap.tags[t.Path], t)
		fk := filterKey(t.Key, t.Value)
		snap.tagPaths[fk] = append(snap.tagPaths[fk], t.Path)
		label := t.Key + ":" + t.Value
		if _, ok := seenDoc[label]; !ok {
			seenDoc[label] = struct{}{}
			snap.tagDocs = append(snap.tagDocs, tagDoc{Key: t.Key, Value: t.Value, Label: label})
		}
		if _, ok := valSeen[fk]; !ok {
			valSeen[fk] = struct{}{}
			snap.tagVals[t.Key] = append(snap.tagVals[t.Key], t.Value)
		}
	}
	for key, vals := range snap.tagVals {
		sort.Strings(vals)
		snap.tagVals[key] = vals
		snap.tagKeys = append(snap.tagKeys, key)
	}
	sort.Strings(snap.tagKeys)

	for i := range repos {
		snap.repos[repos[i].Path] = &repos[i]
	}

	c.snap.Store(snap)
	metrics.RecordCacheRebuild(time.Since(start))
	metrics.SetIndexEntries(int64(len(entries)))
	logging.Debug("search cache rebuilt",
		zap.Int("entries", len(entries)),
		zap.Int("tags", len(tags)),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Entry returns the cached entry at path along with its tags and
// repository metadata, or false when absent.
func (c *Cache) Entry(path string) (*EntryView, bool) {
	snap := c.snap.Load()
	i, ok := snap.byPath[path]
	if !ok {
		return nil, false
	}
	return &EntryView{
		Entry: snap.entries[i],
		Tags:  snap.tags[path],
		Repo:  snap.repos[path],
	}, true
}

// EntryView is an entry enriched with its tags and repository info.
type EntryView struct {
	store.Entry
	Tags []store.Tag `json:"tags,omitempty"`
	Repo *store.Repo `json:"repository,omitempty"`
}

// TreeNode is one node of the reconstructed tree.
type TreeNode struct {
	Path     string      `json:"path"`
	Name     string      `json:"name"`
	Kind     string      `json:"kind"`
	Size     int64       `json:"size"`
	ModTime  int64       `json:"modifiedAt"`
	Tags     []store.Tag `json:"tags,omitempty"`
	Repo     *store.Repo `json:"repository,omitempty"`
	Children []*TreeNode `json:"children,omitempty"`
}

// Tree reconstructs the full hierarchy from the snapshot's adjacency,
// or nil when the root is not indexed.
func (c *Cache) Tree() *TreeNode {
	snap := c.snap.Load()
	i, ok := snap.byPath[pathutil.Root]
	if !ok {
		return nil
	}
	return snap.node(i)
}

func (s *snapshot) node(i int) *TreeNode {
	e := &s.entries[i]
	n := &TreeNode{
		Path:    e.Path,
		Name:    e.Name,
		Kind:    e.Kind,
		Size:    e.Size,
		ModTime: e.ModTime,
		Tags:    s.tags[e.Path],
		Repo:    s.repos[e.Path],
	}
	for _, child := range s.children[e.Path] {
		n.Children = append(n.Children, s.node(child))
	}
	return n
}

func filterKey(key, value string) string {
	return key + "\x00" + value
}
