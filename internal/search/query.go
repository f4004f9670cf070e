package search

import (
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/pathlight/pathlight/internal/pathutil"
	"github.com/pathlight/pathlight/internal/store"
)

// TagFilter selects entries carrying one (key, value) tag.
type TagFilter struct {
	Key   string
	Value string
}

// Suggestion kinds.
const (
	SuggestPath   = "path"
	SuggestTag    = "tag"
	SuggestTagKey = "tag-key"
)

// Suggestion is one autosuggest candidate.
type Suggestion struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// Search returns entries matching the free-text query and every tag
// filter. An empty filter list imposes no restriction; an empty query
// returns the filtered candidates in index order. Results are bounded
// by the cache limit and deduplicated by path.
func (c *Cache) Search(query string, filters []TagFilter) []EntryView {
	snap := c.snap.Load()

	// Intersect the path sets of each filter, computed independently.
	var allowed map[string]struct{}
	for _, f := range filters {
		paths := snap.tagPaths[filterKey(f.Key, f.Value)]
		set := make(map[string]struct{}, len(paths))
		for _, p := range paths {
			if allowed == nil {
				set[p] = struct{}{}
			} else if _, ok := allowed[p]; ok {
				set[p] = struct{}{}
			}
		}
		allowed = set
	}

	results := make([]EntryView, 0)
	seen := make(map[string]struct{})

	appendEntry := func(i int) bool {
		e := &snap.entries[i]
		if allowed != nil {
			if _, ok := allowed[e.Path]; !ok {
				return true
			}
		}
		if _, ok := seen[e.Path]; ok {
			return true
		}
		seen[e.Path] = struct{}{}
		results = append(results, EntryView{
			Entry: *e,
			Tags:  snap.tags[e.Path],
			Repo:  snap.repos[e.Path],
		})
		return len(results) < c.limit
	}

	if query != "" {
		// Fuzzy-match order is preserved.
		matches := fuzzy.FindFrom(query, entrySource{snap.entries})
		for _, m := range matches {
			if !appendEntry(m.Index) {
				break
			}
		}
		return results
	}

	for i := range snap.entries {
		if !appendEntry(i) {
			break
		}
	}
	return results
}

// Suggest returns autosuggest candidates for a partial query. An empty
// query samples top-level directories; a query ending in
// "key:partial-value" completes known values for that key; anything
// else merges fuzzy path matches, fuzzy tag matches, and tag-key
// prefix matches.
func (c *Cache) Suggest(query string) []Suggestion {
	snap := c.snap.Load()
	out := make([]Suggestion, 0)

	if query == "" {
		for _, i := range snap.children[pathutil.Root] {
			e := &snap.entries[i]
			if e.Kind != store.KindDirectory {
				continue
			}
			out = append(out, Suggestion{Kind: SuggestPath, Value: e.Path})
			if len(out) >= c.limit {
				break
			}
		}
		return out
	}

	if i := strings.LastIndex(query, ":"); i > 0 {
		key, partial := query[:i], query[i+1:]
		if vals, ok := snap.tagVals[key]; ok {
			for _, v := range vals {
				if !strings.HasPrefix(v, partial) {
					continue
				}
				out = append(out, Suggestion{Kind: SuggestTag, Value: key + ":" + v})
				if len(out) >= c.limit {
					break
				}
			}
			return out
		}
	}

	seen := make(map[string]struct{})
	add := func(kind, value string) bool {
		k := kind + "\x00" + value
		if _, ok := seen[k]; ok {
			return true
		}
		seen[k] = struct{}{}
		out = append(out, Suggestion{Kind: kind, Value: value})
		return len(out) < c.limit
	}

	for _, m := range fuzzy.FindFrom(query, entrySource{snap.entries}) {
		if !add(SuggestPath, snap.entries[m.Index].Path) {
			return out
		}
	}
	for _, m := range fuzzy.FindFrom(query, tagSource{snap.tagDocs}) {
		if !add(SuggestTag, snap.tagDocs[m.Index].Label) {
			return out
		}
	}
	for _, key := range snap.tagKeys {
		if !strings.HasPrefix(key, query) {
			continue
		}
		if !add(SuggestTagKey, key) {
			return out
		}
	}
	return out
}
