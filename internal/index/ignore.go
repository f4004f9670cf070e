package index

import (
	"strings"
	"sync"
)

// Suffixes never indexed and dropped before reaching the store.
var ignoredSuffixes = []string{".sock"}

// ignoreSet tracks paths that failed permission or unsupported-
// filesystem checks. Marking is session-scoped, not persisted. One set
// holds both the absolute and canonical form of each path so callers
// can check either.
type ignoreSet struct {
	mu    sync.RWMutex
	paths map[string]struct{}
}

func newIgnoreSet() *ignoreSet {
	return &ignoreSet{paths: make(map[string]struct{})}
}

// Add marks both forms of a path as permanently ignored.
func (s *ignoreSet) Add(abs, canonical string) {
	s.mu.Lock()
	s.paths[abs] = struct{}{}
	if canonical != "" {
		s.paths[canonical] = struct{}{}
	}
	s.mu.Unlock()
}

// Has reports whether a path, in absolute or canonical form, is ignored.
func (s *ignoreSet) Has(path string) bool {
	s.mu.RLock()
	_, ok := s.paths[path]
	s.mu.RUnlock()
	return ok
}

// gitInternal reports whether a canonical path lies under a .git
// directory, and if so the canonical path of the owning repository.
// Internal git-state files are translated to a repository-root refresh
// rather than indexed directly.
func gitInternal(canonical string) (owner string, ok bool) {
	if strings.HasSuffix(canonical, "/.git") {
		owner = canonical[:len(canonical)-len("/.git")]
		if owner == "" {
			owner = "/"
		}
		return owner, true
	}
	if i := strings.Index(canonical, "/.git/"); i >= 0 {
		owner = canonical[:i]
		if owner == "" {
			owner = "/"
		}
		return owner, true
	}
	return "", false
}
