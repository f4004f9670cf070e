// Package pathutil maps between absolute filesystem paths and the
// canonical root-relative path space used by the index. Canonical paths
// use "/" as separator on every platform; "/" denotes the root itself.
package pathutil

import (
	"path/filepath"
	"strings"
)

// Root is the canonical path of the index root.
const Root = "/"

// Canonical converts an absolute path to its canonical root-relative
// form. The second return value is false when abs lies outside root;
// such paths must never be stored.
func Canonical(root, abs string) (string, bool) {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	if rel == "." {
		return Root, true
	}
	return "/" + rel, true
}

// Absolute is the inverse of Canonical.
func Absolute(root, canonical string) string {
	if canonical == Root || canonical == "" {
		return root
	}
	return filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(canonical, "/")))
}

// Parent returns the canonical path of the containing directory, or ""
// for the root itself.
func Parent(canonical string) string {
	if canonical == Root || canonical == "" {
		return ""
	}
	i := strings.LastIndex(canonical, "/")
	if i == 0 {
		return Root
	}
	return canonical[:i]
}

// Base returns the last segment of a canonical path.
func Base(canonical string) string {
	if canonical == Root || canonical == "" {
		return Root
	}
	return canonical[strings.LastIndex(canonical, "/")+1:]
}

// Depth counts path segments from the root (root = 0).
func Depth(canonical string) int {
	if canonical == Root || canonical == "" {
		return 0
	}
	return strings.Count(canonical, "/")
}

// Extension returns the lower-cased file extension without the leading
// dot, or "" when the name has none.
func Extension(name string) string {
	ext := filepath.Ext(name)
	if ext == "" || ext == "." {
		return ""
	}
	return strings.ToLower(ext[1:])
}

// Join appends a child name to a canonical directory path.
func Join(canonical, name string) string {
	if canonical == Root {
		return "/" + name
	}
	return canonical + "/" + name
}
