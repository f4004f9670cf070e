package pathutil

import "testing"

func TestCanonical(t *testing.T) {
	tests := []struct {
		abs  string
		want string
		ok   bool
	}{
		{"/data", "/", true},
		{"/data/a.txt", "/a.txt", true},
		{"/data/src/b/c.txt", "/src/b/c.txt", true},
		{"/data/..", "", false},
		{"/etc/passwd", "", false},
		{"/datafoo/x", "", false},
	}
	for _, tt := range tests {
		got, ok := Canonical("/data", tt.abs)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Canonical(/data, %q) = %q, %v; want %q, %v", tt.abs, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCanonicalAbsoluteRoundTrip(t *testing.T) {
	root := "/srv/files"
	for _, canonical := range []string{"/", "/a.txt", "/dir/sub/file.go"} {
		abs := Absolute(root, canonical)
		got, ok := Canonical(root, abs)
		if !ok || got != canonical {
			t.Errorf("round trip %q -> %q -> %q, ok=%v", canonical, abs, got, ok)
		}
	}
}

func TestParent(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/", ""},
		{"/a.txt", "/"},
		{"/src/b", "/src"},
		{"/src/b/c.txt", "/src/b"},
	}
	for _, tt := range tests {
		if got := Parent(tt.path); got != tt.want {
			t.Errorf("Parent(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestDepth(t *testing.T) {
	tests := []struct {
		path string
		want int
	}{
		{"/", 0},
		{"/a.txt", 1},
		{"/src/b", 2},
		{"/src/b/c.txt", 3},
	}
	for _, tt := range tests {
		if got := Depth(tt.path); got != tt.want {
			t.Errorf("Depth(%q) = %d, want %d", tt.path, got, tt.want)
		}
	}
}

func TestExtension(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"a.txt", "txt"},
		{"archive.TAR", "tar"},
		{"Makefile", ""},
		{"noext.", ""},
		{".gitignore", "gitignore"},
	}
	for _, tt := range tests {
		if got := Extension(tt.name); got != tt.want {
			t.Errorf("Extension(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestJoin(t *testing.T) {
	if got := Join("/", "a"); got != "/a" {
		t.Errorf("Join(/, a) = %q", got)
	}
	if got := Join("/src", "b.txt"); got != "/src/b.txt" {
		t.Errorf("Join(/src, b.txt) = %q", got)
	}
}
