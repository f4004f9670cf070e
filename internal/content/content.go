// Package content streams single-file text and performs line-oriented
// search within one file. It sits next to the index but does not
// depend on it.
package content

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/sahilm/fuzzy"

	"github.com/pathlight/pathlight/internal/metrics"
)

const (
	streamChunkSize = 32 * 1024
	snippetWidth    = 120
)

// Match is one in-file search hit.
type Match struct {
	Line    int    `json:"line"` // 1-based
	Score   int    `json:"score"`
	Snippet string `json:"snippet"`
}

// Service reads file content below a fixed root.
type Service struct {
	limit int
}

// NewService creates a content service returning at most limit search
// matches per request.
func NewService(limit int) *Service {
	return &Service{limit: limit}
}

// Stream copies the file at abs to w incrementally. The whole file is
// never buffered; the copy stops when ctx is cancelled, releasing the
// underlying descriptor.
func (s *Service) Stream(ctx context.Context, w io.Writer, abs string) error {
	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	buf := make([]byte, streamChunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			metrics.RecordContentStreamed(total)
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// SearchFile fuzzy-matches query against each line of the file at abs.
// Matching is case-insensitive; each hit carries the 1-based line
// number and a bounded snippet centered on the first literal occurrence
// of the query, falling back to a truncated prefix of the line.
func (s *Service) SearchFile(ctx context.Context, abs, query string) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	metrics.RecordFileSearch()

	lines := strings.Split(string(data), "\n")
	results := make([]Match, 0)
	for _, m := range fuzzy.Find(query, lines) {
		results = append(results, Match{
			Line:    m.Index + 1,
			Score:   m.Score,
			Snippet: snippet(lines[m.Index], query),
		})
		if len(results) >= s.limit {
			break
		}
	}
	return results, nil
}

// snippet returns a window of the line around the first literal,
// case-insensitive occurrence of query, or the truncated line prefix
// when the query only matched fuzzily.
func snippet(line, query string) string {
	at := strings.Index(strings.ToLower(line), strings.ToLower(query))
	if at < 0 {
		return truncate(line, snippetWidth)
	}

	start := at - (snippetWidth-len(query))/2
	if start < 0 {
		start = 0
	}
	end := start + snippetWidth
	if end > len(line) {
		end = len(line)
		start = end - snippetWidth
		if start < 0 {
			start = 0
		}
	}
	// The window is byte-sized; narrow both cuts to rune boundaries so
	// a multi-byte character is never split.
	for start < len(line) && !utf8.RuneStart(line[start]) {
		start++
	}
	for end > start && end < len(line) && !utf8.RuneStart(line[end]) {
		end--
	}
	return line[start:end]
}

// truncate shortens s to at most n bytes, cutting on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
