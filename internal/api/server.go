// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	stdpath "path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/pathlight/pathlight/internal/content"
	"github.com/pathlight/pathlight/internal/events"
	"github.com/pathlight/pathlight/internal/index"
	"github.com/pathlight/pathlight/internal/logging"
	"github.com/pathlight/pathlight/internal/metrics"
	"github.com/pathlight/pathlight/internal/pathutil"
	"github.com/pathlight/pathlight/internal/search"
	"github.com/pathlight/pathlight/internal/store"
)

// Server is the HTTP server.
type Server struct {
	root        string
	cache       *search.Cache
	index       *index.Index
	content     *content.Service
	broadcaster *events.Broadcaster
}

// NewServer creates a new server.
func NewServer(root string, cache *search.Cache, ix *index.Index, svc *content.Service, broadcaster *events.Broadcaster) *Server {
	return &Server{
		root:        root,
		cache:       cache,
		index:       ix,
		content:     svc,
		broadcaster: broadcaster,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/tree", s.handleTree)
	mux.HandleFunc("GET /api/v1/entry/{path...}", s.handleEntry)
	mux.HandleFunc("GET /api/v1/search", s.handleSearch)
	mux.HandleFunc("GET /api/v1/suggest", s.handleSuggest)
	mux.HandleFunc("GET /api/v1/content/{path...}", s.handleContent)
	mux.HandleFunc("GET /api/v1/filesearch/{path...}", s.handleFileSearch)

	mux.HandleFunc("POST /api/v1/tags/{path...}", s.handleAddTag)
	mux.HandleFunc("DELETE /api/v1/tags/{path...}", s.handleRemoveTag)

	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"mode":   s.index.Mode().String(),
	})
}

// ─── Tree and entries ───────────────────────────────────────────────────────

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	tree := s.cache.Tree()
	if tree == nil {
		s.sendError(w, http.StatusNotFound, "index is empty")
		return
	}
	s.sendJSON(w, http.StatusOK, tree)
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	path := canonicalParam(r)
	view, ok := s.cache.Entry(path)
	if !ok {
		s.sendError(w, http.StatusNotFound, "path not found: "+path)
		return
	}
	s.sendJSON(w, http.StatusOK, view)
}

// ─── Search and suggest ─────────────────────────────────────────────────────

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	filters, err := parseTagFilters(r.URL.Query().Get("tags"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	results := s.cache.Search(query, filters)
	s.sendJSON(w, http.StatusOK, map[string]any{
		"query":   query,
		"count":   len(results),
		"results": results,
	})
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	suggestions := s.cache.Suggest(query)
	s.sendJSON(w, http.StatusOK, map[string]any{
		"query":       query,
		"suggestions": suggestions,
	})
}

// parseTagFilters parses "key:value,key2:value2". Each element needs a
// colon with a non-empty key.
func parseTagFilters(raw string) ([]search.TagFilter, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	filters := make([]search.TagFilter, 0, len(parts))
	for _, part := range parts {
		i := strings.Index(part, ":")
		if i <= 0 {
			return nil, fmt.Errorf("malformed tag filter %q, want key:value", part)
		}
		filters = append(filters, search.TagFilter{Key: part[:i], Value: part[i+1:]})
	}
	return filters, nil
}

// ─── Content ────────────────────────────────────────────────────────────────

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	path := canonicalParam(r)
	view, ok := s.cache.Entry(path)
	if !ok {
		s.sendError(w, http.StatusNotFound, "path not found: "+path)
		return
	}
	if view.Kind != store.KindFile {
		s.sendError(w, http.StatusBadRequest, "not a regular file: "+path)
		return
	}

	// The cached size may lag behind the disk; Content-Length comes
	// from a request-time stat.
	abs := pathutil.Absolute(s.root, path)
	info, err := os.Stat(abs)
	if err != nil {
		s.sendError(w, http.StatusNotFound, "path not found: "+path)
		return
	}
	if !info.Mode().IsRegular() {
		s.sendError(w, http.StatusBadRequest, "not a regular file: "+path)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	if err := s.content.Stream(r.Context(), w, abs); err != nil {
		// Headers are already written; the log line is all that's left.
		logging.Error("content stream failed", zap.String("path", path), zap.Error(err))
		return
	}
}

func (s *Server) handleFileSearch(w http.ResponseWriter, r *http.Request) {
	path := canonicalParam(r)
	query := r.URL.Query().Get("q")
	if query == "" {
		s.sendError(w, http.StatusBadRequest, "query parameter q required")
		return
	}
	view, ok := s.cache.Entry(path)
	if !ok {
		s.sendError(w, http.StatusNotFound, "path not found: "+path)
		return
	}
	if view.Kind != store.KindFile {
		s.sendError(w, http.StatusBadRequest, "not a regular file: "+path)
		return
	}

	matches, err := s.content.SearchFile(r.Context(), pathutil.Absolute(s.root, path), query)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"path":    path,
		"query":   query,
		"count":   len(matches),
		"matches": matches,
	})
}

// ─── Tags ───────────────────────────────────────────────────────────────────

type tagRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handleAddTag(w http.ResponseWriter, r *http.Request) {
	path := canonicalParam(r)

	var req tagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Key == "" || req.Value == "" {
		s.sendError(w, http.StatusBadRequest, "key and value required")
		return
	}

	if err := s.index.AddTag(r.Context(), path, req.Key, req.Value); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "path not found: "+path)
			return
		}
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{
		"path":  path,
		"key":   req.Key,
		"value": req.Value,
	})
}

func (s *Server) handleRemoveTag(w http.ResponseWriter, r *http.Request) {
	path := canonicalParam(r)
	key := r.URL.Query().Get("key")
	value := r.URL.Query().Get("value")
	if key == "" || value == "" {
		s.sendError(w, http.StatusBadRequest, "key and value parameters required")
		return
	}

	if err := s.index.RemoveTag(r.Context(), path, key, value); err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data)
			flusher.Flush()
		}
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// canonicalParam converts the {path...} wildcard to canonical form.
// Clean keeps traversal sequences from escaping the root.
func canonicalParam(r *http.Request) string {
	p := r.PathValue("path")
	if p == "" {
		return pathutil.Root
	}
	return stdpath.Clean("/" + p)
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": message,
		"code":  code,
	})
}
