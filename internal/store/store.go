// Package store provides the SQLite-backed entry store with metrics.
// The database lives in memory: the index is rebuilt from the
// filesystem on every process start.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pathlight/pathlight/internal/logging"
	"github.com/pathlight/pathlight/internal/metrics"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a lookup misses.
var ErrNotFound = errors.New("entry not found")

// Entry kinds.
const (
	KindFile      = "file"
	KindDirectory = "directory"
)

// Entry is one indexed filesystem node.
type Entry struct {
	Path       string `json:"path"`
	Name       string `json:"name"`
	ParentPath string `json:"parentPath,omitempty"` // "" for the root
	Kind       string `json:"kind"`
	Size       int64  `json:"size"`
	ModTime    int64  `json:"modifiedAt"` // milliseconds
	Extension  string `json:"extension,omitempty"`
	Depth      int    `json:"depth"`
}

// Tag is a user-attached (key, value) pair bound to one entry path.
type Tag struct {
	Path  string `json:"path"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Remote is one named remote of a repository.
type Remote struct {
	Name     string `json:"name"`
	FetchURL string `json:"fetchUrl"`
	PushURL  string `json:"pushUrl"`
}

// Repo holds derived version-control metadata for a directory that is
// the root of a working tree.
type Repo struct {
	Path        string   `json:"path"`
	DetectedAt  int64    `json:"detectedAt"`
	Branch      string   `json:"branch"`
	CommitCount int      `json:"commitCount"`
	BranchCount int      `json:"branchCount"`
	Remotes     []Remote `json:"remotes"`
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	path        TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	parent_path TEXT,
	kind        TEXT NOT NULL CHECK (kind IN ('file', 'directory')),
	size        INTEGER NOT NULL DEFAULT 0,
	mod_time    INTEGER NOT NULL DEFAULT 0,
	extension   TEXT NOT NULL DEFAULT '',
	depth       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_entries_parent ON entries(parent_path);

CREATE TABLE IF NOT EXISTS tags (
	path  TEXT NOT NULL REFERENCES entries(path) ON DELETE CASCADE,
	key   TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (path, key, value)
);
CREATE INDEX IF NOT EXISTS idx_tags_key_value ON tags(key, value);

CREATE TABLE IF NOT EXISTS repos (
	path         TEXT PRIMARY KEY REFERENCES entries(path) ON DELETE CASCADE,
	detected_at  INTEGER NOT NULL,
	branch       TEXT NOT NULL DEFAULT '',
	commit_count INTEGER NOT NULL DEFAULT 0,
	branch_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS repo_remotes (
	repo_path TEXT NOT NULL REFERENCES repos(path) ON DELETE CASCADE,
	name      TEXT NOT NULL,
	fetch_url TEXT NOT NULL DEFAULT '',
	push_url  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (repo_path, name)
);
`

// Store is the SQLite entry store.
type Store struct {
	db *sql.DB
}

// New opens an in-memory store and creates the schema. Each store gets
// its own database; the name only scopes the shared cache.
func New() (*Store, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps the shared in-memory database alive and
	// serializes conflicting writes.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Entries ────────────────────────────────────────────────────────────────

// UpsertEntry inserts or updates an entry keyed by path. It reports
// whether the entry was newly created.
func (s *Store) UpsertEntry(ctx context.Context, e *Entry) (created bool, err error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("upsert_entry", time.Since(start)) }()

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM entries WHERE path = ?)`, e.Path).Scan(&exists); err != nil {
		return false, fmt.Errorf("check entry: %w", err)
	}

	parent := sql.NullString{String: e.ParentPath, Valid: e.ParentPath != ""}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entries (path, name, parent_path, kind, size, mod_time, extension, depth)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (path) DO UPDATE SET
			name = excluded.name,
			parent_path = excluded.parent_path,
			kind = excluded.kind,
			size = excluded.size,
			mod_time = excluded.mod_time,
			extension = excluded.extension,
			depth = excluded.depth`,
		e.Path, e.Name, parent, e.Kind, e.Size, e.ModTime, e.Extension, e.Depth)
	if err != nil {
		return false, fmt.Errorf("upsert entry: %w", err)
	}

	logging.Debug("upserted entry",
		zap.String("path", e.Path),
		zap.String("kind", e.Kind),
		zap.Int64("size", e.Size))
	return !exists, nil
}

// GetEntry returns the entry at path, or ErrNotFound.
func (s *Store) GetEntry(ctx context.Context, path string) (*Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_entry", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT path, name, parent_path, kind, size, mod_time, extension, depth
		 FROM entries WHERE path = ?`, path)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// Entries returns every entry ordered by path.
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_entries", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT path, name, parent_path, kind, size, mod_time, extension, depth
		 FROM entries ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// EntryCount returns the total number of indexed entries.
func (s *Store) EntryCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&count)
	return count, err
}

// DeleteEntry removes a single entry; its tags cascade. It reports
// whether a row was deleted.
func (s *Store) DeleteEntry(ctx context.Context, path string) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_entry", time.Since(start)) }()

	result, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE path = ?`, path)
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	rows, _ := result.RowsAffected()
	logging.Debug("deleted entry", zap.String("path", path), zap.Int64("rows", rows))
	return rows > 0, nil
}

// DeleteSubtree removes a directory entry and every entry whose path is
// a descendant. Tags and repo metadata cascade. It returns the deleted
// paths in depth order.
func (s *Store) DeleteSubtree(ctx context.Context, path string) ([]string, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_subtree", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	prefix := escapeLike(path) + "/%"
	rows, err := tx.QueryContext(ctx,
		`SELECT path FROM entries WHERE path = ? OR path LIKE ? ESCAPE '\' ORDER BY depth`,
		path, prefix)
	if err != nil {
		return nil, fmt.Errorf("query subtree: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan subtree: %w", err)
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entries WHERE path = ? OR path LIKE ? ESCAPE '\'`, path, prefix); err != nil {
		return nil, fmt.Errorf("delete subtree: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	logging.Debug("deleted subtree", zap.String("path", path), zap.Int("rows", len(paths)))
	return paths, nil
}

// ─── Tags ───────────────────────────────────────────────────────────────────

// AddTag attaches a (key, value) pair to an entry. Duplicate adds are a
// no-op; the entry must exist. It reports whether a row was inserted.
func (s *Store) AddTag(ctx context.Context, path, key, value string) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("add_tag", time.Since(start)) }()

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM entries WHERE path = ?)`, path).Scan(&exists); err != nil {
		return false, fmt.Errorf("check entry: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tags (path, key, value) VALUES (?, ?, ?)`,
		path, key, value)
	if err != nil {
		return false, fmt.Errorf("add tag: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// RemoveTag deletes one tag; removing an absent tag is a no-op. It
// reports whether a row was deleted.
func (s *Store) RemoveTag(ctx context.Context, path, key, value string) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("remove_tag", time.Since(start)) }()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM tags WHERE path = ? AND key = ? AND value = ?`, path, key, value)
	if err != nil {
		return false, fmt.Errorf("remove tag: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// Tags returns every tag ordered by (path, key, value).
func (s *Store) Tags(ctx context.Context) ([]Tag, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_tags", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT path, key, value FROM tags ORDER BY path, key, value`)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()

	var out []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.Path, &t.Key, &t.Value); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TagsForEntry returns the tags attached to one path.
func (s *Store) TagsForEntry(ctx context.Context, path string) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, key, value FROM tags WHERE path = ? ORDER BY key, value`, path)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()

	var out []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.Path, &t.Key, &t.Value); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PathsWithTag returns the set of entry paths carrying the given tag.
func (s *Store) PathsWithTag(ctx context.Context, key, value string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM tags WHERE key = ? AND value = ? ORDER BY path`, key, value)
	if err != nil {
		return nil, fmt.Errorf("query tag paths: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ─── Repository metadata ────────────────────────────────────────────────────

// UpsertRepo stores repository metadata for a directory, replacing its
// remotes. The owning entry must already be indexed.
func (s *Store) UpsertRepo(ctx context.Context, r *Repo) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("upsert_repo", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO repos (path, detected_at, branch, commit_count, branch_count)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (path) DO UPDATE SET
			detected_at = excluded.detected_at,
			branch = excluded.branch,
			commit_count = excluded.commit_count,
			branch_count = excluded.branch_count`,
		r.Path, r.DetectedAt, r.Branch, r.CommitCount, r.BranchCount); err != nil {
		return fmt.Errorf("upsert repo: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM repo_remotes WHERE repo_path = ?`, r.Path); err != nil {
		return fmt.Errorf("clear remotes: %w", err)
	}
	for _, remote := range r.Remotes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO repo_remotes (repo_path, name, fetch_url, push_url) VALUES (?, ?, ?, ?)`,
			r.Path, remote.Name, remote.FetchURL, remote.PushURL); err != nil {
			return fmt.Errorf("insert remote: %w", err)
		}
	}

	return tx.Commit()
}

// DeleteRepo clears repository metadata for a directory. It reports
// whether a row was deleted.
func (s *Store) DeleteRepo(ctx context.Context, path string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM repos WHERE path = ?`, path)
	if err != nil {
		return false, fmt.Errorf("delete repo: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// GetRepo returns repository metadata for a directory, or ErrNotFound.
func (s *Store) GetRepo(ctx context.Context, path string) (*Repo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT path, detected_at, branch, commit_count, branch_count FROM repos WHERE path = ?`, path)
	var r Repo
	if err := row.Scan(&r.Path, &r.DetectedAt, &r.Branch, &r.CommitCount, &r.BranchCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan repo: %w", err)
	}
	remotes, err := s.remotesFor(ctx, r.Path)
	if err != nil {
		return nil, err
	}
	r.Remotes = remotes
	return &r, nil
}

// Repos returns all repository metadata with remotes attached.
func (s *Store) Repos(ctx context.Context) ([]Repo, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_repos", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT path, detected_at, branch, commit_count, branch_count FROM repos ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("query repos: %w", err)
	}
	defer rows.Close()

	var out []Repo
	for rows.Next() {
		var r Repo
		if err := rows.Scan(&r.Path, &r.DetectedAt, &r.Branch, &r.CommitCount, &r.BranchCount); err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		remotes, err := s.remotesFor(ctx, out[i].Path)
		if err != nil {
			return nil, err
		}
		out[i].Remotes = remotes
	}
	return out, nil
}

func (s *Store) remotesFor(ctx context.Context, repoPath string) ([]Remote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, fetch_url, push_url FROM repo_remotes WHERE repo_path = ? ORDER BY name`, repoPath)
	if err != nil {
		return nil, fmt.Errorf("query remotes: %w", err)
	}
	defer rows.Close()

	var out []Remote
	for rows.Next() {
		var r Remote
		if err := rows.Scan(&r.Name, &r.FetchURL, &r.PushURL); err != nil {
			return nil, fmt.Errorf("scan remote: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── Helpers ────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var parent sql.NullString
	if err := row.Scan(&e.Path, &e.Name, &parent, &e.Kind, &e.Size, &e.ModTime, &e.Extension, &e.Depth); err != nil {
		return nil, err
	}
	e.ParentPath = parent.String
	return &e, nil
}

// escapeLike escapes LIKE metacharacters so stored paths containing
// them cannot widen a prefix match.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
