// Package record provides the durable, append-only record store.
//
// The record store is the source of truth for all memory content. The
// vector index and link graph hold derived, rebuildable projections keyed
// by record id; any field present on a Record is authoritative here.
//
// Records never mutate after creation. The only columns written after the
// initial append are the derived ones (embedding, assessment results),
// filled in by background tasks.
package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/engramlabs/engram-go/core"
)

// Store is the SQLite-backed record store.
type Store struct {
	db    *sql.DB
	cache *cache
}

// Config configures the record store.
type Config struct {
	// Path is the SQLite database file. Empty means in-memory (tests).
	Path string

	// CacheSize caps the read cache in entries. 0 disables the cache.
	CacheSize int64
}

// DefaultConfig returns sensible defaults for local use.
var DefaultConfig = &Config{
	Path:      "engram.db",
	CacheSize: 4096,
}

// Open creates or opens the record store at the configured path.
func Open(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig
	}

	dsn := cfg.Path
	if dsn == "" {
		dsn = "file:engram?mode=memory&cache=shared"
	} else {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil && filepath.Dir(dsn) != "." {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single shared connection avoids writer lock contention with SQLite
	// under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if cfg.CacheSize > 0 {
		c, err := newCache(cfg.CacheSize)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create record cache: %w", err)
		}
		s.cache = c
	}

	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			actor      TEXT NOT NULL,
			location   TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0,
			valence    TEXT NOT NULL DEFAULT 'unknown',
			intensity  REAL NOT NULL DEFAULT 0,
			tags       TEXT NOT NULL DEFAULT '[]',
			embedding  TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_records_actor_created ON records(actor, created_at);
		CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Append validates and durably writes a record, assigning its id and
// creation time. The write is committed before Append returns: the
// interactive path relies on the record surviving a crash immediately
// afterwards.
func (s *Store) Append(ctx context.Context, r *core.Record) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate record id: %w", err)
	}
	r.ID = id.String()
	r.CreatedAt = time.Now().UTC()
	if r.Valence == "" {
		r.Valence = core.ValenceUnknown
	}

	tags, err := json.Marshal(r.Tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (id, kind, created_at, actor, location, content, importance, valence, intensity, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Kind), r.CreatedAt.Format(time.RFC3339Nano), r.Actor, r.Location,
		r.Content, r.Importance, string(r.Valence), r.Intensity, string(tags),
	)
	if err != nil {
		return "", fmt.Errorf("insert record: %w", err)
	}

	log.Printf("[RECORD] Appended %s: kind=%s actor=%s", r.ID, r.Kind, r.Actor)
	return r.ID, nil
}

// Get retrieves a record by id. Returns a NotFoundError on a miss.
func (s *Store) Get(ctx context.Context, id string) (*core.Record, error) {
	if s.cache != nil {
		if r, ok := s.cache.get(id); ok {
			return r, nil
		}
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, created_at, actor, location, content, importance, valence, intensity, tags, embedding
		FROM records WHERE id = ?`, id)

	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Entity: "record", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	if s.cache != nil {
		s.cache.put(r)
	}
	return r, nil
}

// List returns records matching the filter, ordered by created_at
// ascending (then id, so same-timestamp records keep insertion order).
func (s *Store) List(ctx context.Context, f core.Filter) ([]*core.Record, error) {
	query := `
		SELECT id, kind, created_at, actor, location, content, importance, valence, intensity, tags, embedding
		FROM records WHERE 1=1`
	var args []interface{}

	if f.Actor != "" {
		query += " AND actor = ?"
		args = append(args, f.Actor)
	}
	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(f.Kind))
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		query += " AND created_at < ?"
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*core.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		// Tag filtering happens here rather than in SQL: tags are a JSON
		// array column and the set is small.
		if !hasAllTags(r, f.Tags) {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetEmbedding stores the derived embedding for a record. This is one of
// the two post-append writes the store allows.
func (s *Store) SetEmbedding(ctx context.Context, id string, embedding []float32) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE records SET embedding = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Entity: "record", ID: id}
	}
	if s.cache != nil {
		s.cache.drop(id)
	}
	return nil
}

// SetAssessment stores the derived assessment results for a record:
// importance, valence and intensity. Content is never touched.
func (s *Store) SetAssessment(ctx context.Context, id string, importance float64, valence core.Valence, intensity float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET importance = ?, valence = ?, intensity = ? WHERE id = ?`,
		importance, string(valence), intensity, id)
	if err != nil {
		return fmt.Errorf("set assessment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Entity: "record", ID: id}
	}
	if s.cache != nil {
		s.cache.drop(id)
	}
	return nil
}

// Exists reports whether a record id resolves. Satisfies the vector
// index's Resolver for lazy pruning of stale entries.
func (s *Store) Exists(ctx context.Context, id string) bool {
	if s.cache != nil {
		if _, ok := s.cache.get(id); ok {
			return true
		}
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE id = ?`, id).Scan(&n); err != nil {
		return false
	}
	return n > 0
}

// Count returns the total number of durable records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// IDs returns every record id in created_at order. Used by the startup
// migration check to diff against the vector index.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM records ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list record ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DB exposes the underlying handle so sibling stores (links, tasks,
// components) can share one database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.cache != nil {
		s.cache.close()
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*core.Record, error) {
	var r core.Record
	var kind, valence, createdAt, tags string
	var embedding sql.NullString

	err := row.Scan(&r.ID, &kind, &createdAt, &r.Actor, &r.Location, &r.Content,
		&r.Importance, &valence, &r.Intensity, &tags, &embedding)
	if err != nil {
		return nil, err
	}

	r.Kind = core.Kind(kind)
	r.Valence = core.Valence(valence)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		r.CreatedAt = t
	}
	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &r.Embedding); err != nil {
			return nil, fmt.Errorf("unmarshal embedding: %w", err)
		}
	}
	return &r, nil
}

func hasAllTags(r *core.Record, tags []string) bool {
	for _, t := range tags {
		if !r.HasTag(t) {
			return false
		}
	}
	return true
}
