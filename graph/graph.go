// Package graph maintains the bidirectional typed link graph between
// record ids.
//
// Edges are stored once and indexed on both endpoints, so reverse lookup
// needs no second write. Traversal is breadth-first with a visited set
// and terminates on cyclic graphs.
package graph

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/engramlabs/engram-go/core"
)

// Graph is the SQLite-backed link graph. It shares a database handle
// with the record store.
type Graph struct {
	db *sql.DB
}

// New creates the link graph over an existing database handle.
func New(db *sql.DB) (*Graph, error) {
	g := &Graph{db: db}
	if err := g.init(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) init() error {
	_, err := g.db.Exec(`
		CREATE TABLE IF NOT EXISTS links (
			id           TEXT PRIMARY KEY,
			from_id      TEXT NOT NULL,
			to_id        TEXT NOT NULL,
			relationship TEXT NOT NULL,
			confidence   REAL NOT NULL,
			created_at   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_links_from ON links(from_id);
		CREATE INDEX IF NOT EXISTS idx_links_to ON links(to_id);
	`)
	if err != nil {
		return fmt.Errorf("init links schema: %w", err)
	}
	return nil
}

// AddLink creates a directed, typed edge between two record ids.
func (g *Graph) AddLink(ctx context.Context, fromID, toID string, rel core.Relationship, confidence float64) (string, error) {
	if fromID == "" || toID == "" {
		return "", &core.ValidationError{Field: "link", Reason: "from_id and to_id required"}
	}
	if !core.ValidRelationship(rel) {
		return "", &core.ValidationError{Field: "relationship", Reason: "unknown relationship " + string(rel)}
	}
	if confidence < 0 || confidence > 1 {
		return "", &core.ValidationError{Field: "confidence", Reason: "must be in [0,1]"}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate link id: %w", err)
	}

	_, err = g.db.ExecContext(ctx, `
		INSERT INTO links (id, from_id, to_id, relationship, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), fromID, toID, string(rel), confidence,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert link: %w", err)
	}
	return id.String(), nil
}

// Links returns the edges touching id in the given direction. When
// multiple edges connect the same pair of records, only the preferred
// one is returned: highest confidence, then most recent.
func (g *Graph) Links(ctx context.Context, id string, dir core.Direction) ([]*core.Link, error) {
	var query string
	var args []interface{}
	switch dir {
	case core.DirOut:
		query = `SELECT id, from_id, to_id, relationship, confidence, created_at FROM links WHERE from_id = ?`
		args = []interface{}{id}
	case core.DirIn:
		query = `SELECT id, from_id, to_id, relationship, confidence, created_at FROM links WHERE to_id = ?`
		args = []interface{}{id}
	default:
		query = `SELECT id, from_id, to_id, relationship, confidence, created_at FROM links WHERE from_id = ? OR to_id = ?`
		args = []interface{}{id, id}
	}
	query += ` ORDER BY confidence DESC, created_at DESC`

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &core.StoreUnavailableError{Store: "link graph", Err: err}
	}
	defer rows.Close()

	// Rows arrive best-first, so the first edge seen per neighbor wins
	// the tie-break.
	seen := make(map[string]bool)
	var out []*core.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		other := l.ToID
		if other == id {
			other = l.FromID
		}
		if seen[other] {
			continue
		}
		seen[other] = true
		out = append(out, l)
	}
	return out, rows.Err()
}

// Neighbors returns the set of record ids reachable from id within
// maxDepth hops, breadth-first, excluding id itself. The visited set
// makes traversal safe on cyclic graphs.
func (g *Graph) Neighbors(ctx context.Context, id string, dir core.Direction, maxDepth int) ([]string, error) {
	if maxDepth < 1 {
		return nil, nil
	}

	visited := map[string]bool{id: true}
	frontier := []string{id}
	var out []string

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, cur := range frontier {
			links, err := g.Links(ctx, cur, dir)
			if err != nil {
				return nil, err
			}
			for _, l := range links {
				other := l.ToID
				if other == cur {
					other = l.FromID
				}
				if visited[other] {
					continue
				}
				visited[other] = true
				next = append(next, other)
				out = append(out, other)
			}
		}
		frontier = next
	}
	return out, nil
}

func scanLink(rows *sql.Rows) (*core.Link, error) {
	var l core.Link
	var rel, createdAt string
	if err := rows.Scan(&l.ID, &l.FromID, &l.ToID, &rel, &l.Confidence, &createdAt); err != nil {
		return nil, err
	}
	l.Relationship = core.Relationship(rel)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		l.CreatedAt = t
	}
	return &l, nil
}
