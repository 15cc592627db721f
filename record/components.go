package record

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/engramlabs/engram-go/core"
)

// Components is the store for versioned identity/knowledge components.
// Editing is modeled as appending a revision and bumping the version,
// never as an in-place overwrite.
type Components struct {
	db *sql.DB
}

// NewComponents creates the component store over an existing database
// handle.
func NewComponents(db *sql.DB) (*Components, error) {
	c := &Components{db: db}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Components) init() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS components (
			name         TEXT PRIMARY KEY,
			current_text TEXT NOT NULL,
			confidence   REAL NOT NULL DEFAULT 0,
			record_count INTEGER NOT NULL DEFAULT 0,
			version      INTEGER NOT NULL DEFAULT 1
		);
		CREATE TABLE IF NOT EXISTS component_revisions (
			name          TEXT NOT NULL,
			version       INTEGER NOT NULL,
			previous_text TEXT NOT NULL,
			new_text      TEXT NOT NULL,
			reason        TEXT NOT NULL,
			timestamp     TEXT NOT NULL,
			PRIMARY KEY (name, version)
		);
	`)
	if err != nil {
		return fmt.Errorf("init components schema: %w", err)
	}
	return nil
}

// Bootstrap creates a component with its initial text if it does not
// exist yet. Returns the stored component either way.
func (c *Components) Bootstrap(ctx context.Context, name, text string) (*core.Component, error) {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO components (name, current_text, version) VALUES (?, ?, 1)
		ON CONFLICT(name) DO NOTHING`, name, text)
	if err != nil {
		return nil, fmt.Errorf("bootstrap component: %w", err)
	}
	return c.Get(ctx, name)
}

// Get returns a component with its full revision history.
func (c *Components) Get(ctx context.Context, name string) (*core.Component, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT name, current_text, confidence, record_count, version
		FROM components WHERE name = ?`, name)

	var comp core.Component
	err := row.Scan(&comp.Name, &comp.CurrentText, &comp.Confidence,
		&comp.BasedOnRecordCount, &comp.Version)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Entity: "component", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("get component: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT version, previous_text, new_text, reason, timestamp
		FROM component_revisions WHERE name = ? ORDER BY version ASC`, name)
	if err != nil {
		return nil, fmt.Errorf("get revisions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rev core.Revision
		var ts string
		if err := rows.Scan(&rev.Version, &rev.PreviousText, &rev.NewText, &rev.Reason, &ts); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rev.Timestamp = t
		}
		comp.History = append(comp.History, rev)
	}
	return &comp, rows.Err()
}

// List returns every component, without histories.
func (c *Components) List(ctx context.Context) ([]*core.Component, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT name, current_text, confidence, record_count, version
		FROM components ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list components: %w", err)
	}
	defer rows.Close()

	var out []*core.Component
	for rows.Next() {
		var comp core.Component
		if err := rows.Scan(&comp.Name, &comp.CurrentText, &comp.Confidence,
			&comp.BasedOnRecordCount, &comp.Version); err != nil {
			return nil, fmt.Errorf("scan component: %w", err)
		}
		out = append(out, &comp)
	}
	return out, rows.Err()
}

// Revise appends a revision and bumps the version atomically. The
// version strictly increases and the revision log is append-only;
// CurrentText after Revise equals newText.
func (c *Components) Revise(ctx context.Context, name, newText, reason string, confidence float64, evidenceCount int) (*core.Component, error) {
	comp, err := c.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin revise: %w", err)
	}
	defer tx.Rollback()

	next := comp.Version + 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO component_revisions (name, version, previous_text, new_text, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		name, next, comp.CurrentText, newText, reason,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert revision: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE components
		SET current_text = ?, confidence = ?, record_count = record_count + ?, version = ?
		WHERE name = ?`,
		newText, confidence, evidenceCount, next, name)
	if err != nil {
		return nil, fmt.Errorf("update component: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit revise: %w", err)
	}
	return c.Get(ctx, name)
}
