// Package queue is the durable background task runner.
//
// Tasks persist in SQLite, so a restart resumes pending work and requeues
// tasks that were mid-flight when the process died. Each task runs in
// isolation with a kind-specific deadline enforced by a cancellable
// execution unit per task, not by signals: workers run off the main
// goroutine and a hung handler can never block the worker that has to
// mark it timed out.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/engramlabs/engram-go/core"
)

// Handler executes one task kind. The context carries the task deadline;
// handlers should stop work when it is cancelled, but the queue remains
// correct even if they do not.
type Handler func(ctx context.Context, task *core.Task) (result string, err error)

// Config configures the queue.
type Config struct {
	// Workers is the size of the worker pool.
	Workers int

	// MaxRetries bounds retries after a failure or timeout. The task
	// goes dead once retries are exhausted.
	MaxRetries int

	// PollInterval is how often idle workers look for pending tasks.
	PollInterval time.Duration

	// DefaultTimeout applies to kinds with no specific timeout.
	DefaultTimeout time.Duration

	// Timeouts overrides the deadline per task kind.
	Timeouts map[string]time.Duration

	// Retention is how long completed/dead tasks are kept.
	Retention time.Duration

	// MaxTerminal caps retained terminal tasks regardless of age.
	MaxTerminal int
}

// DefaultConfig returns the standard deadlines: generic work 300s,
// embedding generation 120s, small writes 5s.
var DefaultConfig = &Config{
	Workers:        2,
	MaxRetries:     1,
	PollInterval:   250 * time.Millisecond,
	DefaultTimeout: 300 * time.Second,
	Timeouts: map[string]time.Duration{
		"assess_record":   120 * time.Second,
		"backfill_record": 120 * time.Second,
		"write_small":     5 * time.Second,
	},
	Retention:   time.Hour,
	MaxTerminal: 50,
}

// Queue is the durable, ordered background-job runner.
type Queue struct {
	db       *sql.DB
	cfg      *Config
	handlers map[string]Handler

	// mu guards queue state transitions only. It is never held across a
	// handler call or any other slow I/O.
	mu   sync.Mutex
	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates the queue over an existing database handle and requeues
// any task left running by a previous process.
func New(db *sql.DB, cfg *Config) (*Queue, error) {
	if cfg == nil {
		cfg = DefaultConfig
	}
	q := &Queue{
		db:       db,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	if err := q.init(); err != nil {
		return nil, err
	}
	if err := q.requeueStale(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) init() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			params      TEXT NOT NULL DEFAULT '{}',
			status      TEXT NOT NULL,
			enqueued_at TEXT NOT NULL,
			started_at  TEXT,
			finished_at TEXT,
			attempts    INTEGER NOT NULL DEFAULT 0,
			result      TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, enqueued_at);
	`)
	if err != nil {
		return fmt.Errorf("init tasks schema: %w", err)
	}
	return nil
}

// requeueStale moves tasks stuck in running back to pending. Any task
// found running at startup has no active worker.
func (q *Queue) requeueStale() error {
	res, err := q.db.Exec(`UPDATE tasks SET status = ? WHERE status = ?`,
		string(core.TaskPending), string(core.TaskRunning))
	if err != nil {
		return fmt.Errorf("requeue stale tasks: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[QUEUE] Requeued %d stale running tasks", n)
	}
	return nil
}

// Register binds a task kind to its handler. Dispatch is a closed,
// explicit mapping validated here, not a free-text lookup at call time.
// Registering a duplicate kind or a nil handler is a programming error.
func (q *Queue) Register(kind string, h Handler) error {
	if kind == "" || h == nil {
		return &core.ValidationError{Field: "handler", Reason: "kind and handler required"}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.handlers[kind]; ok {
		return &core.ValidationError{Field: "handler", Reason: "duplicate kind " + kind}
	}
	q.handlers[kind] = h
	return nil
}

// Enqueue durably adds a task and nudges an idle worker. The kind must
// have a registered handler.
func (q *Queue) Enqueue(ctx context.Context, kind string, params map[string]string) (string, error) {
	q.mu.Lock()
	_, ok := q.handlers[kind]
	q.mu.Unlock()
	if !ok {
		return "", &core.ValidationError{Field: "kind", Reason: "no handler registered for " + kind}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	if params == nil {
		params = map[string]string{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshal params: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, params, status, enqueued_at)
		VALUES (?, ?, ?, ?, ?)`,
		id.String(), kind, string(data), string(core.TaskPending),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return id.String(), nil
}

// Start launches the worker pool and the cleanup loop.
func (q *Queue) Start() {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.wg.Add(1)
	go q.cleanupLoop()
	log.Printf("[QUEUE] Started %d workers", q.cfg.Workers)
}

// Stop signals workers to finish their current task and waits for them.
func (q *Queue) Stop() {
	close(q.stop)
	q.wg.Wait()
	log.Printf("[QUEUE] Stopped")
}

func (q *Queue) worker(n int) {
	defer q.wg.Done()
	for {
		task, ok := q.claim()
		if ok {
			q.execute(task)
			continue
		}
		select {
		case <-q.stop:
			return
		case <-q.wake:
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

// claim atomically moves the oldest pending task to running. The mutex
// covers only the state transition.
func (q *Queue) claim() (*core.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	row := q.db.QueryRow(`
		SELECT id, kind, params, attempts FROM tasks
		WHERE status = ? ORDER BY enqueued_at ASC LIMIT 1`,
		string(core.TaskPending))

	var t core.Task
	var params string
	if err := row.Scan(&t.ID, &t.Kind, &params, &t.Attempts); err != nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
		t.Params = map[string]string{}
	}

	t.StartedAt = time.Now().UTC()
	_, err := q.db.Exec(`UPDATE tasks SET status = ?, started_at = ? WHERE id = ?`,
		string(core.TaskRunning), t.StartedAt.Format(time.RFC3339Nano), t.ID)
	if err != nil {
		log.Printf("[QUEUE] Failed to claim task %s: %v", t.ID, err)
		return nil, false
	}
	t.Status = core.TaskRunning
	return &t, true
}

// execute runs one task with its kind-specific deadline. The handler
// runs in its own goroutine with a result channel: when the deadline
// fires the worker marks the task timed out and moves on, whether or not
// the handler honoured the cancellation.
func (q *Queue) execute(task *core.Task) {
	q.mu.Lock()
	handler := q.handlers[task.Kind]
	q.mu.Unlock()

	timeout := q.timeoutFor(task.Kind)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		result, err := handler(ctx, task)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			log.Printf("[QUEUE] Task %s (%s) failed: %v", task.ID, task.Kind, out.err)
			q.settle(task, core.TaskFailed, "", out.err.Error())
		} else {
			q.settle(task, core.TaskCompleted, out.result, "")
		}
	case <-ctx.Done():
		terr := &core.TimeoutError{TaskID: task.ID, Deadline: timeout}
		log.Printf("[QUEUE] Task %s (%s) timed out after %s", task.ID, task.Kind, timeout)
		q.settle(task, core.TaskTimedOut, "", terr.Error())
	}
}

// settle records the task outcome and schedules the retry if one is
// left. Retries requeue the same task id, so a retry can only start
// after this attempt has fully terminated.
func (q *Queue) settle(task *core.Task, status core.TaskStatus, result, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	retryable := status == core.TaskFailed || status == core.TaskTimedOut
	if retryable && task.Attempts < q.cfg.MaxRetries {
		_, err := q.db.Exec(`
			UPDATE tasks SET status = ?, attempts = attempts + 1, error = ? WHERE id = ?`,
			string(core.TaskPending), errMsg, task.ID)
		if err != nil {
			log.Printf("[QUEUE] Failed to requeue task %s: %v", task.ID, err)
		} else {
			log.Printf("[QUEUE] Retrying task %s (attempt %d)", task.ID, task.Attempts+1)
		}
		return
	}

	finished := time.Now().UTC().Format(time.RFC3339Nano)
	if retryable {
		// Retries exhausted: dead, surfaced to operators via introspection.
		dead := &core.RetryExhaustedError{TaskID: task.ID, Attempts: task.Attempts + 1, LastErr: errMsg}
		_, err := q.db.Exec(`
			UPDATE tasks SET status = ?, finished_at = ?, error = ? WHERE id = ?`,
			string(core.TaskDead), finished, dead.Error(), task.ID)
		if err != nil {
			log.Printf("[QUEUE] Failed to mark task %s dead: %v", task.ID, err)
		}
		return
	}

	_, err := q.db.Exec(`
		UPDATE tasks SET status = ?, finished_at = ?, result = ?, error = ? WHERE id = ?`,
		string(status), finished, result, errMsg, task.ID)
	if err != nil {
		log.Printf("[QUEUE] Failed to settle task %s: %v", task.ID, err)
	}
}

func (q *Queue) timeoutFor(kind string) time.Duration {
	if d, ok := q.cfg.Timeouts[kind]; ok {
		return d
	}
	return q.cfg.DefaultTimeout
}

func (q *Queue) cleanupLoop() {
	defer q.wg.Done()
	interval := q.cfg.Retention / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	for {
		select {
		case <-q.stop:
			return
		case <-time.After(interval):
			q.Cleanup()
		}
	}
}

// Cleanup prunes terminal tasks older than the retention window and caps
// retained terminal tasks, bounding table growth.
func (q *Queue) Cleanup() {
	cutoff := time.Now().UTC().Add(-q.cfg.Retention).Format(time.RFC3339Nano)
	res, err := q.db.Exec(`
		DELETE FROM tasks
		WHERE status IN (?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		string(core.TaskCompleted), string(core.TaskDead), cutoff)
	if err != nil {
		log.Printf("[QUEUE] Cleanup failed: %v", err)
		return
	}
	pruned, _ := res.RowsAffected()

	res, err = q.db.Exec(`
		DELETE FROM tasks WHERE status IN (?, ?) AND id NOT IN (
			SELECT id FROM tasks WHERE status IN (?, ?)
			ORDER BY finished_at DESC LIMIT ?
		)`,
		string(core.TaskCompleted), string(core.TaskDead),
		string(core.TaskCompleted), string(core.TaskDead),
		q.cfg.MaxTerminal)
	if err != nil {
		log.Printf("[QUEUE] Cleanup cap failed: %v", err)
		return
	}
	capped, _ := res.RowsAffected()
	if pruned+capped > 0 {
		log.Printf("[QUEUE] Pruned %d terminal tasks", pruned+capped)
	}
}

// List returns tasks, optionally filtered by status, newest first.
func (q *Queue) List(ctx context.Context, statuses ...core.TaskStatus) ([]*core.Task, error) {
	query := `
		SELECT id, kind, params, status, enqueued_at, started_at, finished_at, attempts, result, error
		FROM tasks`
	var args []interface{}
	if len(statuses) > 0 {
		query += " WHERE status IN ("
		for i, s := range statuses {
			if i > 0 {
				query += ", "
			}
			query += "?"
			args = append(args, string(s))
		}
		query += ")"
	}
	query += " ORDER BY enqueued_at DESC"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*core.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Status returns the state of one task.
func (q *Queue) Status(ctx context.Context, taskID string) (*core.Task, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, kind, params, status, enqueued_at, started_at, finished_at, attempts, result, error
		FROM tasks WHERE id = ?`, taskID)

	t, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return nil, &core.NotFoundError{Entity: "task", ID: taskID}
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

type taskScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(rows *sql.Rows) (*core.Task, error) { return scanTaskRow(rows) }
func scanTaskRow(row taskScanner) (*core.Task, error) {
	var t core.Task
	var params, status, enqueued string
	var started, finished sql.NullString

	err := row.Scan(&t.ID, &t.Kind, &params, &status, &enqueued, &started, &finished,
		&t.Attempts, &t.Result, &t.Error)
	if err != nil {
		return nil, err
	}

	t.Status = core.TaskStatus(status)
	if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
		t.Params = map[string]string{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, enqueued); err == nil {
		t.EnqueuedAt = ts
	}
	if started.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, started.String); err == nil {
			t.StartedAt = ts
		}
	}
	if finished.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, finished.String); err == nil {
			t.FinishedAt = ts
		}
	}
	return &t, nil
}
