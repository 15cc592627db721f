package core

import "time"

// TaskStatus is the task state machine:
//
//	pending -> running -> {completed | failed | timed_out}
//	failed / timed_out -> pending (on retry, bounded attempts)
//	failed / timed_out -> dead (retries exhausted)
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimedOut  TaskStatus = "timed_out"
	TaskDead      TaskStatus = "dead"
)

// Terminal reports whether the status admits no further transitions
// without an explicit retry.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskDead
}

// Task is a unit of background work.
//
// At most one worker executes a given task id at a time. Attempts
// increments only on retry, never on the first run.
type Task struct {
	ID         string
	Kind       string
	Params     map[string]string
	Status     TaskStatus
	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Attempts   int
	Result     string
	Error      string
}
