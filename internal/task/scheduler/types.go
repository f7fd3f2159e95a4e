package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskd/internal/alert"
	"taskd/internal/eventbus"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

const (
	StatusNotRunning = "Not Running"
	StatusExecuting  = "Currently executing"

	statusTimeLayout = "2006-01-02 15:04:05"
)

const (
	EventTaskScheduled = "task.scheduled"
	EventTaskShutdown  = "task.shutdown"
	EventTaskStarted   = "task.started"
	EventTaskFinished  = "task.finished"
	EventTaskFailed    = "task.failed"
	EventSuspended     = "scheduler.suspended"
	EventResumed       = "scheduler.resumed"
)

var (
	ErrTaskStarted     = errors.New("task is started; shut it down first")
	ErrMementoConsumed = errors.New("memento already restored")
	ErrNilDefinition   = errors.New("nil task definition")
)

type Config struct {
	// StartupDelay offsets the first firing of repeating definitions that
	// have no start time. Default 60s.
	StartupDelay time.Duration
	// Location is used by the timers. Default time.Local.
	Location *time.Location
	// HistorySize bounds the in-memory run history. Default 200.
	HistorySize int
	// StopTimeout bounds how long OnShutdown waits for in-flight runs
	// before cancelling their context. Default 30s.
	StopTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.StartupDelay <= 0 {
		c.StartupDelay = 60 * time.Second
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
	return c
}

// Store is the definition persistence the scheduler needs.
type Store interface {
	GetTasks(ctx context.Context) ([]*task.Definition, error)
	GetTask(ctx context.Context, id int64) (*task.Definition, error)
	GetTaskByName(ctx context.Context, name string) (*task.Definition, error)
	CreateTask(ctx context.Context, def *task.Definition) error
	UpdateTask(ctx context.Context, def *task.Definition) error
	DeleteTask(ctx context.Context, id int64) error
	SetLastExecutionTime(ctx context.Context, id int64, at time.Time) error
}

type Factory interface {
	Create(def *task.Definition) (task.Task, error)
}

// Elevator grants the rights needed to persist run bookkeeping whatever the
// caller's actor is. Release must be idempotent.
type Elevator interface {
	Elevate(ctx context.Context) (context.Context, func())
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Deps struct {
	Store    Store
	Factory  Factory
	Notifier alert.Notifier
	Elevator Elevator
	Bus      eventbus.Bus
	Clock    Clock
	Log      logx.Logger
}

// Error is returned by operations that could not bring a definition into
// the requested state.
type Error struct {
	Op       string
	TaskID   int64
	TaskName string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("scheduler: %s %s#%d: %v", e.Op, e.TaskName, e.TaskID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opError(op string, def *task.Definition, err error) error {
	if def == nil {
		return &Error{Op: op, Err: err}
	}
	return &Error{Op: op, TaskID: def.ID, TaskName: def.Name, Err: err}
}

// Run is one recorded execution.
type Run struct {
	RunID    string        `json:"run_id"`
	TaskID   int64         `json:"task_id"`
	TaskName string        `json:"task_name"`
	TaskType string        `json:"task_type"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished,omitzero"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"err,omitempty"`
	Panicked bool          `json:"panicked,omitempty"`
}

// TaskEvent is the payload of task.scheduled and task.shutdown.
type TaskEvent struct {
	TaskID   int64     `json:"task_id"`
	TaskName string    `json:"task_name"`
	Next     time.Time `json:"next,omitzero"`
}

// RestoreReport lists the outcome of RestoreFromMemento per id.
type RestoreReport struct {
	Restored []int64 `json:"restored"`
	Failed   []int64 `json:"failed"`
	Missing  []int64 `json:"missing"`
}
