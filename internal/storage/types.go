package storage

import (
	"context"
	"errors"
	"time"

	"taskd/internal/auth"
	"taskd/internal/task"
)

var (
	ErrNotFound      = errors.New("task definition not found")
	ErrDuplicateName = errors.New("task definition name already exists")
	ErrClosed        = errors.New("storage closed")
)

// Store persists task definitions. Returned definitions are copies owned by
// the caller. CreateTask assigns def.ID.
type Store interface {
	GetTasks(ctx context.Context) ([]*task.Definition, error)
	GetTask(ctx context.Context, id int64) (*task.Definition, error)
	GetTaskByName(ctx context.Context, name string) (*task.Definition, error)
	CreateTask(ctx context.Context, def *task.Definition) error
	UpdateTask(ctx context.Context, def *task.Definition) error
	DeleteTask(ctx context.Context, id int64) error
	SetLastExecutionTime(ctx context.Context, id int64, at time.Time) error
	Close() error
}

// Config selects and configures a driver.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite; 0 keeps the default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// stamp fills audit fields before a write.
func stamp(ctx context.Context, def *task.Definition, now time.Time, create bool) {
	def.ChangedBy = changedBy(ctx)
	def.UpdatedAt = now
	if create || def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
}

func changedBy(ctx context.Context) string { return auth.Name(ctx) }

func toMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}
