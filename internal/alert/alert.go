// Package alert delivers task failure notifications out of band.
package alert

import (
	"context"
	"fmt"
	"time"

	"taskd/internal/eventbus"
	logx "taskd/pkg/logx"
)

const EventFailure = "alert.failure"

// Failure describes one failed task execution.
type Failure struct {
	TaskID   int64     `json:"task_id"`
	TaskName string    `json:"task_name"`
	TaskType string    `json:"task_type"`
	RunID    string    `json:"run_id"`
	ErrType  string    `json:"err_type"`
	Err      string    `json:"err"`
	Panicked bool      `json:"panicked,omitempty"`
	At       time.Time `json:"at"`
}

// NewFailure fills ErrType with the dynamic type of err.
func NewFailure(id int64, name, typ, runID string, err error, panicked bool, at time.Time) Failure {
	f := Failure{TaskID: id, TaskName: name, TaskType: typ, RunID: runID, Panicked: panicked, At: at}
	if err != nil {
		f.ErrType = fmt.Sprintf("%T", err)
		f.Err = err.Error()
	}
	return f
}

// Notifier is called from the firing goroutine and must not block for long.
type Notifier interface {
	NotifyFailure(ctx context.Context, f Failure)
}

// Fanout notifies every member in order.
type Fanout []Notifier

func (f Fanout) NotifyFailure(ctx context.Context, fl Failure) {
	for _, n := range f {
		if n != nil {
			n.NotifyFailure(ctx, fl)
		}
	}
}

// Log writes failures at error level.
type Log struct{ Log logx.Logger }

func (l Log) NotifyFailure(_ context.Context, f Failure) {
	l.Log.Error("task failure",
		logx.Int64("task_id", f.TaskID),
		logx.String("task", f.TaskName),
		logx.String("type", f.TaskType),
		logx.String("run_id", f.RunID),
		logx.String("err_type", f.ErrType),
		logx.String("err", f.Err),
		logx.Bool("panicked", f.Panicked),
	)
}

// Bus republishes failures as EventFailure.
type Bus struct{ Bus eventbus.Bus }

func (b Bus) NotifyFailure(_ context.Context, f Failure) {
	if b.Bus == nil {
		return
	}
	b.Bus.Publish(eventbus.Event{Type: EventFailure, Time: f.At, Data: f})
}
