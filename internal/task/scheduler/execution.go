package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"taskd/internal/alert"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

const (
	stateIdle int32 = iota
	stateRunning
	stateCancelled
)

// execution binds one Task instance to its definition's timer. It moves
// Idle -> Running -> Idle on every firing and ends in Cancelled. A cancelled
// execution never fires again; rescheduling builds a new one.
type execution struct {
	svc   *Service
	task  task.Task
	timer *timer
	entry cron.EntryID
	state atomic.Int32

	mu  sync.Mutex
	def *task.Definition
}

func newExecution(s *Service, def *task.Definition, t task.Task, tm *timer) *execution {
	return &execution{svc: s, task: t, timer: tm, def: def}
}

func (w *execution) definition() *task.Definition {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.def.Clone()
}

func (w *execution) running() bool { return w.state.Load() == stateRunning }

// Run implements cron.Job.
func (w *execution) Run() {
	w.timer.gate.Lock()
	defer w.timer.gate.Unlock()

	if !w.state.CompareAndSwap(stateIdle, stateRunning) {
		return
	}
	w.fire()
	if !w.state.CompareAndSwap(stateRunning, stateIdle) {
		// Cancelled while running: the task is shut down here, once the
		// run that was in flight has returned.
		def := w.definition()
		if err := w.shutdownTask(context.Background()); err != nil {
			w.svc.log.Warn("task shutdown failed", logx.Int64("task_id", def.ID), logx.String("task", def.Name), logx.Err(err))
		}
	}
}

func (w *execution) fire() {
	s := w.svc
	def := w.definition()
	ctx := s.baseContext()
	runID := uuid.NewString()
	log := s.log.With(logx.Int64("task_id", def.ID), logx.String("task", def.Name), logx.String("run_id", runID))

	run := Run{RunID: runID, TaskID: def.ID, TaskName: def.Name, TaskType: def.Type, Started: s.clock.Now()}
	s.publish(EventTaskStarted, run)
	log.Debug("task executing")

	panicked, err := w.execute(ctx, log)

	run.Finished = s.clock.Now()
	run.Duration = run.Finished.Sub(run.Started)
	run.Panicked = panicked
	if err != nil {
		run.Err = err.Error()
		log.Error("task execution failed",
			logx.String("type", def.Type),
			logx.String("impl", fmt.Sprintf("%T", w.task)),
			logx.String("err_type", fmt.Sprintf("%T", err)),
			logx.Err(err),
		)
		s.notifier.NotifyFailure(ctx, alert.NewFailure(def.ID, def.Name, def.Type, runID, err, panicked, run.Finished))
		s.publish(EventTaskFailed, run)
	} else {
		log.Debug("task executed", logx.Duration("took", run.Duration))
		s.publish(EventTaskFinished, run)
	}

	w.recordExecution(ctx, run.Finished, log)
	s.history.add(run)
}

func (w *execution) execute(ctx context.Context, log logx.Logger) (panicked bool, err error) {
	if tr, ok := w.task.(task.Tracker); ok {
		tr.StartExecuting()
		defer tr.StopExecuting()
	}
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("panic: %v", r)
			log.Error("task.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return false, w.task.Execute(ctx)
}

// recordExecution persists the last execution time under elevation. A
// failure here is logged only.
func (w *execution) recordExecution(ctx context.Context, at time.Time, log logx.Logger) {
	w.mu.Lock()
	t := at
	w.def.LastExecutionTime = &t
	snap := w.def.Clone()
	w.mu.Unlock()
	w.task.SetDefinition(snap)

	defer func() {
		if r := recover(); r != nil {
			log.Error("last execution time persist panicked", logx.Any("panic", r))
		}
	}()
	ectx, release := w.svc.elevator.Elevate(context.WithoutCancel(ctx))
	defer release()
	if err := w.svc.store.SetLastExecutionTime(ectx, snap.ID, at); err != nil {
		log.Warn("failed to persist last execution time", logx.Err(err))
	}
}

// cancel removes the execution from its timer and shuts the task down. If a
// run is in flight its Run shuts the task down when it returns. Only the
// first call has an effect.
func (w *execution) cancel(ctx context.Context) error {
	prev := w.state.Swap(stateCancelled)
	if prev == stateCancelled {
		return nil
	}
	w.timer.remove(w.entry)
	if prev == stateRunning {
		return nil
	}
	return w.shutdownTask(ctx)
}

func (w *execution) shutdownTask(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("shutdown panic: %v", r)
		}
	}()
	return w.task.Shutdown(ctx)
}
