package scheduler

import (
	"context"
	"errors"
	"fmt"
	"cmp"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskd/internal/alert"
	"taskd/internal/auth"
	"taskd/internal/eventbus"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// Service owns the live registry of scheduled definitions.
//
// Mutating operations are serialized; queries and firing goroutines only
// take the registry lock, so a running task never blocks the API.
type Service struct {
	cfg      Config
	store    Store
	factory  Factory
	notifier alert.Notifier
	elevator Elevator
	bus      eventbus.Bus
	clock    Clock
	log      logx.Logger
	history  *history

	opMu sync.Mutex

	mu        sync.Mutex
	known     map[int64]*task.Definition
	running   map[int64]*execution
	timers    map[int64]*timer
	errorIDs  map[int64]struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, deps Deps) *Service {
	cfg = cfg.withDefaults()
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	s := &Service{
		cfg:      cfg,
		store:    deps.Store,
		factory:  deps.Factory,
		notifier: deps.Notifier,
		elevator: deps.Elevator,
		bus:      deps.Bus,
		clock:    deps.Clock,
		log:      log,
		history:  newHistory(cfg.HistorySize),
		known:    map[int64]*task.Definition{},
		running:  map[int64]*execution{},
		timers:   map[int64]*timer{},
		errorIDs: map[int64]struct{}{},
	}
	if s.notifier == nil {
		s.notifier = alert.Log{Log: log}
	}
	if s.elevator == nil {
		s.elevator = auth.NewElevator("scheduler")
	}
	if s.bus == nil {
		s.bus = eventbus.New()
	}
	if s.clock == nil {
		s.clock = realClock{}
	}
	return s
}

// baseContext is the parent of every run. It carries no actor and is
// cancelled when OnShutdown gives up waiting for in-flight runs.
func (s *Service) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		s.runCtx, s.runCancel = context.WithCancel(context.Background())
	}
	return s.runCtx
}

func (s *Service) publish(typ string, data any) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: data})
}

// RegisterTask adds def to the known set without scheduling it. The set is
// keyed by id, so an unpersisted def is ignored.
func (s *Service) RegisterTask(def *task.Definition) {
	if def == nil {
		return
	}
	if def.ID == 0 {
		s.log.Debug("not registering unpersisted definition", logx.String("task", def.Name))
		return
	}
	s.mu.Lock()
	s.known[def.ID] = def.Clone()
	s.mu.Unlock()
}

// RegisteredTasks returns the known definitions ordered by name, then id.
func (s *Service) RegisteredTasks() []*task.Definition {
	s.mu.Lock()
	out := make([]*task.Definition, 0, len(s.known))
	for _, def := range s.known {
		out = append(out, def.Clone())
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b *task.Definition) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// ScheduleTask resolves def to a Task and installs it on the definition's
// timer, replacing any execution already live for the same id. An
// unpersisted def is created first. On success def.ID and def.Started are
// updated in place.
func (s *Service) ScheduleTask(ctx context.Context, def *task.Definition) (task.Task, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.scheduleLocked(ctx, def)
}

func (s *Service) scheduleLocked(ctx context.Context, def *task.Definition) (task.Task, error) {
	if def == nil {
		return nil, opError("schedule", nil, ErrNilDefinition)
	}
	if err := def.Validate(); err != nil {
		return nil, opError("schedule", def, err)
	}
	if def.ID == 0 {
		if err := s.store.CreateTask(ctx, def); err != nil {
			return nil, opError("schedule", def, fmt.Errorf("create definition: %w", err))
		}
	}
	log := s.log.With(logx.Int64("task_id", def.ID), logx.String("task", def.Name))

	if s.lookup(def.ID) != nil {
		log.Info("task already scheduled, stopping previous instance")
		if err := s.shutdownLocked(ctx, def); err != nil {
			log.Warn("previous instance shutdown failed", logx.Err(err))
		}
		def.Started = false
	}

	live := def.Clone()
	live.Started = true
	t, err := s.factory.Create(live.Clone())
	if err != nil {
		return nil, opError("schedule", def, err)
	}
	if err := s.store.UpdateTask(ctx, live.Clone()); err != nil {
		if serr := t.Shutdown(ctx); serr != nil {
			log.Warn("task shutdown after failed schedule", logx.Err(serr))
		}
		return nil, opError("schedule", def, fmt.Errorf("persist started: %w", err))
	}

	at, every := firstFiring(live, s.clock.Now(), s.cfg.StartupDelay)
	var sched cron.Schedule = &oneShot{at: at}
	if every > 0 {
		sched = &fixedRate{anchor: at, every: every}
	}

	tm := s.timerFor(live.ID)
	w := newExecution(s, live, t, tm)
	// entry is set before w is published; Run never reads it.
	w.entry = tm.install(sched, w)
	s.mu.Lock()
	s.running[live.ID] = w
	s.known[live.ID] = live.Clone()
	s.mu.Unlock()

	def.Started = true
	log.Info("task scheduled", logx.Time("first", at), logx.Duration("every", every))
	s.publish(EventTaskScheduled, TaskEvent{TaskID: live.ID, TaskName: live.Name, Next: at})
	return t, nil
}

func (s *Service) timerFor(id int64) *timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	tm, ok := s.timers[id]
	if !ok {
		tm = newTimer(id, s.cfg.Location, s.log)
		s.timers[id] = tm
	}
	return tm
}

func (s *Service) lookup(id int64) *execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

// detach removes and returns the live execution for id.
func (s *Service) detach(id int64) *execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.running[id]
	delete(s.running, id)
	return w
}

func (s *Service) scheduledIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.running))
}

// ShutdownTask stops def's live execution and persists started=false. It
// is a no-op for a definition that is not scheduled.
func (s *Service) ShutdownTask(ctx context.Context, def *task.Definition) error {
	if def == nil {
		return nil
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.lookup(def.ID) == nil {
		s.clearStaleStarted(ctx, def.ID)
		def.Started = false
		return nil
	}
	if err := s.shutdownLocked(ctx, def); err != nil {
		return err
	}
	def.Started = false
	return nil
}

// clearStaleStarted resets a persisted started flag that has no live
// execution behind it, as left by a failed schedule.
func (s *Service) clearStaleStarted(ctx context.Context, id int64) {
	if id == 0 {
		return
	}
	cur, err := s.store.GetTask(ctx, id)
	if err != nil || !cur.Started {
		return
	}
	cur.Started = false
	if err := s.store.UpdateTask(ctx, cur); err != nil {
		s.log.Warn("clearing stale started flag failed", logx.Int64("task_id", id), logx.Err(err))
	}
}

func (s *Service) shutdownLocked(ctx context.Context, def *task.Definition) error {
	w := s.detach(def.ID)
	if w == nil {
		return nil
	}
	// Only the flag changes in the store; edits saved since scheduling stay.
	cur := w.definition()
	if stored, err := s.store.GetTask(ctx, cur.ID); err == nil {
		cur = stored
	}
	cur.Started = false
	log := s.log.With(logx.Int64("task_id", cur.ID), logx.String("task", cur.Name))

	var errs []error
	if err := w.cancel(ctx); err != nil {
		errs = append(errs, fmt.Errorf("task shutdown: %w", err))
	}
	if err := s.store.UpdateTask(ctx, cur.Clone()); err != nil {
		errs = append(errs, fmt.Errorf("persist stopped: %w", err))
	}
	s.mu.Lock()
	if _, ok := s.known[cur.ID]; ok {
		s.known[cur.ID] = cur.Clone()
	}
	s.mu.Unlock()

	log.Info("task shut down")
	s.publish(EventTaskShutdown, TaskEvent{TaskID: cur.ID, TaskName: cur.Name})
	if len(errs) > 0 {
		return opError("shutdown", cur, errors.Join(errs...))
	}
	return nil
}

// RescheduleTask replaces def's task instance with a fresh one.
func (s *Service) RescheduleTask(ctx context.Context, def *task.Definition) (task.Task, error) {
	if def == nil {
		return nil, opError("reschedule", nil, ErrNilDefinition)
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.rescheduleLocked(ctx, def)
}

func (s *Service) rescheduleLocked(ctx context.Context, def *task.Definition) (task.Task, error) {
	if err := s.shutdownLocked(ctx, def); err != nil {
		s.log.Warn("reschedule: shutdown failed, scheduling anyway", logx.Int64("task_id", def.ID), logx.Err(err))
	}
	return s.scheduleLocked(ctx, def)
}

// RescheduleAllTasks reschedules every scheduled definition, reloading it
// from the store first. Failures are joined; the loop never stops early.
func (s *Service) RescheduleAllTasks(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	var errs []error
	for _, id := range s.scheduledIDs() {
		w := s.lookup(id)
		if w == nil {
			continue
		}
		def, err := s.store.GetTask(ctx, id)
		if err != nil {
			s.log.Warn("reschedule: reload failed, using live definition", logx.Int64("task_id", id), logx.Err(err))
			def = w.definition()
		}
		if _, err := s.rescheduleLocked(ctx, def); err != nil {
			s.log.Error("reschedule failed", logx.Int64("task_id", id), logx.Err(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ScheduleIfNotRunning schedules def when it has no live task, reschedules
// it when the live task is not executing, and leaves an executing task
// alone. The returned Task is nil in the last case.
func (s *Service) ScheduleIfNotRunning(ctx context.Context, def *task.Definition) (task.Task, error) {
	if def == nil {
		return nil, opError("schedule", nil, ErrNilDefinition)
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	w := s.lookup(def.ID)
	switch {
	case def.ID == 0 || w == nil:
		return s.scheduleLocked(ctx, def)
	case !w.task.IsExecuting():
		return s.rescheduleLocked(ctx, def)
	default:
		return nil, nil
	}
}

// ShutdownAllTasks shuts every scheduled definition down. Failures are
// joined; the loop never stops early.
func (s *Service) ShutdownAllTasks(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.shutdownAllLocked(ctx)
}

func (s *Service) shutdownAllLocked(ctx context.Context) error {
	var errs []error
	for _, id := range s.scheduledIDs() {
		w := s.lookup(id)
		if w == nil {
			continue
		}
		if err := s.shutdownLocked(ctx, w.definition()); err != nil {
			s.log.Warn("task shutdown failed", logx.Int64("task_id", id), logx.Err(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnStartup registers every persisted definition and schedules those
// marked start-on-startup. Started flags left behind by a previous process
// are cleared for the others.
func (s *Service) OnStartup(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.baseContext()
	defs, err := s.store.GetTasks(ctx)
	if err != nil {
		return fmt.Errorf("load task definitions: %w", err)
	}
	var errs []error
	scheduled := 0
	for _, def := range defs {
		s.RegisterTask(def)
		switch {
		case def.StartOnStartup:
			if _, err := s.scheduleLocked(ctx, def); err != nil {
				s.log.Error("startup: task not scheduled", logx.Int64("task_id", def.ID), logx.String("task", def.Name), logx.Err(err))
				errs = append(errs, err)
				continue
			}
			scheduled++
		case def.Started:
			def.Started = false
			if err := s.store.UpdateTask(ctx, def); err != nil {
				s.log.Warn("startup: clearing stale started flag failed", logx.Int64("task_id", def.ID), logx.Err(err))
			}
		}
	}
	s.log.Info("scheduler started", logx.Int("definitions", len(defs)), logx.Int("scheduled", scheduled))
	return errors.Join(errs...)
}

// OnShutdown stops every task and timer. It waits up to StopTimeout for
// in-flight runs, then cancels their context and waits up to StopTimeout
// again, or until ctx is done. Runs that ignore cancellation past that are
// abandoned and logged. No new firing starts once it returns, so it never
// blocks longer than twice StopTimeout.
func (s *Service) OnShutdown(ctx context.Context) error {
	start := time.Now()
	s.opMu.Lock()
	defer s.opMu.Unlock()

	err := s.shutdownAllLocked(ctx)

	s.mu.Lock()
	timers := s.timers
	leftover := s.running
	s.timers = map[int64]*timer{}
	s.running = map[int64]*execution{}
	cancel := s.runCancel
	s.runCtx, s.runCancel = nil, nil
	s.mu.Unlock()

	for id, w := range leftover {
		if cerr := w.cancel(ctx); cerr != nil {
			s.log.Warn("task shutdown failed", logx.Int64("task_id", id), logx.Err(cerr))
		}
	}
	waits := make([]context.Context, 0, len(timers))
	for _, tm := range timers {
		waits = append(waits, tm.stop())
	}

	wait, stop := context.WithTimeout(ctx, s.cfg.StopTimeout)
	defer stop()
	if !waitAll(wait, waits) {
		s.log.Warn("tasks still running at shutdown, cancelling")
		if cancel != nil {
			cancel()
		}
		final, stopFinal := context.WithTimeout(ctx, s.cfg.StopTimeout)
		defer stopFinal()
		if !waitAll(final, waits) {
			s.log.Error("tasks ignored cancellation, abandoning them", logx.Duration("waited", time.Since(start)))
		}
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return err
}

func waitAll(ctx context.Context, waits []context.Context) bool {
	for _, w := range waits {
		select {
		case <-w.Done():
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// ScheduledTasks returns the live definitions ordered by id.
func (s *Service) ScheduledTasks() []*task.Definition {
	s.mu.Lock()
	ws := make([]*execution, 0, len(s.running))
	for _, id := range slices.Sorted(maps.Keys(s.running)) {
		ws = append(ws, s.running[id])
	}
	s.mu.Unlock()

	out := make([]*task.Definition, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.definition())
	}
	return out
}

// IsScheduled reports whether id has a live execution.
func (s *Service) IsScheduled(id int64) bool { return s.lookup(id) != nil }

// NextExecution returns the next firing of a scheduled definition. ok is
// false when nothing is pending.
func (s *Service) NextExecution(id int64) (next time.Time, ok bool) {
	w := s.lookup(id)
	if w == nil {
		return time.Time{}, false
	}
	next = w.timer.next(w.entry)
	return next, !next.IsZero()
}

func (s *Service) Status(id int64) string {
	w := s.lookup(id)
	if w == nil {
		return StatusNotRunning
	}
	if w.running() {
		return StatusExecuting
	}
	next, ok := s.NextExecution(id)
	if !ok {
		return StatusNotRunning
	}
	return "Scheduled to execute at " + next.In(s.cfg.Location).Format(statusTimeLayout)
}

// History returns recent runs newest first; id 0 returns every task's.
func (s *Service) History(id int64) []Run { return s.history.list(id) }

func (s *Service) TaskByID(ctx context.Context, id int64) (*task.Definition, error) {
	return s.store.GetTask(ctx, id)
}

func (s *Service) TaskByName(ctx context.Context, name string) (*task.Definition, error) {
	return s.store.GetTaskByName(ctx, name)
}

// SaveTaskDefinition creates or updates def without touching its live
// execution; changes apply on the next reschedule. Started always reflects
// the live registry.
func (s *Service) SaveTaskDefinition(ctx context.Context, def *task.Definition) error {
	if def == nil {
		return opError("save", nil, ErrNilDefinition)
	}
	if err := def.Validate(); err != nil {
		return opError("save", def, err)
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	def.Started = def.ID != 0 && s.lookup(def.ID) != nil
	var err error
	if def.ID == 0 {
		err = s.store.CreateTask(ctx, def)
	} else {
		err = s.store.UpdateTask(ctx, def)
	}
	if err != nil {
		return opError("save", def, err)
	}
	s.RegisterTask(def)
	return nil
}

// DeleteTask removes a stopped definition. A started one is rejected with
// ErrTaskStarted.
func (s *Service) DeleteTask(ctx context.Context, id int64) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	def, err := s.store.GetTask(ctx, id)
	if err != nil {
		return opError("delete", &task.Definition{ID: id}, err)
	}
	if def.Started || s.lookup(id) != nil {
		return opError("delete", def, ErrTaskStarted)
	}
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return opError("delete", def, err)
	}

	s.mu.Lock()
	tm := s.timers[id]
	delete(s.timers, id)
	delete(s.known, id)
	delete(s.errorIDs, id)
	s.mu.Unlock()
	if tm != nil {
		tm.stop()
	}
	s.log.Info("task definition deleted", logx.Int64("task_id", id), logx.String("task", def.Name))
	return nil
}
