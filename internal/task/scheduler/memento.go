package scheduler

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync/atomic"

	"taskd/internal/eventbus"
	"taskd/internal/storage"
	logx "taskd/pkg/logx"
)

// Memento records which definitions were running when the scheduler was
// suspended. It can be restored once.
type Memento struct {
	ids      []int64
	consumed atomic.Bool
}

// TaskIDs returns the snapshot ids in ascending order.
func (m *Memento) TaskIDs() []int64 { return slices.Clone(m.ids) }

// SaveToMemento shuts down every scheduled task and returns a snapshot of
// their ids plus the ids that failed to resume on an earlier restore.
// Shutdown failures are joined into the error; the memento is still valid.
func (s *Service) SaveToMemento(ctx context.Context) (*Memento, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	ids := s.scheduledIDs()
	var errs []error
	for _, id := range ids {
		w := s.lookup(id)
		if w == nil {
			continue
		}
		if err := s.shutdownLocked(ctx, w.definition()); err != nil {
			s.log.Warn("suspend: task shutdown failed", logx.Int64("task_id", id), logx.Err(err))
			errs = append(errs, err)
		}
	}

	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	s.mu.Lock()
	maps.Copy(set, s.errorIDs)
	s.mu.Unlock()

	m := &Memento{ids: slices.Sorted(maps.Keys(set))}
	s.log.Info("scheduler suspended", logx.Int64s("task_ids", m.ids))
	s.bus.Publish(eventbus.Event{Type: EventSuspended, Time: s.clock.Now(), Data: m.TaskIDs()})
	return m, errors.Join(errs...)
}

// RestoreFromMemento schedules every definition in m. A definition that
// cannot be scheduled joins the error set and is retried by the next
// save/restore cycle; one that was deleted is dropped.
func (s *Service) RestoreFromMemento(ctx context.Context, m *Memento) (RestoreReport, error) {
	var rep RestoreReport
	if m == nil {
		return rep, errors.New("nil memento")
	}
	if !m.consumed.CompareAndSwap(false, true) {
		return rep, ErrMementoConsumed
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	for _, id := range m.ids {
		log := s.log.With(logx.Int64("task_id", id))
		def, err := s.store.GetTask(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			log.Info("restore: task definition no longer exists")
			s.forgetError(id)
			rep.Missing = append(rep.Missing, id)
			continue
		}
		if err == nil {
			_, err = s.scheduleLocked(ctx, def)
		}
		if err != nil {
			// Expected when the reload removed the task's type.
			log.Warn("restore: task could not be resumed, will retry on next restore", logx.Err(err))
			s.mu.Lock()
			s.errorIDs[id] = struct{}{}
			s.mu.Unlock()
			rep.Failed = append(rep.Failed, id)
			continue
		}
		s.forgetError(id)
		rep.Restored = append(rep.Restored, id)
	}

	s.log.Info("scheduler resumed",
		logx.Int64s("restored", rep.Restored),
		logx.Int64s("failed", rep.Failed),
		logx.Int64s("missing", rep.Missing),
	)
	s.bus.Publish(eventbus.Event{Type: EventResumed, Time: s.clock.Now(), Data: rep})
	return rep, nil
}

// ErrorTaskIDs returns the ids that failed to resume and have not been
// restored since.
func (s *Service) ErrorTaskIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.errorIDs))
}

func (s *Service) forgetError(id int64) {
	s.mu.Lock()
	delete(s.errorIDs, id)
	s.mu.Unlock()
}
