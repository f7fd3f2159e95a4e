package scheduler

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrSuspended    = errors.New("scheduler already suspended")
	ErrNotSuspended = errors.New("scheduler not suspended")
)

// Suspension holds at most one pending memento for a Service. Suspend and
// Resume may come from different callers (admin API, config reload).
type Suspension struct {
	svc *Service

	mu      sync.Mutex
	pending *Memento
}

func NewSuspension(svc *Service) *Suspension { return &Suspension{svc: svc} }

// Suspend saves every scheduled task into a memento and keeps it until
// Resume. It returns the ids held by the memento.
func (s *Suspension) Suspend(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		return nil, ErrSuspended
	}
	m, err := s.svc.SaveToMemento(ctx)
	s.pending = m
	return m.TaskIDs(), err
}

// Resume restores the pending memento.
func (s *Suspension) Resume(ctx context.Context) (RestoreReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return RestoreReport{}, ErrNotSuspended
	}
	m := s.pending
	s.pending = nil
	return s.svc.RestoreFromMemento(ctx, m)
}

func (s *Suspension) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Cycle suspends, runs fn and resumes, unless a suspension is already
// pending, in which case only fn runs and the pending memento picks up the
// change on its own Resume.
func (s *Suspension) Cycle(ctx context.Context, fn func()) (RestoreReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		fn()
		return RestoreReport{}, nil
	}
	m, saveErr := s.svc.SaveToMemento(ctx)
	fn()
	rep, err := s.svc.RestoreFromMemento(ctx, m)
	return rep, errors.Join(saveErr, err)
}
