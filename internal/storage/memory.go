package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"taskd/internal/task"
)

type memoryStore struct {
	mu     sync.RWMutex
	nextID int64
	defs   map[int64]*task.Definition
	closed bool
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{defs: map[int64]*task.Definition{}}
}

func (s *memoryStore) GetTasks(ctx context.Context) ([]*task.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]*task.Definition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d.Clone())
	}
	slices.SortFunc(out, func(a, b *task.Definition) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *memoryStore) GetTask(ctx context.Context, id int64) (*task.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	d, ok := s.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return d.Clone(), nil
}

func (s *memoryStore) GetTaskByName(ctx context.Context, name string) (*task.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	for _, d := range s.defs {
		if d.Name == name {
			return d.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: name %q", ErrNotFound, name)
}

func (s *memoryStore) CreateTask(ctx context.Context, def *task.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.nameTakenLocked(def.Name, 0) {
		return fmt.Errorf("%w: %q", ErrDuplicateName, def.Name)
	}
	s.nextID++
	def.ID = s.nextID
	stamp(ctx, def, time.Now(), true)
	s.defs[def.ID] = def.Clone()
	return nil
}

func (s *memoryStore) UpdateTask(ctx context.Context, def *task.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, ok := s.defs[def.ID]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, def.ID)
	}
	if s.nameTakenLocked(def.Name, def.ID) {
		return fmt.Errorf("%w: %q", ErrDuplicateName, def.Name)
	}
	def.CreatedAt = cur.CreatedAt
	stamp(ctx, def, time.Now(), false)
	s.defs[def.ID] = def.Clone()
	return nil
}

func (s *memoryStore) DeleteTask(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.defs[id]; !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	delete(s.defs, id)
	return nil
}

func (s *memoryStore) SetLastExecutionTime(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	d, ok := s.defs[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	t := at
	d.LastExecutionTime = &t
	stamp(ctx, d, time.Now(), false)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) nameTakenLocked(name string, except int64) bool {
	for id, d := range s.defs {
		if id != except && d.Name == name {
			return true
		}
	}
	return false
}
