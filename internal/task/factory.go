package task

import (
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
)

var (
	ErrUnknownType  = errors.New("unknown task type")
	ErrTypeDisabled = errors.New("task type disabled")
)

// Constructor builds an uninitialized Task for a type.
type Constructor func(def *Definition) (Task, error)

// Factory maps symbolic type ids to constructors. Types are registered at
// startup and can be disabled at runtime to withdraw them during a reload.
type Factory struct {
	mu       sync.RWMutex
	ctors    map[string]Constructor
	disabled map[string]struct{}
}

func NewFactory() *Factory {
	return &Factory{ctors: map[string]Constructor{}, disabled: map[string]struct{}{}}
}

// Register binds typ to c, replacing any previous binding.
func (f *Factory) Register(typ string, c Constructor) {
	typ = normalizeType(typ)
	if typ == "" || c == nil {
		return
	}
	f.mu.Lock()
	f.ctors[typ] = c
	f.mu.Unlock()
}

func (f *Factory) Unregister(typ string) {
	f.mu.Lock()
	delete(f.ctors, normalizeType(typ))
	f.mu.Unlock()
}

// SetDisabled replaces the disabled set.
func (f *Factory) SetDisabled(types []string) {
	m := make(map[string]struct{}, len(types))
	for _, t := range types {
		if t = normalizeType(t); t != "" {
			m[t] = struct{}{}
		}
	}
	f.mu.Lock()
	f.disabled = m
	f.mu.Unlock()
}

// Types lists registered types, sorted.
func (f *Factory) Types() []string {
	f.mu.RLock()
	out := make([]string, 0, len(f.ctors))
	for t := range f.ctors {
		out = append(out, t)
	}
	f.mu.RUnlock()
	slices.Sort(out)
	return out
}

func (f *Factory) Disabled() []string {
	f.mu.RLock()
	out := make([]string, 0, len(f.disabled))
	for t := range f.disabled {
		out = append(out, t)
	}
	f.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Create resolves def.Type, constructs the task and initializes it with def.
// Constructor panics are returned as errors.
func (f *Factory) Create(def *Definition) (t Task, err error) {
	if def == nil {
		return nil, fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	typ := normalizeType(def.Type)

	f.mu.RLock()
	c, ok := f.ctors[typ]
	_, off := f.disabled[typ]
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, def.Type)
	}
	if off {
		return nil, fmt.Errorf("%w: %q", ErrTypeDisabled, def.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			t = nil
			err = fmt.Errorf("construct %q: panic: %v\n%s", def.Type, r, debug.Stack())
		}
	}()

	t, err = c(def)
	if err != nil {
		return nil, fmt.Errorf("construct %q: %w", def.Type, err)
	}
	if t == nil {
		return nil, fmt.Errorf("construct %q: constructor returned nil", def.Type)
	}
	if err := t.Initialize(def); err != nil {
		return nil, fmt.Errorf("initialize %q: %w", def.Type, err)
	}
	return t, nil
}

func normalizeType(t string) string { return strings.ToLower(strings.TrimSpace(t)) }
