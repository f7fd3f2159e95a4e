package task

import (
	"context"
	"sync"
	"sync/atomic"
)

// Task is the unit of work a Definition resolves to.
//
// A Task is created for every schedule call. Initialize runs once before the
// first Execute, Shutdown runs exactly once when the task is replaced or
// stopped. Execute may be called many times but never concurrently.
type Task interface {
	Initialize(def *Definition) error
	Execute(ctx context.Context) error
	Shutdown(ctx context.Context) error
	IsExecuting() bool
	Definition() *Definition
	SetDefinition(def *Definition)
}

// Tracker is implemented by tasks that let the scheduler flag execution
// around Execute. Base implements it.
type Tracker interface {
	StartExecuting()
	StopExecuting()
}

// Base carries the Task bookkeeping. Embed it and implement Execute.
type Base struct {
	mu        sync.RWMutex
	def       *Definition
	executing atomic.Bool
}

func (b *Base) Initialize(def *Definition) error {
	b.SetDefinition(def)
	return nil
}

func (b *Base) Shutdown(context.Context) error { return nil }

func (b *Base) IsExecuting() bool { return b.executing.Load() }

func (b *Base) StartExecuting() { b.executing.Store(true) }
func (b *Base) StopExecuting()  { b.executing.Store(false) }

func (b *Base) Definition() *Definition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.def
}

func (b *Base) SetDefinition(def *Definition) {
	b.mu.Lock()
	b.def = def
	b.mu.Unlock()
}

// Func adapts a plain function into a Task.
type Func struct {
	Base
	Fn func(ctx context.Context, def *Definition) error
}

func (f *Func) Execute(ctx context.Context) error {
	if f.Fn == nil {
		return nil
	}
	return f.Fn(ctx, f.Definition())
}
