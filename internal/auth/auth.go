// Package auth carries the acting principal through a context and lets
// background work borrow privileges for a bounded scope.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
)

// Privilege names.
const (
	PrivViewTasks   = "tasks.view"
	PrivManageTasks = "tasks.manage"
)

var ErrPrivilegeDenied = errors.New("privilege denied")

// Actor is whoever a request or job runs as.
type Actor struct {
	Name       string
	Privileges []string
}

func (a Actor) Has(priv string) bool { return slices.Contains(a.Privileges, priv) }

// Admin is the actor used for requests authenticated with the API key.
func Admin() Actor {
	return Actor{Name: "admin", Privileges: []string{PrivViewTasks, PrivManageTasks}}
}

// Daemon is the actor for process lifecycle work (startup, shutdown, reload).
func Daemon() Actor {
	return Actor{Name: "daemon", Privileges: []string{PrivViewTasks, PrivManageTasks}}
}

type actorKey struct{}
type proxyKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

// Name returns the acting name for audit columns, "anonymous" when unset.
// Elevated scopes report the proxy label.
func Name(ctx context.Context) string {
	if a, ok := ActorFrom(ctx); ok && a.Name != "" {
		return a.Name
	}
	if p, ok := ctx.Value(proxyKey{}).(proxy); ok {
		return p.label
	}
	return "anonymous"
}

// Has reports whether the context actor, or an active elevation, grants priv.
func Has(ctx context.Context, priv string) bool {
	if a, ok := ActorFrom(ctx); ok && a.Has(priv) {
		return true
	}
	if p, ok := ctx.Value(proxyKey{}).(proxy); ok {
		return p.live.Load() && slices.Contains(p.privs, priv)
	}
	return false
}

// Require returns ErrPrivilegeDenied unless Has(ctx, priv).
func Require(ctx context.Context, priv string) error {
	if Has(ctx, priv) {
		return nil
	}
	return fmt.Errorf("%w: %s requires %s", ErrPrivilegeDenied, Name(ctx), priv)
}

type proxy struct {
	label string
	privs []string
	live  *atomic.Bool
}

// Elevator grants proxy privileges for the lifetime of a release func.
type Elevator struct {
	Label      string
	Privileges []string

	active atomic.Int64
}

// NewElevator returns an elevator granting PrivManageTasks under label.
func NewElevator(label string) *Elevator {
	return &Elevator{Label: label, Privileges: []string{PrivManageTasks}}
}

// Elevate returns a context carrying the elevator's privileges until release
// is called. Release is idempotent; a released context stops granting.
func (e *Elevator) Elevate(ctx context.Context) (context.Context, func()) {
	live := &atomic.Bool{}
	live.Store(true)
	e.active.Add(1)
	ctx = context.WithValue(ctx, proxyKey{}, proxy{label: e.Label, privs: e.Privileges, live: live})
	return ctx, func() {
		if live.CompareAndSwap(true, false) {
			e.active.Add(-1)
		}
	}
}

// Active counts unreleased elevations.
func (e *Elevator) Active() int64 { return e.active.Load() }
