package scheduler

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"taskd/internal/task"
)

func TestSuspensionHoldsOneMemento(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.define(t, &task.Definition{Name: "a", StartTime: future(), RepeatInterval: time.Minute})
	if _, err := h.svc.ScheduleTask(ctx, d); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	sp := NewSuspension(h.svc)
	if _, err := sp.Resume(ctx); !errors.Is(err, ErrNotSuspended) {
		t.Fatalf("resume before suspend err=%v", err)
	}
	ids, err := sp.Suspend(ctx)
	if err != nil || !slices.Equal(ids, []int64{d.ID}) {
		t.Fatalf("suspend ids=%v err=%v", ids, err)
	}
	if _, err := sp.Suspend(ctx); !errors.Is(err, ErrSuspended) {
		t.Fatalf("second suspend err=%v", err)
	}
	if !sp.Suspended() || h.svc.IsScheduled(d.ID) {
		t.Fatal("expected suspended with nothing scheduled")
	}

	rep, err := sp.Resume(ctx)
	if err != nil || !slices.Equal(rep.Restored, []int64{d.ID}) {
		t.Fatalf("resume rep=%+v err=%v", rep, err)
	}
	if sp.Suspended() || !h.svc.IsScheduled(d.ID) {
		t.Fatal("expected resumed")
	}
}

func TestSuspensionCycleWhileSuspended(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := h.define(t, &task.Definition{Name: "a", StartTime: future(), RepeatInterval: time.Minute})
	if _, err := h.svc.ScheduleTask(ctx, d); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	sp := NewSuspension(h.svc)
	called := 0
	if _, err := sp.Cycle(ctx, func() { called++ }); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if called != 1 || !h.svc.IsScheduled(d.ID) {
		t.Fatalf("called=%d scheduled=%v", called, h.svc.IsScheduled(d.ID))
	}

	if _, err := sp.Suspend(ctx); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if _, err := sp.Cycle(ctx, func() { called++ }); err != nil {
		t.Fatalf("cycle while suspended: %v", err)
	}
	if called != 2 || h.svc.IsScheduled(d.ID) {
		t.Fatal("cycle must not resume a pending suspension")
	}
}
