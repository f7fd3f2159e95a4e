package scheduler

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"taskd/internal/task"
)

func scheduledIDs(s *Service) []int64 {
	var ids []int64
	for _, d := range s.ScheduledTasks() {
		ids = append(ids, d.ID)
	}
	return ids
}

func TestMementoRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.define(t, &task.Definition{Name: "a", StartTime: future(), RepeatInterval: time.Minute})
	b := h.define(t, &task.Definition{Name: "b", StartTime: future(), RepeatInterval: time.Minute})
	for _, d := range []*task.Definition{a, b} {
		if _, err := h.svc.ScheduleTask(ctx, d); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}

	m, err := h.svc.SaveToMemento(ctx)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if got := h.svc.ScheduledTasks(); len(got) != 0 {
		t.Fatalf("scheduled after save=%v", got)
	}
	if want := []int64{a.ID, b.ID}; !slices.Equal(m.TaskIDs(), want) {
		t.Fatalf("memento=%v want %v", m.TaskIDs(), want)
	}

	rep, err := h.svc.RestoreFromMemento(ctx, m)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !slices.Equal(rep.Restored, m.TaskIDs()) || len(rep.Failed) != 0 {
		t.Fatalf("report=%+v", rep)
	}
	if got := scheduledIDs(h.svc); !slices.Equal(got, m.TaskIDs()) {
		t.Fatalf("scheduled=%v", got)
	}

	if _, err := h.svc.RestoreFromMemento(ctx, m); !errors.Is(err, ErrMementoConsumed) {
		t.Fatalf("second restore err=%v", err)
	}
}

func TestErrorSetSurvivesAcrossMementos(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	keep := h.define(t, &task.Definition{Name: "keep", StartTime: future(), RepeatInterval: time.Minute})
	flaky := h.define(t, &task.Definition{Name: "flaky", Type: "other", StartTime: future(), RepeatInterval: time.Minute})
	for _, d := range []*task.Definition{keep, flaky} {
		if _, err := h.svc.ScheduleTask(ctx, d); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}

	m1, err := h.svc.SaveToMemento(ctx)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	h.factory.SetDisabled([]string{"other"})
	rep, err := h.svc.RestoreFromMemento(ctx, m1)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !slices.Equal(rep.Failed, []int64{flaky.ID}) || !slices.Equal(rep.Restored, []int64{keep.ID}) {
		t.Fatalf("report=%+v", rep)
	}
	if got := h.svc.ErrorTaskIDs(); !slices.Equal(got, []int64{flaky.ID}) {
		t.Fatalf("error ids=%v", got)
	}
	if got := scheduledIDs(h.svc); !slices.Equal(got, []int64{keep.ID}) {
		t.Fatalf("scheduled=%v", got)
	}

	// m1 is gone; the error set alone carries flaky into the next snapshot
	m2, err := h.svc.SaveToMemento(ctx)
	if err != nil {
		t.Fatalf("save 2: %v", err)
	}
	if want := []int64{keep.ID, flaky.ID}; !slices.Equal(m2.TaskIDs(), want) {
		t.Fatalf("memento 2=%v want %v", m2.TaskIDs(), want)
	}
	h.factory.SetDisabled(nil)
	if _, err := h.svc.RestoreFromMemento(ctx, m2); err != nil {
		t.Fatalf("restore 2: %v", err)
	}
	if got := scheduledIDs(h.svc); !slices.Equal(got, []int64{keep.ID, flaky.ID}) {
		t.Fatalf("scheduled=%v", got)
	}
	if got := h.svc.ErrorTaskIDs(); len(got) != 0 {
		t.Fatalf("error ids=%v", got)
	}
}

func TestRestoreDropsDeletedDefinitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gone := h.define(t, &task.Definition{Name: "gone", StartTime: future(), RepeatInterval: time.Minute})
	if _, err := h.svc.ScheduleTask(ctx, gone); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	m, err := h.svc.SaveToMemento(ctx)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := h.svc.DeleteTask(ctx, gone.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rep, err := h.svc.RestoreFromMemento(ctx, m)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !slices.Equal(rep.Missing, []int64{gone.ID}) || len(h.svc.ErrorTaskIDs()) != 0 {
		t.Fatalf("report=%+v errors=%v", rep, h.svc.ErrorTaskIDs())
	}
}

func TestServicesDoNotShareErrorSet(t *testing.T) {
	h1, h2 := newHarness(t), newHarness(t)
	ctx := context.Background()
	def := h1.define(t, &task.Definition{Name: "x", Type: "other", StartTime: future()})
	if _, err := h1.svc.ScheduleTask(ctx, def); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	m, _ := h1.svc.SaveToMemento(ctx)
	h1.factory.SetDisabled([]string{"other"})
	if _, err := h1.svc.RestoreFromMemento(ctx, m); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(h1.svc.ErrorTaskIDs()) != 1 || len(h2.svc.ErrorTaskIDs()) != 0 {
		t.Fatalf("h1=%v h2=%v", h1.svc.ErrorTaskIDs(), h2.svc.ErrorTaskIDs())
	}
}
