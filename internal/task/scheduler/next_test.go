package scheduler

import (
	"testing"
	"time"

	"taskd/internal/task"
)

func TestNextExecution(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name     string
		start    time.Time
		interval time.Duration
		want     time.Time
	}{
		{"future start kept", now.Add(time.Hour), time.Minute, now.Add(time.Hour)},
		{"start equals now", now, time.Minute, now},
		{"past one-shot fires immediately", now.Add(-time.Hour), 0, now.Add(-time.Hour)},
		{"past exact multiple lands on now", now.Add(-5 * time.Minute), time.Minute, now},
		{"past between slots", now.Add(-5*time.Minute - 30*time.Second), time.Minute, now.Add(30 * time.Second)},
		{"interval longer than gap", now.Add(-10 * time.Second), time.Hour, now.Add(time.Hour - 10*time.Second)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NextExecution(tc.start, tc.interval, now)
			if !got.Equal(tc.want) {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}
}

func TestNextExecutionNeverSchedulesBacklog(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	intervals := []time.Duration{time.Millisecond, 7 * time.Second, time.Minute, 13 * time.Hour}
	for _, iv := range intervals {
		for _, back := range []time.Duration{time.Nanosecond, time.Second, 90 * time.Minute, 400 * 24 * time.Hour} {
			got := NextExecution(now.Add(-back), iv, now)
			if got.Before(now) {
				t.Fatalf("interval %s back %s: %s before now", iv, back, got)
			}
			if got.Sub(now) >= iv {
				t.Fatalf("interval %s back %s: %s is a full interval away", iv, back, got.Sub(now))
			}
			if (got.Sub(now.Add(-back)))%iv != 0 {
				t.Fatalf("interval %s back %s: %s is off the start grid", iv, back, got)
			}
		}
	}
}

func TestFirstFiring(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-5*time.Minute - 30*time.Second)

	at, every := firstFiring(&task.Definition{}, now, time.Minute)
	if !at.Equal(now) || every != 0 {
		t.Fatalf("run once now: at=%s every=%s", at, every)
	}
	at, every = firstFiring(&task.Definition{RepeatInterval: time.Hour}, now, time.Minute)
	if !at.Equal(now.Add(time.Minute)) || every != time.Hour {
		t.Fatalf("startup delay: at=%s every=%s", at, every)
	}
	at, every = firstFiring(&task.Definition{StartTime: &past, RepeatInterval: time.Minute}, now, time.Minute)
	if !at.Equal(now.Add(30*time.Second)) || every != time.Minute {
		t.Fatalf("catch-up: at=%s every=%s", at, every)
	}
	at, _ = firstFiring(&task.Definition{StartTime: &past}, now, time.Minute)
	if !at.Equal(past) {
		t.Fatalf("past one-shot: at=%s", at)
	}
}

func TestFixedRateSkipsMissedSlots(t *testing.T) {
	t.Parallel()
	anchor := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := &fixedRate{anchor: anchor, every: time.Minute}

	if got := f.Next(anchor); !got.Equal(anchor) {
		t.Fatalf("first=%s", got)
	}
	if got := f.Next(anchor.Add(time.Millisecond)); !got.Equal(anchor.Add(time.Minute)) {
		t.Fatalf("second=%s", got)
	}
	// woke up late by several intervals: next slot, not a replay
	if got := f.Next(anchor.Add(5*time.Minute + time.Second)); !got.Equal(anchor.Add(6 * time.Minute)) {
		t.Fatalf("late=%s", got)
	}
	if got := f.Next(anchor.Add(7 * time.Minute)); !got.Equal(anchor.Add(8 * time.Minute)) {
		t.Fatalf("on slot=%s", got)
	}
}

func TestOneShotFiresOnce(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	o := &oneShot{at: at}
	if got := o.Next(at.Add(time.Hour)); !got.Equal(at) {
		t.Fatalf("first=%s", got)
	}
	if got := o.Next(at.Add(time.Hour)); !got.IsZero() {
		t.Fatalf("after firing=%s", got)
	}
}
