package scheduler

import (
	"sync"
	"time"

	"taskd/internal/task"
)

// NextExecution returns the first firing of a definition that started at
// start and repeats every interval, without replaying missed intervals.
//
// For a start in the past and interval > 0 the result r satisfies
// r >= now and r-now < interval. A start that is not in the past, or an
// interval <= 0, returns start unchanged.
func NextExecution(start time.Time, interval time.Duration, now time.Time) time.Time {
	if interval <= 0 || !start.Before(now) {
		return start
	}
	elapsed := now.Sub(start)
	next := start.Add(elapsed / interval * interval)
	if next.Before(now) {
		next = next.Add(interval)
	}
	return next
}

// firstFiring decides when a definition fires first and how often it
// repeats after that (0 for one-shot).
func firstFiring(def *task.Definition, now time.Time, startupDelay time.Duration) (time.Time, time.Duration) {
	every := def.RepeatInterval
	if every < 0 {
		every = 0
	}
	switch {
	case def.StartTime != nil:
		return NextExecution(*def.StartTime, every, now), every
	case every > 0:
		return now.Add(startupDelay), every
	default:
		return now, 0
	}
}

// fixedRate fires at anchor, then at anchor+k*every. Cron asks for the next
// time after each firing; missed slots are skipped rather than replayed.
type fixedRate struct {
	mu     sync.Mutex
	anchor time.Time
	every  time.Duration
	armed  bool
}

func (f *fixedRate) Next(t time.Time) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.armed || t.Before(f.anchor) {
		f.armed = true
		return f.anchor
	}
	return f.anchor.Add((t.Sub(f.anchor)/f.every + 1) * f.every)
}

// oneShot fires once at at. A past at fires immediately.
type oneShot struct {
	mu    sync.Mutex
	at    time.Time
	armed bool
}

func (o *oneShot) Next(t time.Time) time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.armed || t.Before(o.at) {
		o.armed = true
		return o.at
	}
	return time.Time{}
}
