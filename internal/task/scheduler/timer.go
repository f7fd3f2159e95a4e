package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "taskd/pkg/logx"
)

// timer is the recurring timer of one definition. It outlives the
// executions installed on it until the scheduler shuts down.
type timer struct {
	id   int64
	cron *cron.Cron

	// gate serializes runs across executions, so an execution installed by
	// a reschedule waits for the replaced one's in-flight run.
	gate sync.Mutex
}

func newTimer(id int64, loc *time.Location, log logx.Logger) *timer {
	l := cronLogger{log: log.With(logx.Int64("task_id", id))}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
	c.Start()
	return &timer{id: id, cron: c}
}

func (t *timer) install(s cron.Schedule, j cron.Job) cron.EntryID {
	return t.cron.Schedule(s, j)
}

func (t *timer) remove(id cron.EntryID) { t.cron.Remove(id) }

// next returns the entry's next firing; zero when it will not fire again.
func (t *timer) next(id cron.EntryID) time.Time {
	return t.cron.Entry(id).Next
}

// stop drops every pending firing and returns a context done once running
// jobs have returned.
func (t *timer) stop() context.Context {
	for _, e := range t.cron.Entries() {
		t.cron.Remove(e.ID)
	}
	return t.cron.Stop()
}

// cronLogger routes cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	if !l.log.Enabled(logx.LevelTrace) {
		return
	}
	l.log.Trace("cron."+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron."+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
