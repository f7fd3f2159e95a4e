package builtin

import (
	"context"
	"sync/atomic"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// Heartbeat logs a line on every firing. Property "message" overrides the
// text.
type Heartbeat struct {
	task.Base
	log   logx.Logger
	beats atomic.Int64
}

func (h *Heartbeat) Execute(context.Context) error {
	def := h.Definition()
	n := h.beats.Add(1)
	h.log.Info(def.Property("message", "heartbeat"), logx.String("task", def.Name), logx.Int64("beat", n))
	return nil
}

func (h *Heartbeat) Beats() int64 { return h.beats.Load() }
