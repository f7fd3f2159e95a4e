// Package builtin registers the task types shipped with taskd.
package builtin

import (
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

const (
	TypeHeartbeat = "heartbeat"
	TypeSpeedtest = "speedtest"
	TypeUnit      = "systemd.unit"
)

type Deps struct {
	Log logx.Logger
	// DialUnits overrides the systemd connection used by systemd.unit tasks.
	DialUnits UnitDialer
	// Measure overrides the network probe used by speedtest tasks.
	Measure MeasureFunc
}

// Register adds every built-in type to f.
func Register(f *task.Factory, deps Deps) {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	f.Register(TypeHeartbeat, func(*task.Definition) (task.Task, error) {
		return &Heartbeat{log: log.With(logx.String("comp", TypeHeartbeat))}, nil
	})
	f.Register(TypeSpeedtest, func(*task.Definition) (task.Task, error) {
		m := deps.Measure
		if m == nil {
			m = Measure
		}
		return &Speedtest{log: log.With(logx.String("comp", TypeSpeedtest)), measure: m}, nil
	})
	f.Register(TypeUnit, func(*task.Definition) (task.Task, error) {
		d := deps.DialUnits
		if d == nil {
			d = DialSystemd
		}
		return &Unit{log: log.With(logx.String("comp", TypeUnit)), dial: d}, nil
	})
}
