package builtin

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// UnitConn is the part of the systemd D-Bus API the unit task uses.
type UnitConn interface {
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]dbus.UnitStatus, error)
	RestartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	Close()
}

type UnitDialer func(ctx context.Context) (UnitConn, error)

func DialSystemd(ctx context.Context) (UnitConn, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return conn, nil
}

// Unit checks that a systemd unit is active. Properties:
//
//	unit     unit name; ".service" is appended when no suffix is given
//	restart  "true" restarts an inactive unit
//
// A unit found inactive fails the run, restarted or not.
type Unit struct {
	task.Base
	log  logx.Logger
	dial UnitDialer

	mu   sync.Mutex
	conn UnitConn
	name string
}

func (u *Unit) Initialize(def *task.Definition) error {
	name := strings.TrimSpace(def.Property("unit", ""))
	if name == "" {
		return fmt.Errorf("%w: %s: property \"unit\" is required", task.ErrInvalidDefinition, def.Name)
	}
	if !strings.Contains(name, ".") {
		name += ".service"
	}
	u.name = name
	return u.Base.Initialize(def)
}

func (u *Unit) Execute(ctx context.Context) error {
	conn, err := u.connect(ctx)
	if err != nil {
		return err
	}
	units, err := conn.ListUnitsByNamesContext(ctx, []string{u.name})
	if err != nil {
		u.drop()
		return fmt.Errorf("query %s: %w", u.name, err)
	}
	state, sub := "unknown", "not-found"
	if len(units) > 0 {
		state, sub = units[0].ActiveState, units[0].SubState
	}
	if state == "active" {
		u.log.Debug("unit active", logx.String("unit", u.name), logx.String("sub", sub))
		return nil
	}

	restart, _ := strconv.ParseBool(u.Definition().Property("restart", "false"))
	if !restart {
		return fmt.Errorf("unit %s is %s (%s)", u.name, state, sub)
	}
	if _, err := conn.RestartUnitContext(ctx, u.name, "replace", nil); err != nil {
		return fmt.Errorf("unit %s is %s; restart failed: %w", u.name, state, err)
	}
	u.log.Warn("unit restarted", logx.String("unit", u.name), logx.String("was", state))
	return fmt.Errorf("unit %s was %s (%s), restarted", u.name, state, sub)
}

func (u *Unit) Shutdown(context.Context) error {
	u.drop()
	return nil
}

func (u *Unit) connect(ctx context.Context) (UnitConn, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		return u.conn, nil
	}
	c, err := u.dial(ctx)
	if err != nil {
		return nil, err
	}
	u.conn = c
	return c, nil
}

func (u *Unit) drop() {
	u.mu.Lock()
	c := u.conn
	u.conn = nil
	u.mu.Unlock()
	if c != nil {
		c.Close()
	}
}
