package builtin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coreos/go-systemd/v22/dbus"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

func newFactory(deps Deps) *task.Factory {
	f := task.NewFactory()
	Register(f, deps)
	return f
}

func TestRegisterAddsTypes(t *testing.T) {
	t.Parallel()
	f := newFactory(Deps{Log: logx.Nop()})
	got := strings.Join(f.Types(), ",")
	if got != "heartbeat,speedtest,systemd.unit" {
		t.Fatalf("types=%s", got)
	}
}

func TestHeartbeatCounts(t *testing.T) {
	t.Parallel()
	f := newFactory(Deps{})
	tk, err := f.Create(&task.Definition{Name: "hb", Type: TypeHeartbeat})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := tk.Execute(context.Background()); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	if n := tk.(*Heartbeat).Beats(); n != 3 {
		t.Fatalf("beats=%d", n)
	}
}

func TestSpeedtestThresholdAndHistory(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "speed", "history.jsonl")
	var gotCandidates int
	measure := func(_ context.Context, c int) (*SpeedResult, error) {
		gotCandidates = c
		return &SpeedResult{DownloadMbps: 12.5, UploadMbps: 3, ServerName: "local"}, nil
	}
	f := newFactory(Deps{Measure: measure})
	tk, err := f.Create(&task.Definition{Name: "st", Type: TypeSpeedtest, Properties: map[string]string{
		"candidates":        "3",
		"min_download_mbps": "50",
		"history_file":      path,
	}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	err = tk.Execute(context.Background())
	if !errors.Is(err, ErrBelowThreshold) {
		t.Fatalf("err=%v", err)
	}
	if gotCandidates != 3 {
		t.Fatalf("candidates=%d", gotCandidates)
	}
	if last := tk.(*Speedtest).Last(); last == nil || last.ServerName != "local" {
		t.Fatalf("last=%+v", last)
	}

	fh, err := os.Open(path)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	defer fh.Close()
	sc := bufio.NewScanner(fh)
	if !sc.Scan() {
		t.Fatal("history empty")
	}
	var rec SpeedResult
	if err := json.Unmarshal(sc.Bytes(), &rec); err != nil || rec.DownloadMbps != 12.5 {
		t.Fatalf("record=%+v err=%v", rec, err)
	}
}

type fakeConn struct {
	state    string
	restarts []string
	closed   int
	listErr  error
	queried  []string
}

func (c *fakeConn) ListUnitsByNamesContext(_ context.Context, units []string) ([]dbus.UnitStatus, error) {
	c.queried = append(c.queried, units...)
	if c.listErr != nil {
		return nil, c.listErr
	}
	if c.state == "" {
		return nil, nil
	}
	return []dbus.UnitStatus{{Name: units[0], ActiveState: c.state, SubState: "x"}}, nil
}

func (c *fakeConn) RestartUnitContext(_ context.Context, name, _ string, _ chan<- string) (int, error) {
	c.restarts = append(c.restarts, name)
	return 1, nil
}

func (c *fakeConn) Close() { c.closed++ }

func TestUnitRequiresName(t *testing.T) {
	t.Parallel()
	f := newFactory(Deps{})
	_, err := f.Create(&task.Definition{Name: "u", Type: TypeUnit})
	if !errors.Is(err, task.ErrInvalidDefinition) {
		t.Fatalf("err=%v", err)
	}
}

func TestUnitStates(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		state    string
		restart  string
		wantErr  bool
		restarts int
	}{
		{"active", "active", "true", false, 0},
		{"failed no restart", "failed", "false", true, 0},
		{"failed restarted", "failed", "true", true, 1},
		{"missing", "", "false", true, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := &fakeConn{state: tc.state}
			dial := func(context.Context) (UnitConn, error) { return conn, nil }
			f := newFactory(Deps{DialUnits: dial})
			tk, err := f.Create(&task.Definition{Name: "u", Type: TypeUnit, Properties: map[string]string{"unit": "nginx", "restart": tc.restart}})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			err = tk.Execute(context.Background())
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v", err)
			}
			if len(conn.restarts) != tc.restarts {
				t.Fatalf("restarts=%v", conn.restarts)
			}
			if conn.queried[0] != "nginx.service" {
				t.Fatalf("queried=%v", conn.queried)
			}
			_ = tk.Shutdown(context.Background())
			if conn.closed != 1 {
				t.Fatalf("closed=%d", conn.closed)
			}
		})
	}
}

func TestUnitRedialsAfterQueryError(t *testing.T) {
	t.Parallel()
	dials := 0
	conn := &fakeConn{listErr: errors.New("bus gone")}
	dial := func(context.Context) (UnitConn, error) { dials++; return conn, nil }
	f := newFactory(Deps{DialUnits: dial})
	tk, err := f.Create(&task.Definition{Name: "u", Type: TypeUnit, Properties: map[string]string{"unit": "a.timer"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = tk.Execute(context.Background())
	_ = tk.Execute(context.Background())
	if dials != 2 || conn.closed != 2 {
		t.Fatalf("dials=%d closed=%d", dials, conn.closed)
	}
}
