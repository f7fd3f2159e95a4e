package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  startup_delay: 5s
  timezone: UTC
  disabled_types: [speedtest]
storage:
  driver: sqlite
  path: ./data/taskd.db
api:
  enabled: true
  addr: 127.0.0.1:9090
  api_key: secret
tasks:
  - name: beat
    type: heartbeat
    repeat_interval: "30"
    start_on_startup: true
  - name: nightly
    type: speedtest
    start_time: "2024-01-01T02:00:00Z"
    repeat_interval: 24h
    properties:
      min_download_mbps: "50"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "taskd.yaml", sampleYAML))
	cfg, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("not committed")
	}
	if !cfg.Scheduler.IsEnabled() || cfg.Storage.Driver != "sqlite" || !cfg.API.Enabled {
		t.Fatalf("cfg=%+v", cfg)
	}
	beat, err := cfg.Tasks[0].Definition()
	if err != nil || beat.RepeatInterval != 30*time.Second || !beat.StartOnStartup {
		t.Fatalf("beat=%+v err=%v", beat, err)
	}
	nightly, err := cfg.Tasks[1].Definition()
	if err != nil || nightly.StartTime == nil || nightly.RepeatInterval != 24*time.Hour {
		t.Fatalf("nightly=%+v err=%v", nightly, err)
	}
	if nightly.Property("min_download_mbps", "") != "50" {
		t.Fatalf("properties=%v", nightly.Properties)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{"logging":{"level":"info"},"bogus":1}`)); err == nil {
		t.Fatal("unknown field accepted")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("err=%v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"ok empty", Config{}, ""},
		{"bad delay", Config{Scheduler: SchedulerConfig{StartupDelay: "soon"}}, "scheduler.startup_delay"},
		{"bad tz", Config{Scheduler: SchedulerConfig{Timezone: "Mars/Base"}}, "scheduler.timezone"},
		{"bad driver", Config{Storage: StorageConfig{Driver: "mongo"}}, "unknown driver"},
		{"sqlite path", Config{Storage: StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"pg dsn", Config{Storage: StorageConfig{Driver: "postgres"}}, "storage.dsn"},
		{"api key", Config{API: APIConfig{Enabled: true}}, "api.api_key"},
		{"telegram", Config{Alert: AlertConfig{Telegram: TelegramAlertConfig{Enabled: true}}}, "alert.telegram.token"},
		{"dup seed", Config{Tasks: []TaskSeed{{Name: "a", Type: "x"}, {Name: "a", Type: "x"}}}, "duplicate name"},
		{"bad seed", Config{Tasks: []TaskSeed{{Name: "a"}}}, "type is required"},
		{"negative interval", Config{Tasks: []TaskSeed{{Name: "a", Type: "x", RepeatInterval: "-5"}}}, "interval must be >= 0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want %q", err, tc.want)
			}
		})
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "taskd.json", `{"logging":{"level":"info"}}`)
	m := NewManager(path)
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if ok, err := m.Reload(context.Background()); ok || err != nil {
		t.Fatalf("unchanged reload: ok=%v err=%v", ok, err)
	}
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if ok, err := m.Reload(context.Background()); !ok || err != nil {
		t.Fatalf("changed reload: ok=%v err=%v", ok, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level=%s", cfg.Logging.Level)
		}
	default:
		t.Fatal("nothing published")
	}

	if err := os.WriteFile(path, []byte(`{"api":{"enabled":true}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatal("invalid config committed")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("rejected config replaced the current one")
	}
}

func TestWatchPicksUpWrites(t *testing.T) {
	path := writeFile(t, "taskd.json", `{"logging":{"level":"info"}}`)
	m := NewManager(path)
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"logging":{"level":"warn"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("level=%s", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not publish")
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{API: APIConfig{APIKey: "a"}, Scheduler: SchedulerConfig{DisabledTypes: []string{"X", "y"}}}
	newCfg := &Config{API: APIConfig{APIKey: "b"}, Scheduler: SchedulerConfig{DisabledTypes: []string{"y", "x"}}}
	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	if !slices.Equal(changed, []string{"api"}) {
		t.Fatalf("changed=%v", changed)
	}
	if DisabledTypesChanged(oldCfg, newCfg) {
		t.Fatal("order/case change reported")
	}
	newCfg.Scheduler.DisabledTypes = nil
	if !DisabledTypesChanged(oldCfg, newCfg) {
		t.Fatal("removal not reported")
	}
}

func TestDecodeYAMLShapes(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yml", []byte("tasks:\n  - name: a\n    type: heartbeat\n    start_time: 2024-01-01T02:00:00Z\n"))
	if err != nil {
		t.Fatalf("bare timestamp: %v", err)
	}
	if cfg.Tasks[0].StartTime != "2024-01-01T02:00:00Z" {
		t.Fatalf("start_time=%q", cfg.Tasks[0].StartTime)
	}
	if _, err := Decode("c.yaml", []byte("logging:\n  level: info\nlogging:\n  level: debug\n")); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("duplicate key err=%v", err)
	}
	if _, err := Decode("c.yaml", []byte("logging: {}\n---\napi: {}\n")); err == nil {
		t.Fatal("second document accepted")
	}
	if cfg, err := Decode("c.yaml", nil); err != nil || cfg == nil {
		t.Fatalf("empty file cfg=%v err=%v", cfg, err)
	}
}
