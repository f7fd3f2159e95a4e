package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"taskd/internal/task"
)

var knownDrivers = map[string]bool{"": true, "memory": true, "file": true, "sqlite": true, "postgres": true, "redis": true}

// Validate checks every field that is parsed later, so a reload never
// half-applies.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	_, err := ParseDurationField("scheduler.startup_delay", c.Scheduler.StartupDelay)
	add(err)
	_, err = ParseDurationField("scheduler.stop_timeout", c.Scheduler.StopTimeout)
	add(err)
	if _, err := c.Scheduler.Location(); err != nil {
		add(err)
	}
	if c.Scheduler.HistorySize < 0 {
		add(errors.New("scheduler.history_size must be >= 0"))
	}

	drv := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if !knownDrivers[drv] {
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if (drv == "file" || drv == "sqlite") && strings.TrimSpace(c.Storage.Path) == "" {
		add(fmt.Errorf("storage.path is required for driver %q", drv))
	}
	if drv == "postgres" && strings.TrimSpace(c.Storage.DSN) == "" {
		add(errors.New("storage.dsn is required for driver \"postgres\""))
	}
	if drv == "redis" && strings.TrimSpace(c.Storage.Redis.Addr) == "" {
		add(errors.New("storage.redis.addr is required for driver \"redis\""))
	}
	_, err = ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	add(err)

	if c.API.Enabled && strings.TrimSpace(c.API.APIKey) == "" {
		add(errors.New("api.api_key is required when the api is enabled"))
	}
	_, err = ParseDurationField("api.read_timeout", c.API.ReadTimeout)
	add(err)
	_, err = ParseDurationField("api.write_timeout", c.API.WriteTimeout)
	add(err)

	tg := c.Alert.Telegram
	if tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			add(errors.New("alert.telegram.token is required when enabled"))
		}
		if tg.ChatID == 0 {
			add(errors.New("alert.telegram.chat_id is required when enabled"))
		}
	}
	_, err = ParseDurationField("alert.telegram.send_timeout", tg.SendTimeout)
	add(err)

	seen := map[string]bool{}
	for i, s := range c.Tasks {
		if seen[s.Name] {
			add(fmt.Errorf("tasks[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		if _, err := s.Definition(); err != nil {
			add(fmt.Errorf("tasks[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Location resolves Timezone; empty means the local zone.
func (s SchedulerConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// Definition converts the seed into an unpersisted task definition.
func (s TaskSeed) Definition() (*task.Definition, error) {
	def := &task.Definition{
		Name:           strings.TrimSpace(s.Name),
		Type:           strings.TrimSpace(s.Type),
		Description:    s.Description,
		StartOnStartup: s.StartOnStartup,
		Properties:     s.Properties,
	}
	if raw := strings.TrimSpace(s.StartTime); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("start_time: %w", err)
		}
		def.StartTime = &t
	}
	iv, err := ParseInterval("repeat_interval", s.RepeatInterval)
	if err != nil {
		return nil, err
	}
	def.RepeatInterval = iv
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}
