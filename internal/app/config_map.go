package app

import (
	"strings"
	"time"

	"taskd/internal/alert"
	"taskd/internal/api"
	"taskd/internal/config"
	"taskd/internal/storage"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

// The mappers below run on configs that already passed Validate, so parse
// errors are still returned but not expected.

func mapLogConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func mapSchedulerConfig(c config.SchedulerConfig) (scheduler.Config, error) {
	delay, err := config.ParseDurationField("scheduler.startup_delay", c.StartupDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	stop, err := config.ParseDurationField("scheduler.stop_timeout", c.StopTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	loc, err := c.Location()
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		StartupDelay: delay,
		Location:     loc,
		HistorySize:  c.HistorySize,
		StopTimeout:  stop,
	}, nil
}

func mapStorageConfig(c config.StorageConfig) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	if driver == "sqlite3" {
		driver = "sqlite"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(c.Path),
		DSN:         strings.TrimSpace(c.DSN),
		BusyTimeout: busy,
		Redis: storage.RedisConfig{
			Addr:     strings.TrimSpace(c.Redis.Addr),
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Prefix:   c.Redis.Prefix,
		},
	}, nil
}

func mapAPIConfig(c config.APIConfig) (api.Config, error) {
	rt, err := config.ParseDurationField("api.read_timeout", c.ReadTimeout)
	if err != nil {
		return api.Config{}, err
	}
	wt, err := config.ParseDurationField("api.write_timeout", c.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Addr:         strings.TrimSpace(c.Addr),
		APIKey:       c.APIKey,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		Pprof:        c.Pprof,
	}, nil
}

func mapTelegramConfig(c config.TelegramAlertConfig) (alert.TelegramConfig, error) {
	st, err := config.ParseDurationField("alert.telegram.send_timeout", c.SendTimeout)
	if err != nil {
		return alert.TelegramConfig{}, err
	}
	return alert.TelegramConfig{
		Token:       strings.TrimSpace(c.Token),
		ChatID:      c.ChatID,
		ThreadID:    c.ThreadID,
		RatePerSec:  c.RatePerSec,
		SendTimeout: st,
		QueueSize:   c.QueueSize,
	}, nil
}
