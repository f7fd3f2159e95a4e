package config

import (
	"reflect"
	"slices"
	"strings"

	logx "taskd/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields for logging. Secrets (tokens, DSN, passwords, api key)
// are never included; only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	osch, nsch := oldCfg.Scheduler, newCfg.Scheduler
	if osch.IsEnabled() != nsch.IsEnabled() ||
		strings.TrimSpace(osch.StartupDelay) != strings.TrimSpace(nsch.StartupDelay) ||
		strings.TrimSpace(osch.Timezone) != strings.TrimSpace(nsch.Timezone) ||
		osch.HistorySize != nsch.HistorySize ||
		strings.TrimSpace(osch.StopTimeout) != strings.TrimSpace(nsch.StopTimeout) ||
		!sameSet(osch.DisabledTypes, nsch.DisabledTypes) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", nsch.IsEnabled()),
			logx.String("scheduler.timezone", strings.TrimSpace(nsch.Timezone)),
			logx.Strings("scheduler.disabled_types", nsch.DisabledTypes),
		)
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	if !reflect.DeepEqual(ost, nst) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nst.Driver),
			logx.String("storage.path", nst.Path),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nst.DSN) != ""),
			logx.String("storage.redis_addr", nst.Redis.Addr),
		)
	}

	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", newCfg.API.Addr),
			logx.Bool("api.key_set", strings.TrimSpace(newCfg.API.APIKey) != ""),
			logx.Bool("api.pprof", newCfg.API.Pprof),
		)
	}

	otg, ntg := oldCfg.Alert.Telegram, newCfg.Alert.Telegram
	if !reflect.DeepEqual(otg, ntg) {
		changed = append(changed, "alert")
		attrs = append(attrs,
			logx.Bool("alert.telegram.enabled", ntg.Enabled),
			logx.Int64("alert.telegram.chat_id", ntg.ChatID),
			logx.Bool("alert.telegram.token_set", strings.TrimSpace(ntg.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Tasks, newCfg.Tasks) {
		changed = append(changed, "tasks")
		attrs = append(attrs, logx.Int("tasks.count", len(newCfg.Tasks)))
	}
	return changed, attrs
}

// DisabledTypesChanged reports whether the set of disabled task types
// differs, ignoring order and case.
func DisabledTypesChanged(oldCfg, newCfg *Config) bool {
	var a, b []string
	if oldCfg != nil {
		a = oldCfg.Scheduler.DisabledTypes
	}
	if newCfg != nil {
		b = newCfg.Scheduler.DisabledTypes
	}
	return !sameSet(a, b)
}

func sameSet(a, b []string) bool {
	norm := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, s := range in {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				out = append(out, s)
			}
		}
		slices.Sort(out)
		return slices.Compact(out)
	}
	return slices.Equal(norm(a), norm(b))
}
