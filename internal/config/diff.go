package config

import (
	"reflect"
	"sort"

	logx "serialbot/pkg/logx"
)

// SummarizeConfigChange lists the changed top-level sections, safe log
// fields describing them (never the token) and the plugins whose enable
// flag or config changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var fields []logx.Field

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.PollTimeout != nt.PollTimeout || ot.GroupLog != nt.GroupLog || !reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) || ot.Token != nt.Token {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.String("telegram.poll_timeout", nt.PollTimeout),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", nt.GroupLog != ""),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Router != newCfg.Router {
		changed = append(changed, "router")
		fields = append(fields, logx.Any("router", newCfg.Router))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		fields = append(fields,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	var oldSt, newSt StorageConfig
	if oldCfg.Storage != nil {
		oldSt = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newSt = *newCfg.Storage
	}
	if oldSt != newSt {
		changed = append(changed, "storage")
		fields = append(fields, logx.String("storage.driver", newSt.Driver))
	}

	plugins := diffPlugins(oldCfg.Plugins, newCfg.Plugins)
	if len(plugins) > 0 {
		changed = append(changed, "plugins")
		fields = append(fields, logx.Strs("plugins.changed", plugins))
	}

	sort.Strings(changed)
	return changed, fields, plugins
}

func diffPlugins(oldM, newM map[string]PluginConfigRaw) []string {
	names := map[string]struct{}{}
	for k := range oldM {
		names[k] = struct{}{}
	}
	for k := range newM {
		names[k] = struct{}{}
	}
	var out []string
	for name := range names {
		o, n := oldM[name], newM[name]
		if o.Enabled != n.Enabled || HashPluginConfig(o.Config) != HashPluginConfig(n.Config) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
