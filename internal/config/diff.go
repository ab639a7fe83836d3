package config

import (
	"strings"

	logx "chatpush/pkg/logx"
)

// SummarizeChange lists changed sections and safe log fields. Secrets are
// reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Telegram.GroupLog != newCfg.Telegram.GroupLog || isSet(oldCfg.Telegram.Token) != isSet(newCfg.Telegram.Token) {
		changed = append(changed, "telegram")
		fields = append(fields, logx.Bool("telegram.token_set", isSet(newCfg.Telegram.Token)))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Int("storage.max_endpoints", newCfg.Storage.MaxEndpoints),
		)
	}
	if oldCfg.Provider != newCfg.Provider {
		changed = append(changed, "provider")
		fields = append(fields,
			logx.String("provider.driver", newCfg.Provider.Driver),
			logx.Any("provider.rate_per_sec", newCfg.Provider.RatePerSec),
			logx.String("provider.timeout", newCfg.Provider.Timeout),
		)
	}
	if oldCfg.Dispatcher != newCfg.Dispatcher {
		changed = append(changed, "dispatcher")
		fields = append(fields, logx.Int("dispatcher.max_parallel", newCfg.Dispatcher.MaxParallel))
	}
	if oldCfg.Reconcile != newCfg.Reconcile {
		changed = append(changed, "reconcile")
		fields = append(fields,
			logx.Bool("reconcile.enabled", newCfg.Reconcile.Enabled),
			logx.String("reconcile.schedule", newCfg.Reconcile.Schedule),
			logx.String("reconcile.timezone", newCfg.Reconcile.Timezone),
		)
	}
	if oldCfg.HTTP.Addr != newCfg.HTTP.Addr ||
		isSet(oldCfg.HTTP.JWTSecret) != isSet(newCfg.HTTP.JWTSecret) ||
		isSet(oldCfg.HTTP.InternalToken) != isSet(newCfg.HTTP.InternalToken) {
		changed = append(changed, "http")
		fields = append(fields, logx.String("http.addr", newCfg.HTTP.Addr))
	}
	return changed, fields
}

// RequiresRestart reports changes that only take effect on restart.
func RequiresRestart(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.HTTP != newCfg.HTTP {
		out = append(out, "http")
	}
	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		out = append(out, "telegram.token")
	}
	p, q := oldCfg.Provider, newCfg.Provider
	p.RatePerSec, q.RatePerSec = 0, 0
	if p != q {
		out = append(out, "provider")
	}
	return out
}

func isSet(s string) bool { return strings.TrimSpace(s) != "" }
