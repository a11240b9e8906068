package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Env vars consulted when telegram.token is empty, in order.
var TokenEnvVars = []string{"SERIALBOT_TOKEN", "BOT_TOKEN"}

// Validate checks the fields the core understands. Plugin configs are
// validated by their plugins.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token: empty (set it or export %s)", TokenEnvVars[0]))
	}
	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)
	if _, err := ParseGroupLog(cfg.Telegram.GroupLog); err != nil {
		add(fmt.Errorf("telegram.group_log: %w", err))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	if cfg.Router.RatePerSec < 0 || cfg.Router.Burst < 0 || cfg.Router.Workers < 0 || cfg.Router.QueueSize < 0 {
		add(errors.New("router: values must be >= 0"))
	}

	_, err = ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	add(err)
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if st := cfg.Storage; st != nil {
		switch d := strings.ToLower(strings.TrimSpace(st.Driver)); d {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(fmt.Errorf("storage.path: required for driver %q", d))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout)
		add(err)
	}
	return errors.Join(errs...)
}

// ParseGroupLog parses telegram.group_log. Empty means disabled (0).
func ParseGroupLog(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q", raw)
	}
	return id, nil
}
