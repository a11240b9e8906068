package app

import (
	"strings"
	"time"

	"serialbot/internal/config"
	"serialbot/internal/scheduler"
	"serialbot/internal/storage"
	"serialbot/internal/transport/telegram/router"
	logx "serialbot/pkg/logx"
)

const defaultPollTimeout = 10 * time.Second

// mapLogConfig converts the logging section. telegram overrides
// logging.telegram.enabled so the target can be set before the sink starts.
func mapLogConfig(cfg *config.Config, telegram bool) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    telegram,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:        cfg.Scheduler.Enabled,
		Timezone:       cfg.Scheduler.Timezone,
		DefaultTimeout: timeout,
		HistorySize:    cfg.Scheduler.HistorySize,
	}, nil
}

// mapStorageConfig reports enabled=false when the storage section is
// missing or its driver is empty or "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	if driver == "sqlite3" {
		driver = "sqlite"
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, true, nil
}

func mapRouterOptions(cfg *config.Config) router.Options {
	return router.Options{
		Workers:    cfg.Router.Workers,
		QueueSize:  cfg.Router.QueueSize,
		RatePerSec: cfg.Router.RatePerSec,
		Burst:      cfg.Router.Burst,
	}
}
