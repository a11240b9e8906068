package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Telegram  TelegramConfig             `json:"telegram"`
	Logging   LoggingConfig              `json:"logging"`
	Router    RouterConfig               `json:"router"`
	Scheduler SchedulerConfig            `json:"scheduler"`
	Storage   *StorageConfig             `json:"storage,omitempty"`
	Plugins   map[string]PluginConfigRaw `json:"plugins"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied through SERIALBOT_TOKEN or BOT_TOKEN.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the ops chat id receiving Telegram log lines.
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// RouterConfig tunes command dispatch. Zero values pick defaults.
type RouterConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
	// Per-user command budget; rate_per_sec 0 disables limiting.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"` // IANA name, default UTC
	// DefaultTimeout is a Go duration string; "0s" disables it.
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
//	"storage": { "driver": "sqlite", "path": "./data/serialbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON rejects unknown keys so typos surface on reload.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type plain PluginConfigRaw
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t plain
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw(t)
	return nil
}
