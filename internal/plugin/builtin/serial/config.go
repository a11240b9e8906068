package serial

import (
	"fmt"
	"strings"
	"time"

	kit "serialbot/internal/transport"
	sn "serialbot/pkg/serial"
)

// Config is plugins.serial.config.
//
//	"serial": {
//	  "enabled": true,
//	  "config": {
//	    "epoch": "2026-01-01",
//	    "max_count": 99,
//	    "label": "month",
//	    "single_message": false,
//	    "announce_chat_id": -1001234567890,
//	    "announce_thread_id": 0
//	  }
//	}
type Config struct {
	// Epoch is RFC3339 or YYYY-MM-DD; it is moved to the start of its quarter.
	Epoch            string `json:"epoch"`
	MaxCount         int    `json:"max_count"`
	Label            string `json:"label"`
	SingleMessage    bool   `json:"single_message"`
	AnnounceChatID   int64  `json:"announce_chat_id"`
	AnnounceThreadID int    `json:"announce_thread_id"`
}

// settings is the validated, ready-to-use form of Config.
type settings struct {
	codec    *sn.Codec
	maxCount int
	label    sn.LabelStyle
	single   bool
	announce kit.ChatTarget
}

func defaultSettings() *settings {
	return &settings{codec: sn.Default(), maxCount: sn.MaxAdds, label: sn.LabelMonth}
}

func (c Config) compile() (*settings, error) {
	st := defaultSettings()

	if s := strings.TrimSpace(c.Epoch); s != "" {
		epoch, err := ParseEpoch(s)
		if err != nil {
			return nil, fmt.Errorf("epoch: %w", err)
		}
		st.codec = sn.New(epoch)
	}

	switch {
	case c.MaxCount == 0:
	case c.MaxCount < 1 || c.MaxCount > sn.MaxAdds:
		return nil, fmt.Errorf("max_count: %d not in [1, %d]", c.MaxCount, sn.MaxAdds)
	default:
		st.maxCount = c.MaxCount
	}

	label, err := sn.ParseLabelStyle(c.Label)
	if err != nil {
		return nil, fmt.Errorf("label: %w", err)
	}
	st.label = label
	st.single = c.SingleMessage

	if c.AnnounceThreadID < 0 {
		return nil, fmt.Errorf("announce_thread_id: must be >= 0")
	}
	st.announce = kit.ChatTarget{ChatID: c.AnnounceChatID, ThreadID: c.AnnounceThreadID}
	return st, nil
}

// ParseEpoch accepts RFC3339 timestamps and plain dates (UTC).
func ParseEpoch(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (want RFC3339 or YYYY-MM-DD)", s)
	}
	return t, nil
}
