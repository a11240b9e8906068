package logx

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	kit "serialbot/internal/transport"
)

// telegramWriter is the zerolog sink feeding the ops chat.
type telegramWriter struct{ svc *Service }

func (w *telegramWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *telegramWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	chatID := s.chatID
	threadID := s.threadID
	lim := s.limiter
	minLevel := s.minLevel
	hasSender := s.sender != nil
	s.mu.Unlock()

	if chatID == 0 || !hasSender || lim == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	if msg := formatTelegramJSON(p); msg != "" {
		s.enqueue(kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, msg)
	}
	return len(p), nil
}

// formatTelegramJSON turns one zerolog JSON line into a short chat message:
// "[LEVEL] message" followed by "- key=value" lines in key order.
func formatTelegramJSON(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "stack" {
			b.WriteString("\n- stack=\n")
			b.WriteString(truncate(fmt.Sprint(m[k]), 900))
			continue
		}
		b.WriteString("\n- " + k + "=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
