package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines audit plus a dedup snapshot/journal
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// An empty Driver or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one bot action.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	ThreadID      int       `json:"thread_id,omitempty"`
	Plugin        string    `json:"plugin"`
	Action        string    `json:"action"`
	OK            int       `json:"ok"`
	Fail          int       `json:"fail"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms"`
	MetaJSON      string    `json:"meta,omitempty"`
}

// AuditTotals sums audit entries for one action.
type AuditTotals struct {
	Action   string
	Requests int
	OK       int
	Fail     int
}
