package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	logx "serialbot/pkg/logx"
)

type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// AuditTotals sums entries at or after since, grouped by action.
	AuditTotals(ctx context.Context, since time.Time) ([]AuditTotals, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store. It returns (nil, nil) when storage
// is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

func sortTotals(m map[string]*AuditTotals) []AuditTotals {
	out := make([]AuditTotals, 0, len(m))
	for _, t := range m {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}
