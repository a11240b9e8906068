package app

import (
	"context"
	"errors"

	"serialbot/internal/eventbus"
	"serialbot/internal/storage"
	logx "serialbot/pkg/logx"
)

// drainEvents consumes the bus until ctx is done. Audit entries go to store
// (when set); everything else is logged at debug level.
func drainEvents(ctx context.Context, events <-chan eventbus.Event, store storage.Store, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			entry, isAudit := e.Data.(storage.AuditEntry)
			if !isAudit {
				log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				continue
			}
			if store == nil {
				continue
			}
			if err := store.AppendAudit(ctx, entry); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("audit append failed", logx.String("action", entry.Action), logx.Err(err))
			}
		}
	}
}
