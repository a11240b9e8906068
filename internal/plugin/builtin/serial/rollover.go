package serial

import (
	"context"
	"fmt"
	"time"

	"serialbot/internal/eventbus"
	logx "serialbot/pkg/logx"
	sn "serialbot/pkg/serial"
)

// Rollover is the payload of eventbus.TypeQuarterRollover.
type Rollover struct {
	Index     int       `json:"index"`
	Label     string    `json:"label"`
	Start     time.Time `json:"start"`
	Remaining int       `json:"remaining"`
}

// announcements are remembered a bit longer than one quarter
const rolloverDedupTTL = 100 * 24 * time.Hour

func rolloverKey(epoch time.Time, idx int) string {
	return fmt.Sprintf("serial:rollover:%d:%d", epoch.Unix(), idx)
}

// rollover logs and announces the quarter containing now, at most once per
// quarter when storage is available.
func (p *Plugin) rollover(ctx context.Context) error {
	st := p.settings()
	now := p.now().UTC()
	idx, _, err := st.codec.Quarter(now)
	if err != nil {
		return err
	}

	key := rolloverKey(st.codec.Epoch(), idx)
	if store := p.Deps.Store; store != nil {
		if _, seen, err := store.GetDedup(ctx, key); err != nil {
			p.Log.Warn("rollover dedup lookup failed", logx.Err(err))
		} else if seen {
			return nil
		}
	}

	per := st.codec.Period(idx)
	ev := Rollover{Index: idx, Label: per.Label(st.label), Start: st.codec.Start(per), Remaining: max(0, sn.MaxQuarterIndex-idx)}
	fields := []logx.Field{logx.Int("quarter", idx), logx.String("label", ev.Label), logx.Int("remaining", ev.Remaining)}
	if ev.Remaining <= warnQuarters {
		p.Log.Warn("new quarter; serial index close to overflow", fields...)
	} else {
		p.Log.Info("new quarter", fields...)
	}
	p.PublishEvent(eventbus.TypeQuarterRollover, ev)

	if st.announce.ChatID != 0 {
		text := "🗓 New quarter started.\n" + quarterText(st, idx)
		if err := p.Send(ctx, st.announce, text, htmlReply); err != nil {
			return fmt.Errorf("announce: %w", err)
		}
	}

	if store := p.Deps.Store; store != nil {
		if err := store.PutDedup(ctx, key, time.Now().Add(rolloverDedupTTL)); err != nil {
			p.Log.Warn("rollover dedup store failed", logx.Err(err))
		}
	}
	return nil
}
