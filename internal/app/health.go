package app

import (
	"context"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"serialbot/internal/plugin"
	rtsup "serialbot/internal/runtime/supervisor"
	"serialbot/internal/scheduler"
	"serialbot/internal/storage"
	"serialbot/internal/transport/telegram/router"
)

const auditWindow = 24 * time.Hour

// healthReport is everything /health renders.
type healthReport struct {
	Version     string
	Uptime      time.Duration
	Goroutines  int
	HeapAlloc   uint64
	Supervisors map[string]rtsup.Snapshot
	Scheduler   scheduler.Snapshot
	Plugins     []plugin.Status
	BusDropped  uint64
	// Audit is nil when storage is disabled.
	Audit    []storage.AuditTotals
	AuditErr string
}

func (a *App) healthCommand() router.Command {
	return router.Command{
		Route:       "health",
		Description: "bot runtime status",
		Usage:       "/health",
		Access:      router.AccessOwnerOnly,
		Plugin:      "core",
		Handle: func(ctx context.Context, req *router.Request) error {
			return req.Reply(ctx, renderHealth(a.collectHealth(ctx)), nil)
		},
	}
}

func (a *App) collectHealth(ctx context.Context) healthReport {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	h := healthReport{
		Version:     a.version,
		Uptime:      time.Since(a.startedAt),
		Goroutines:  runtime.NumGoroutine(),
		HeapAlloc:   m.HeapAlloc,
		Supervisors: map[string]rtsup.Snapshot{},
		Plugins:     a.pm.Snapshot(),
		BusDropped:  a.bus.Dropped(),
	}
	if a.sup != nil {
		h.Supervisors["app"] = a.sup.Snapshot()
	}
	if sup := a.cmdm.Supervisor(); sup != nil {
		h.Supervisors["commands"] = sup.Snapshot()
	}
	if sp, ok := a.adapter.(interface{ Supervisor() *rtsup.Supervisor }); ok {
		if sup := sp.Supervisor(); sup != nil {
			h.Supervisors["telegram"] = sup.Snapshot()
		}
	}
	if a.sched != nil {
		h.Scheduler = a.sched.Snapshot()
	}
	if a.store != nil {
		totals, err := a.store.AuditTotals(ctx, time.Now().Add(-auditWindow))
		if err != nil {
			h.AuditErr = err.Error()
		}
		h.Audit = append([]storage.AuditTotals{}, totals...)
	}
	return h
}

// renderHealth formats the report as plain text.
func renderHealth(h healthReport) string {
	degraded := false
	for _, p := range h.Plugins {
		if p.Quarantined || (p.Enabled && !p.Running) {
			degraded = true
		}
	}

	var b strings.Builder
	b.Grow(1024)
	b.WriteString("🏥 Bot Health\n")
	if degraded {
		b.WriteString("Status: Degraded\n")
	} else {
		b.WriteString("Status: Running\n")
	}
	fmt.Fprintf(&b, "Version: %s\n", h.Version)
	fmt.Fprintf(&b, "Uptime: %s\n", durRel(h.Uptime))
	fmt.Fprintf(&b, "Goroutines: %d, heap %s\n", h.Goroutines, humanize.IBytes(h.HeapAlloc))
	if h.BusDropped > 0 {
		fmt.Fprintf(&b, "Events dropped: %d\n", h.BusDropped)
	}

	b.WriteString("\n🧵 Supervisors\n")
	for _, name := range slices.Sorted(maps.Keys(h.Supervisors)) {
		s := h.Supervisors[name]
		fmt.Fprintf(&b, "  • %s: %d active, %d started", name, s.Active, s.Started)
		var panics, restarts uint64
		for _, g := range s.Goroutines {
			panics += g.Panics
			restarts += g.Restarts
		}
		if panics > 0 || restarts > 0 {
			fmt.Fprintf(&b, ", %d panics, %d restarts", panics, restarts)
		}
		if s.FirstError != "" {
			fmt.Fprintf(&b, ", error: %s", s.FirstError)
		}
		b.WriteString("\n")
	}

	b.WriteString("\n⏰ Scheduler\n")
	if !h.Scheduler.Enabled {
		b.WriteString("  • disabled\n")
	} else {
		tz := h.Scheduler.Timezone
		if tz == "" {
			tz = "UTC"
		}
		fmt.Fprintf(&b, "  • running: %v, tz %s\n", h.Scheduler.Running, tz)
		for _, s := range h.Scheduler.Schedules {
			next := "-"
			if !s.Next.IsZero() {
				next = s.Next.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(&b, "  • %s next %s\n", s.Name, next)
		}
		if n := len(h.Scheduler.History); n > 0 {
			last := h.Scheduler.History[n-1]
			res := "ok"
			if last.Error != "" {
				res = last.Error
			}
			fmt.Fprintf(&b, "  • last run %s: %s\n", last.Name, res)
		}
	}

	b.WriteString("\n🔌 Plugins\n")
	if len(h.Plugins) == 0 {
		b.WriteString("  • (none)\n")
	}
	for _, p := range h.Plugins {
		icon := "✅"
		switch {
		case p.Quarantined:
			icon = "🧯"
		case !p.Enabled:
			icon = "⛔"
		case !p.Running:
			icon = "🟨"
		}
		fmt.Fprintf(&b, "  • %s %s", icon, p.Name)
		if p.Error != "" {
			fmt.Fprintf(&b, ": %s", p.Error)
		}
		b.WriteString("\n")
	}

	if h.Audit != nil || h.AuditErr != "" {
		b.WriteString("\n📒 Last 24h\n")
		if h.AuditErr != "" {
			fmt.Fprintf(&b, "  • unavailable: %s\n", h.AuditErr)
		} else if len(h.Audit) == 0 {
			b.WriteString("  • no activity\n")
		}
		for _, t := range h.Audit {
			fmt.Fprintf(&b, "  • %s: %d requests, %d ok, %d failed\n", t.Action, t.Requests, t.OK, t.Fail)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func durRel(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}
