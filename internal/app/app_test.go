package app

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"serialbot/internal/config"
	"serialbot/internal/eventbus"
	"serialbot/internal/plugin"
	rtsup "serialbot/internal/runtime/supervisor"
	"serialbot/internal/scheduler"
	"serialbot/internal/storage"
	"serialbot/internal/transport/telegram/router"
	logx "serialbot/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      *config.StorageConfig
		want    storage.Config
		enabled bool
		wantErr bool
	}{
		{name: "missing"},
		{name: "none", in: &config.StorageConfig{Driver: "none"}},
		{
			name:    "sqlite3 alias",
			in:      &config.StorageConfig{Driver: " SQLite3 ", Path: " ./bot.db ", BusyTimeout: "3s"},
			want:    storage.Config{Driver: "sqlite", Path: "./bot.db", BusyTimeout: 3 * time.Second},
			enabled: true,
		},
		{
			name:    "file default busy timeout",
			in:      &config.StorageConfig{Driver: "file", Path: "data/bot"},
			want:    storage.Config{Driver: "file", Path: "data/bot", BusyTimeout: time.Second},
			enabled: true,
		},
		{name: "bad duration", in: &config.StorageConfig{Driver: "sqlite", Path: "x", BusyTimeout: "soon"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, enabled, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if enabled != tc.enabled {
				t.Fatalf("enabled = %v, want %v", enabled, tc.enabled)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("config (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMapSchedulerAndLogConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Scheduler = config.SchedulerConfig{Enabled: true, Timezone: "Asia/Jakarta", DefaultTimeout: "45s", HistorySize: 10}
	cfg.Logging.Level = "debug"
	cfg.Logging.Telegram = config.LoggingTelegram{Enabled: true, ThreadID: 7, MinLevel: "warn", RatePerSec: 2}

	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	wantSched := scheduler.Config{Enabled: true, Timezone: "Asia/Jakarta", DefaultTimeout: 45 * time.Second, HistorySize: 10}
	if diff := cmp.Diff(wantSched, sc); diff != "" {
		t.Fatalf("scheduler (-want +got):\n%s", diff)
	}

	lc := mapLogConfig(cfg, false)
	if lc.Telegram.Enabled {
		t.Fatal("telegram sink should follow the override")
	}
	if lc.Level != "debug" || lc.Telegram.ThreadID != 7 || lc.Telegram.MinLevel != "warn" {
		t.Fatalf("log config = %+v", lc)
	}

	cfg.Scheduler.DefaultTimeout = "later"
	if _, err := mapSchedulerConfig(cfg); err == nil {
		t.Fatal("bad default_timeout should fail")
	}
}

type recordingRegistry struct{ got []router.Command }

func (r *recordingRegistry) SetRegistry(cmds []router.Command) { r.got = cmds }

func TestRegistryAppendsCoreCommands(t *testing.T) {
	t.Parallel()
	next := &recordingRegistry{}
	r := &registry{next: next, core: []router.Command{{Route: "health"}}}
	in := []router.Command{{Route: "generate"}, {Route: "check"}}
	r.SetRegistry(in)

	var routes []string
	for _, c := range next.got {
		routes = append(routes, c.Route)
	}
	if diff := cmp.Diff([]string{"generate", "check", "health"}, routes); diff != "" {
		t.Fatalf("routes (-want +got):\n%s", diff)
	}
	if len(in) != 2 {
		t.Fatal("input slice was modified")
	}
}

func TestDrainEventsStoresAudit(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "bot")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer unsub()
		drainEvents(ctx, events, st, logx.Nop())
	}()

	bus.Publish(eventbus.Event{Type: eventbus.TypeSerialGenerated, Time: time.Now(), Data: storage.AuditEntry{
		At: time.Now(), ActorID: 1, Plugin: "serial", Action: "generate", OK: 3,
	}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: []string{"logging"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeSerialChecked, Time: time.Now(), Data: storage.AuditEntry{
		At: time.Now(), ActorID: 2, Plugin: "serial", Action: "check", Fail: 1,
	}})

	want := []storage.AuditTotals{
		{Action: "check", Requests: 1, Fail: 1},
		{Action: "generate", Requests: 1, OK: 3},
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := st.AuditTotals(context.Background(), time.Now().Add(-time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		if cmp.Diff(want, got) == "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("totals (-want +got):\n%s", cmp.Diff(want, got))
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestRenderHealth(t *testing.T) {
	t.Parallel()
	next := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	h := healthReport{
		Version:    "v1.2.3",
		Uptime:     26*time.Hour + 5*time.Minute,
		Goroutines: 12,
		HeapAlloc:  3 << 20,
		Supervisors: map[string]rtsup.Snapshot{
			"app": {Active: 4, Started: 4},
			"telegram": {Active: 1, Started: 2, Goroutines: []rtsup.GoroutineStats{
				{Name: "poll", Restarts: 1},
			}},
		},
		Scheduler: scheduler.Snapshot{
			Enabled: true, Running: true,
			Schedules: []scheduler.ScheduleInfo{{Name: "serial:rollover", Next: next}},
		},
		Plugins: []plugin.Status{{Name: "serial", Enabled: true, Running: true}},
		Audit:   []storage.AuditTotals{{Action: "generate", Requests: 2, OK: 10}},
	}
	out := renderHealth(h)
	for _, want := range []string{
		"Status: Running",
		"Version: v1.2.3",
		"Uptime: 26h5m",
		"heap 3.0 MiB",
		"app: 4 active, 4 started\n",
		"telegram: 1 active, 2 started, 0 panics, 1 restarts",
		"tz UTC",
		"serial:rollover next 2027-01-01T00:00:00Z",
		"✅ serial",
		"generate: 2 requests, 10 ok, 0 failed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Index(out, "app:") > strings.Index(out, "telegram:") {
		t.Error("supervisors are not sorted")
	}

	h.Plugins = []plugin.Status{{Name: "serial", Enabled: true, Quarantined: true, Error: "epoch: invalid"}}
	h.Audit = nil
	out = renderHealth(h)
	if !strings.Contains(out, "Status: Degraded") || !strings.Contains(out, "🧯 serial: epoch: invalid") {
		t.Fatalf("quarantined plugin not reported:\n%s", out)
	}
	if strings.Contains(out, "Last 24h") {
		t.Fatal("audit section shown without storage")
	}
}

func TestDurRel(t *testing.T) {
	t.Parallel()
	cases := map[time.Duration]string{
		42 * time.Second:              "42s",
		3*time.Minute + 4*time.Second: "3m4s",
		5*time.Hour + 6*time.Minute:   "5h6m",
		3*24*time.Hour + 2*time.Hour:  "3d2h",
		-90 * time.Second:             "1m30s",
	}
	for in, want := range cases {
		if got := durRel(in); got != want {
			t.Errorf("durRel(%s) = %q, want %q", in, got, want)
		}
	}
}
