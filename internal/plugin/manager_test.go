package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"serialbot/internal/config"
	"serialbot/internal/transport/telegram/router"
	logx "serialbot/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRegistry struct {
	mu   sync.Mutex
	last []string
}

func (r *fakeRegistry) SetRegistry(cmds []router.Command) {
	names := make([]string, 0, len(cmds))
	for _, c := range cmds {
		names = append(names, c.Plugin+"/"+c.Route)
	}
	r.mu.Lock()
	r.last = names
	r.mu.Unlock()
}

func (r *fakeRegistry) routes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

type testPlugin struct {
	Base

	mu      sync.Mutex
	inits   int
	starts  int
	stops   int
	applied []string
}

type testPluginConfig struct {
	Greeting string `json:"greeting"`
}

func (p *testPlugin) Name() string { return "test" }

func (p *testPlugin) Init(_ context.Context, deps Deps) error {
	p.InitBase(deps, p.Name())
	p.mu.Lock()
	p.inits++
	p.mu.Unlock()
	return nil
}

func (p *testPlugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	p.mu.Lock()
	p.starts++
	p.mu.Unlock()
	return nil
}

func (p *testPlugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	return p.StopBase(ctx)
}

func (p *testPlugin) Commands() []router.Command {
	return []router.Command{{Route: "hello", Handle: func(context.Context, *router.Request) error { return nil }}}
}

func (p *testPlugin) ValidateConfig(_ context.Context, raw json.RawMessage) error {
	c, err := DecodePluginConfig[testPluginConfig](raw)
	if err != nil {
		return err
	}
	if c.Greeting == "boom" {
		return errors.New("greeting must not be boom")
	}
	return nil
}

func (p *testPlugin) OnConfigChange(_ context.Context, raw json.RawMessage) error {
	c, err := DecodePluginConfig[testPluginConfig](raw)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.applied = append(p.applied, c.Greeting)
	p.mu.Unlock()
	return nil
}

func (p *testPlugin) counts() (inits, starts, stops int, applied []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inits, p.starts, p.stops, append([]string(nil), p.applied...)
}

func cfgWith(enabled bool, raw string) *config.Config {
	pc := config.PluginConfigRaw{Enabled: enabled}
	if raw != "" {
		pc.Config = json.RawMessage(raw)
	}
	return &config.Config{Plugins: map[string]config.PluginConfigRaw{"test": pc}}
}

func TestManagerLifecycle(t *testing.T) {
	reg := &fakeRegistry{}
	pm := NewManager(logx.Nop(), Deps{}, reg)
	p := &testPlugin{}
	if err := pm.Register(p); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pm.StartAll(ctx, cfgWith(true, `{"greeting":"hi"}`))
	if diff := cmp.Diff([]string{"test/hello"}, reg.routes()); diff != "" {
		t.Fatalf("routes (-want +got):\n%s", diff)
	}

	// same blob, different formatting: no reapply
	pm.OnConfigUpdate(ctx, cfgWith(true, `{ "greeting" : "hi" }`))
	pm.OnConfigUpdate(ctx, cfgWith(true, `{"greeting":"hello"}`))

	pm.OnConfigUpdate(ctx, cfgWith(false, `{"greeting":"hello"}`))
	if got := reg.routes(); len(got) != 0 {
		t.Fatalf("routes after disable = %v", got)
	}

	// re-enable does not call Init again
	pm.OnConfigUpdate(ctx, cfgWith(true, `{"greeting":"hello"}`))
	pm.StopAll(context.Background())

	inits, starts, stops, applied := p.counts()
	if inits != 1 || starts != 2 || stops != 2 {
		t.Fatalf("inits=%d starts=%d stops=%d", inits, starts, stops)
	}
	if diff := cmp.Diff([]string{"hi", "hello", "hello"}, applied); diff != "" {
		t.Fatalf("applied (-want +got):\n%s", diff)
	}
}

func TestManagerQuarantine(t *testing.T) {
	pm := NewManager(logx.Nop(), Deps{}, &fakeRegistry{})
	p := &testPlugin{}
	if err := pm.Register(p); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer pm.StopAll(context.Background())

	pm.StartAll(ctx, cfgWith(true, `{"greeting":"boom"}`))
	snap := pm.Snapshot()
	if len(snap) != 1 || snap[0].Running || !snap[0].Quarantined {
		t.Fatalf("snapshot = %+v", snap)
	}

	// same broken blob stays quarantined
	pm.OnConfigUpdate(ctx, cfgWith(true, `{"greeting":"boom"}`))
	if _, starts, _, _ := p.counts(); starts != 0 {
		t.Fatalf("quarantined plugin started %d times", starts)
	}

	pm.OnConfigUpdate(ctx, cfgWith(true, `{"greeting":"fixed"}`))
	snap = pm.Snapshot()
	if !snap[0].Running || snap[0].Quarantined {
		t.Fatalf("snapshot after fix = %+v", snap)
	}
}

func TestManagerValidateConfig(t *testing.T) {
	t.Parallel()
	pm := NewManager(logx.Nop(), Deps{}, nil)
	if err := pm.Register(&testPlugin{}); err != nil {
		t.Fatal(err)
	}
	if err := pm.Register(&testPlugin{}); err == nil {
		t.Fatal("duplicate register: expected error")
	}

	ctx := context.Background()
	if err := pm.ValidateConfig(ctx, cfgWith(true, `{"greeting":"ok"}`)); err != nil {
		t.Fatalf("valid config: %v", err)
	}
	if err := pm.ValidateConfig(ctx, cfgWith(false, `{"greeting":"boom"}`)); err != nil {
		t.Fatalf("disabled plugin is not validated: %v", err)
	}
	if err := pm.ValidateConfig(ctx, cfgWith(true, `{"greeting":"boom"}`)); err == nil {
		t.Fatal("expected error for invalid plugin config")
	}
	if err := pm.ValidateConfig(ctx, cfgWith(true, `{"greting":"typo"}`)); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestBaseCronRequiresScheduler(t *testing.T) {
	t.Parallel()
	var b Base
	b.InitBase(Deps{}, "x")
	if _, err := b.Cron("tick", "@hourly", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error without scheduler")
	}
	if got := b.ns("tick"); got != "x:tick" {
		t.Fatalf("ns = %q", got)
	}
}
