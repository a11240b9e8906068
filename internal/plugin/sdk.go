package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"serialbot/internal/eventbus"
	rtsup "serialbot/internal/runtime/supervisor"
	"serialbot/internal/scheduler"
	"serialbot/internal/storage"
	kit "serialbot/internal/transport"
	"serialbot/internal/transport/telegram/router"
	logx "serialbot/pkg/logx"
)

type Plugin interface {
	Name() string
	Init(ctx context.Context, deps Deps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Commands() []router.Command
}

type ConfigurablePlugin interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// ConfigValidator is an optional hook to validate plugin config before applying it.
type ConfigValidator interface {
	ValidateConfig(ctx context.Context, raw json.RawMessage) error
}

// Deps are the services a plugin may use. Store and Scheduler may be nil.
type Deps struct {
	Logger    logx.Logger
	Adapter   kit.Adapter
	Bus       eventbus.Bus
	Store     storage.Store
	Scheduler *scheduler.Service
}

// Base is embedded by plugins for logging, a per-plugin supervisor and
// namespaced scheduling.
//
//	type Plugin struct{ plugin.Base }
//	func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error { p.InitBase(deps, p.Name()); return nil }
//	func (p *Plugin) Start(ctx context.Context) error { p.StartBase(ctx); return nil }
//	func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }
type Base struct {
	Log    logx.Logger
	Deps   Deps
	Runner *rtsup.Supervisor

	pluginName string
	crons      []string
	ctx        context.Context
}

// InitBase wires deps and the plugin logger.
func (b *Base) InitBase(deps Deps, pluginName string) {
	b.Deps = deps
	b.pluginName = pluginName
	if !deps.Logger.IsZero() {
		b.Log = deps.Logger.With(logx.String("plugin", pluginName))
	} else {
		b.Log = logx.Nop().With(logx.String("plugin", pluginName))
	}
}

// StartBase creates a per-plugin supervisor tied to ctx.
func (b *Base) StartBase(ctx context.Context) {
	b.ctx = ctx
	b.Runner = rtsup.New(ctx, rtsup.WithLogger(b.Log), rtsup.WithCancelOnError(false))
}

// StopBase removes the plugin's cron jobs, cancels the runner and waits
// bounded by ctx.
func (b *Base) StopBase(ctx context.Context) error {
	if s := b.Deps.Scheduler; s != nil {
		for _, name := range b.crons {
			s.Remove(name)
		}
	}
	b.crons = nil
	if b.Runner == nil {
		return nil
	}
	b.Runner.Cancel()
	err := b.Runner.Wait(ctx)
	b.Runner = nil
	return err
}

// Context returns the plugin runtime context (canceled on stop/disable).
func (b *Base) Context() context.Context {
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

// Health reports "ok" while the plugin runs.
func (b *Base) Health(context.Context) (string, error) {
	if b.ctx == nil {
		return "not_started", nil
	}
	if err := b.ctx.Err(); err != nil {
		return "stopped", err
	}
	return "ok", nil
}

// Cron registers job under "<plugin>:<name>". Registering the same name
// again replaces the previous schedule.
func (b *Base) Cron(name, spec string, timeout time.Duration, job scheduler.Job) (string, error) {
	s := b.Deps.Scheduler
	if s == nil {
		return "", errors.New("scheduler not available")
	}
	full := b.ns(name)
	if err := s.AddCron(full, spec, timeout, job); err != nil {
		return "", err
	}
	for _, n := range b.crons {
		if n == full {
			return full, nil
		}
	}
	b.crons = append(b.crons, full)
	return full, nil
}

func (b *Base) ns(name string) string {
	if b.pluginName == "" {
		return name
	}
	if name == "" {
		return b.pluginName
	}
	return b.pluginName + ":" + name
}

// AppendAudit writes an audit entry to storage. Best effort: an error is
// returned when storage is disabled.
func (b *Base) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	if b.Deps.Store == nil {
		return storage.ErrDisabled
	}
	if e.Plugin == "" {
		e.Plugin = b.pluginName
	}
	return b.Deps.Store.AppendAudit(ctx, e)
}

// PublishEvent publishes to the in-process bus. Never blocks.
func (b *Base) PublishEvent(typ string, data any) {
	if b.Deps.Bus == nil {
		return
	}
	b.Deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// Send posts a plain message outside of a command request.
func (b *Base) Send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	if b.Deps.Adapter == nil {
		return errors.New("adapter not available")
	}
	_, err := b.Deps.Adapter.SendText(ctx, to, text, opt)
	return err
}

// DecodePluginConfig strictly decodes per-plugin raw json into T. Empty raw
// yields the zero value.
func DecodePluginConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
