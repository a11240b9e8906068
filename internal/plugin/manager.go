package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"sort"
	"sync"
	"time"

	"serialbot/internal/config"
	"serialbot/internal/eventbus"
	"serialbot/internal/transport/telegram/router"
	logx "serialbot/pkg/logx"
)

// Registry receives the command set of the running plugins.
type Registry interface {
	SetRegistry(cmds []router.Command)
}

type pluginEvent struct {
	Plugin string `json:"plugin"`
	Stage  string `json:"stage,omitempty"`
	Err    string `json:"err,omitempty"`
	TookMS int64  `json:"took_ms,omitempty"`
}

type quarantineState struct {
	rawHash uint64
	err     string
	since   time.Time
}

// Status describes one registered plugin.
type Status struct {
	Name        string    `json:"name"`
	Enabled     bool      `json:"enabled"`
	Running     bool      `json:"running"`
	Quarantined bool      `json:"quarantined,omitempty"`
	Error       string    `json:"error,omitempty"`
	Since       time.Time `json:"since,omitempty"`
}

const callTimeout = 10 * time.Second

// Manager starts, stops and reconfigures plugins to match the config.
// A plugin whose config fails validation or apply is quarantined until its
// config changes.
type Manager struct {
	// opMu serializes reconcile and StopAll
	opMu sync.Mutex
	mu   sync.Mutex

	log  logx.Logger
	deps Deps
	cmdm Registry

	reg    map[string]Plugin
	run    map[string]bool
	inited map[string]bool
	// last config blob hash per running plugin; unchanged blobs skip OnConfigChange
	lastRawHash map[string]uint64
	quarantine  map[string]quarantineState
	cfg         *config.Config

	// baseCtx outlives call-scoped contexts passed to StartAll/OnConfigUpdate.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	unbind     func() bool

	pcancel map[string]context.CancelFunc
}

func NewManager(log logx.Logger, deps Deps, cmdm Registry) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		log:         log.With(logx.String("comp", "plugins")),
		deps:        deps,
		cmdm:        cmdm,
		reg:         map[string]Plugin{},
		run:         map[string]bool{},
		inited:      map[string]bool{},
		lastRawHash: map[string]uint64{},
		quarantine:  map[string]quarantineState{},
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		pcancel:     map[string]context.CancelFunc{},
	}
}

func (pm *Manager) emit(typ string, data pluginEvent) {
	if pm.deps.Bus == nil {
		return
	}
	pm.deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// BindContext cancels every plugin context once appCtx is done. First bind wins.
func (pm *Manager) BindContext(appCtx context.Context) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.unbind != nil || appCtx == nil {
		return
	}
	pm.unbind = context.AfterFunc(appCtx, pm.baseCancel)
}

func (pm *Manager) Register(p ...Plugin) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, pl := range p {
		name := pl.Name()
		if name == "" {
			return errors.New("plugin name is empty")
		}
		if _, dup := pm.reg[name]; dup {
			return fmt.Errorf("plugin %q registered twice", name)
		}
		pm.reg[name] = pl
	}
	return nil
}

// ValidateConfig runs every enabled plugin's ConfigValidator. It is meant
// to be installed as (part of) the config manager's validator so a broken
// plugin config is rejected before commit.
func (pm *Manager) ValidateConfig(ctx context.Context, cfg *config.Config) error {
	pm.mu.Lock()
	names := slices.Sorted(maps.Keys(pm.reg))
	reg := maps.Clone(pm.reg)
	pm.mu.Unlock()

	var errs []error
	for _, name := range names {
		raw, ok := cfg.Plugins[name]
		if !ok || !raw.Enabled {
			continue
		}
		v, ok := reg[name].(ConfigValidator)
		if !ok {
			continue
		}
		err := pm.safeCall("plugin.validate."+name, func() error { return v.ValidateConfig(ctx, raw.Config) })
		if err != nil {
			errs = append(errs, fmt.Errorf("plugins.%s.config: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (pm *Manager) StartAll(ctx context.Context, cfg *config.Config) {
	pm.BindContext(ctx)
	pm.reconcile(cfg)
}

func (pm *Manager) OnConfigUpdate(ctx context.Context, cfg *config.Config) {
	pm.BindContext(ctx)
	pm.reconcile(cfg)
}

// StopAll stops every running plugin, bounded by ctx.
func (pm *Manager) StopAll(ctx context.Context) {
	pm.opMu.Lock()
	defer pm.opMu.Unlock()
	pm.mu.Lock()
	names := make([]string, 0, len(pm.run))
	for name, running := range pm.run {
		if running {
			names = append(names, name)
		}
	}
	pm.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		pm.stopOne(ctx, name, "shutdown")
	}
	pm.refreshRegistry()

	pm.mu.Lock()
	if pm.unbind != nil {
		pm.unbind()
	}
	pm.mu.Unlock()
	pm.baseCancel()
}

// Snapshot lists registered plugins sorted by name.
func (pm *Manager) Snapshot() []Status {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]Status, 0, len(pm.reg))
	for name := range pm.reg {
		st := Status{Name: name, Running: pm.run[name]}
		if pm.cfg != nil {
			st.Enabled = pm.cfg.Plugins[name].Enabled
		}
		if q, ok := pm.quarantine[name]; ok {
			st.Quarantined = true
			st.Error = q.err
			st.Since = q.since
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (pm *Manager) setQuarantine(name string, rawHash uint64, err error, stage string) {
	pm.mu.Lock()
	prev, ok := pm.quarantine[name]
	if ok && prev.rawHash == rawHash && prev.err == err.Error() {
		pm.mu.Unlock()
		return
	}
	pm.quarantine[name] = quarantineState{rawHash: rawHash, err: err.Error(), since: time.Now()}
	pm.mu.Unlock()

	pm.log.Error("plugin quarantined", logx.String("plugin", name), logx.String("stage", stage), logx.Err(err))
	pm.emit("plugin.quarantined", pluginEvent{Plugin: name, Stage: stage, Err: err.Error()})
}

// quarantined reports whether name is held back for this exact config blob.
// A changed blob clears the quarantine.
func (pm *Manager) quarantined(name string, rawHash uint64) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	st, ok := pm.quarantine[name]
	if !ok {
		return false
	}
	if st.rawHash != rawHash {
		delete(pm.quarantine, name)
		pm.log.Info("plugin quarantine cleared (config changed)", logx.String("plugin", name))
		return false
	}
	return true
}

func (pm *Manager) reconcile(cfg *config.Config) {
	if cfg == nil {
		return
	}
	pm.opMu.Lock()
	defer pm.opMu.Unlock()
	type op struct {
		name    string
		p       Plugin
		raw     config.PluginConfigRaw
		rawHash uint64
		enabled bool
		run     bool
	}
	pm.mu.Lock()
	pm.cfg = cfg
	ops := make([]op, 0, len(pm.reg))
	for name, p := range pm.reg {
		raw, ok := cfg.Plugins[name]
		ops = append(ops, op{
			name:    name,
			p:       p,
			raw:     raw,
			rawHash: config.HashPluginConfig(raw.Config),
			enabled: ok && raw.Enabled,
			run:     pm.run[name],
		})
	}
	pm.mu.Unlock()
	sort.Slice(ops, func(i, j int) bool { return ops[i].name < ops[j].name })

	for _, o := range ops {
		switch {
		case o.enabled && !o.run:
			if pm.quarantined(o.name, o.rawHash) {
				pm.log.Warn("plugin enable skipped (quarantined)", logx.String("plugin", o.name))
				continue
			}
			pm.startOne(o.name, o.p, o.raw.Config, o.rawHash)
		case !o.enabled && o.run:
			stopCtx, cancel := context.WithTimeout(context.Background(), callTimeout)
			pm.stopOne(stopCtx, o.name, "disabled")
			cancel()
		case o.enabled && o.run:
			pm.mu.Lock()
			unchanged := pm.lastRawHash[o.name] == o.rawHash
			pm.mu.Unlock()
			if unchanged {
				continue
			}
			cp, ok := o.p.(ConfigurablePlugin)
			if !ok {
				continue
			}
			if err := pm.applyConfig(o.name, o.p, cp, o.raw.Config); err != nil {
				pm.setQuarantine(o.name, o.rawHash, err, "config")
				stopCtx, cancel := context.WithTimeout(context.Background(), callTimeout)
				pm.stopOne(stopCtx, o.name, "quarantine")
				cancel()
				continue
			}
			pm.mu.Lock()
			pm.lastRawHash[o.name] = o.rawHash
			pm.mu.Unlock()
			pm.emit("plugin.config_applied", pluginEvent{Plugin: o.name})
		}
	}
	pm.refreshRegistry()
}

func (pm *Manager) applyConfig(name string, p Plugin, cp ConfigurablePlugin, raw json.RawMessage) error {
	ctx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
	defer cancel()
	if v, ok := p.(ConfigValidator); ok {
		if err := pm.safeCall("plugin.validate."+name, func() error { return v.ValidateConfig(ctx, raw) }); err != nil {
			return fmt.Errorf("config validate: %w", err)
		}
	}
	if err := pm.safeCall("plugin.config."+name, func() error { return cp.OnConfigChange(ctx, raw) }); err != nil {
		return fmt.Errorf("config apply: %w", err)
	}
	return nil
}

func (pm *Manager) startOne(name string, p Plugin, raw json.RawMessage, rawHash uint64) {
	start := time.Now()
	pctx, cancel := context.WithCancel(pm.baseCtx)

	pm.mu.Lock()
	needInit := !pm.inited[name]
	pm.mu.Unlock()
	if needInit {
		ictx, icancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("plugin.init."+name, func() error { return p.Init(ictx, pm.deps) })
		icancel()
		if err != nil {
			cancel()
			pm.log.Error("plugin init failed", logx.String("plugin", name), logx.Err(err))
			pm.emit("plugin.init_failed", pluginEvent{Plugin: name, Err: err.Error()})
			return
		}
		pm.mu.Lock()
		pm.inited[name] = true
		pm.mu.Unlock()
	}

	if cp, ok := p.(ConfigurablePlugin); ok {
		if err := pm.applyConfig(name, p, cp, raw); err != nil {
			cancel()
			pm.setQuarantine(name, rawHash, err, "config")
			return
		}
	}

	if err := pm.startWithTimeout(name, p, pctx, cancel, callTimeout); err != nil {
		cancel()
		pm.log.Error("plugin start failed", logx.String("plugin", name), logx.Err(err))
		pm.emit("plugin.start_failed", pluginEvent{Plugin: name, Err: err.Error()})
		return
	}

	pm.mu.Lock()
	pm.run[name] = true
	pm.pcancel[name] = cancel
	pm.lastRawHash[name] = rawHash
	pm.mu.Unlock()

	took := time.Since(start)
	pm.log.Info("plugin started", logx.String("plugin", name), logx.Duration("took", took))
	pm.emit("plugin.started", pluginEvent{Plugin: name, TookMS: took.Milliseconds()})
}

func (pm *Manager) stopOne(stopCtx context.Context, name, reason string) {
	pm.mu.Lock()
	p := pm.reg[name]
	running := pm.run[name]
	cancel := pm.pcancel[name]
	pm.mu.Unlock()
	if !running || p == nil {
		return
	}

	start := time.Now()
	if cancel != nil {
		cancel()
	}

	// a misbehaving plugin must not block shutdown forever
	done := make(chan struct{})
	go func() {
		_ = pm.safeCall("plugin.stop."+name, func() error { return p.Stop(stopCtx) })
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		pm.log.Warn("plugin stop timeout (continuing)", logx.String("plugin", name), logx.Err(stopCtx.Err()))
	}

	pm.mu.Lock()
	pm.run[name] = false
	delete(pm.pcancel, name)
	delete(pm.lastRawHash, name)
	pm.mu.Unlock()

	took := time.Since(start)
	pm.log.Info("plugin stopped", logx.String("plugin", name), logx.String("reason", reason), logx.Duration("took", took))
	pm.emit("plugin.stopped", pluginEvent{Plugin: name, Stage: reason, TookMS: took.Milliseconds()})
}

// startWithTimeout calls Start(pctx) but enforces a deadline. On timeout the
// plugin context is canceled.
func (pm *Manager) startWithTimeout(name string, p Plugin, pctx context.Context, cancel context.CancelFunc, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- pm.safeCall("plugin.start."+name, func() error { return p.Start(pctx) })
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		cancel()
		grace := time.NewTimer(2 * time.Second)
		defer grace.Stop()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("start timeout (%s): %w", timeout, err)
			}
			return fmt.Errorf("start timeout (%s)", timeout)
		case <-grace.C:
			return fmt.Errorf("start timeout (%s): start did not return after cancel", timeout)
		}
	}
}

func (pm *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}

func (pm *Manager) refreshRegistry() {
	if pm.cmdm == nil {
		return
	}
	pm.mu.Lock()
	names := make([]string, 0, len(pm.reg))
	for name := range pm.reg {
		if pm.run[name] {
			names = append(names, name)
		}
	}
	reg := maps.Clone(pm.reg)
	pm.mu.Unlock()
	sort.Strings(names)

	var cmds []router.Command
	for _, name := range names {
		for _, c := range pm.safeCommands(name, reg[name]) {
			c.Plugin = name
			cmds = append(cmds, c)
		}
	}
	pm.cmdm.SetRegistry(cmds)
}

func (pm *Manager) safeCommands(name string, p Plugin) (out []router.Command) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin Commands()",
				logx.String("plugin", name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			out = nil
		}
	}()
	return p.Commands()
}
