// Package serial is the bot plugin that issues and checks serial numbers.
package serial

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	core "serialbot/internal/plugin"
	"serialbot/internal/scheduler"
	logx "serialbot/pkg/logx"
)

const (
	PluginName = "serial"

	rolloverJob     = "rollover"
	rolloverSpec    = "CRON_TZ=UTC " + scheduler.QuarterStartSpec
	rolloverTimeout = 30 * time.Second
)

type Plugin struct {
	core.Base

	version string
	now     func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	st atomic.Pointer[settings]
}

type Option func(*Plugin)

// WithVersion sets the version shown by /start.
func WithVersion(v string) Option { return func(p *Plugin) { p.version = v } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(p *Plugin) { p.now = now } }

// WithRand replaces the disambiguator source.
func WithRand(r *rand.Rand) Option { return func(p *Plugin) { p.rng = r } }

func New(opts ...Option) *Plugin {
	p := &Plugin{
		version: "dev",
		now:     time.Now,
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, o := range opts {
		o(p)
	}
	p.st.Store(defaultSettings())
	return p
}

func (p *Plugin) Name() string { return PluginName }

func (p *Plugin) Init(ctx context.Context, deps core.Deps) error {
	p.InitBase(deps, p.Name())
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	if _, err := p.Cron(rolloverJob, rolloverSpec, rolloverTimeout, p.rollover); err != nil {
		p.Log.Warn("rollover schedule not registered", logx.Err(err))
	}
	// a quarter that started while the bot was down is announced once
	if p.Deps.Store != nil {
		p.Runner.Go("rollover.catchup", p.rollover)
	}
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error {
	return p.StopBase(ctx)
}

func (p *Plugin) ValidateConfig(_ context.Context, raw json.RawMessage) error {
	c, err := core.DecodePluginConfig[Config](raw)
	if err != nil {
		return err
	}
	_, err = c.compile()
	return err
}

func (p *Plugin) OnConfigChange(_ context.Context, raw json.RawMessage) error {
	c, err := core.DecodePluginConfig[Config](raw)
	if err != nil {
		return err
	}
	st, err := c.compile()
	if err != nil {
		return err
	}
	old := p.st.Swap(st)
	if !old.codec.Epoch().Equal(st.codec.Epoch()) {
		p.Log.Info("serial epoch changed",
			logx.Time("old", old.codec.Epoch()),
			logx.Time("new", st.codec.Epoch()),
		)
	}
	return nil
}

func (p *Plugin) settings() *settings { return p.st.Load() }

// pickAdds returns n distinct disambiguators from 1..MaxAdds.
func (p *Plugin) pickAdds(n int) []int {
	p.rngMu.Lock()
	perm := p.rng.Perm(maxAddsPick)
	p.rngMu.Unlock()
	out := perm[:n]
	for i := range out {
		out[i]++
	}
	return out
}
