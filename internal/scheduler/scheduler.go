package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "serialbot/pkg/logx"
)

// QuarterStartSpec fires at midnight on the first day of every calendar quarter.
const QuarterStartSpec = "0 0 1 1,4,7,10 *"

type Config struct {
	Enabled        bool
	Timezone       string // IANA name; empty means UTC
	DefaultTimeout time.Duration
	HistorySize    int
}

type Job func(ctx context.Context) error

type HistoryItem struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type ScheduleInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
	History   []HistoryItem  `json:"history"`
}

type scheduleDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	entryID cron.EntryID
}

// Service runs named cron jobs. Definitions added before Start are kept and
// registered when the service starts; a timezone change re-registers them.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser

	c      *cron.Cron
	parent context.Context // as passed to Start
	ctx    context.Context
	cancel context.CancelFunc
	defs   map[string]*scheduleDef

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*scheduleDef{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Validate reports whether spec is a 5-field cron expression or descriptor.
func (s *Service) Validate(spec string) error {
	_, err := s.parser.Parse(spec)
	return err
}

// Start runs the cron loop under ctx. A disabled service only remembers ctx
// so a later Apply can enable it.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parent = ctx
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startLocked()
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{log: s.log}),
		cron.WithChain(cron.Recover(cronLogger{log: s.log}), cron.SkipIfStillRunning(cronLogger{log: s.log})),
	)
	for _, d := range s.defs {
		if err := s.addLocked(d); err != nil {
			s.log.Warn("schedule rejected", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts the cron loop and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
	cancel()
	s.log.Info("scheduler stopped")
	return nil
}

// Apply swaps the configuration. A timezone change restarts the cron loop;
// toggling Enabled starts or stops it.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	c, parent := s.c, s.parent
	s.mu.Unlock()

	switch {
	case c != nil && !cfg.Enabled:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	case c != nil && strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone):
		// wait outside the lock: running jobs read the config
		<-c.Stop().Done()
		s.mu.Lock()
		if s.c == c {
			s.startLocked()
		}
		s.mu.Unlock()
	case c == nil && cfg.Enabled && parent != nil && parent.Err() == nil:
		s.Start(parent)
	}
}

// AddCron registers (or replaces) the named job.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" || job == nil {
		return errors.New("schedule name and job are required")
	}
	if err := s.Validate(spec); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.defs[name]; ok && s.c != nil {
		s.c.Remove(old.entryID)
	}
	d := &scheduleDef{name: name, spec: spec, timeout: timeout, job: job}
	s.defs[name] = d
	if s.c == nil {
		return nil
	}
	return s.addLocked(d)
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) addLocked(d *scheduleDef) error {
	id, err := s.c.AddFunc(d.spec, func() { s.run(d) })
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) run(d *scheduleDef) {
	s.mu.Lock()
	ctx := s.ctx
	timeout := d.timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := d.job(ctx)
	item := HistoryItem{Name: d.name, Started: start, Duration: time.Since(start)}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task failed", logx.String("task", d.name), logx.Err(err))
	} else {
		s.log.Debug("task ok", logx.String("task", d.name), logx.Duration("took", item.Duration))
	}

	size := s.cfg.HistorySize
	if size <= 0 {
		size = 32
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	s.mu.Unlock()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" || strings.EqualFold(tz, "utc") {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
