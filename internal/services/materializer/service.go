package materializer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"auditsched/internal/eventbus"
	"auditsched/internal/storage"
	"auditsched/pkg/logx"
)

// Config controls the materializer service.
type Config struct {
	Enabled bool
	// Schedule is a cron expression ("0 * * * *", "@hourly") or interval
	// ("@every 30m"). Default "@every 1h".
	Schedule string
	// HorizonDays bounds how far forward one sweep materializes. Default 90.
	HorizonDays int
	// Timeout applies per sweep. Default 1m.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = "@every 1h"
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = 90
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
	return c
}

// SweepResult is the per-rule outcome of one sweep, published on the bus.
type SweepResult struct {
	RuleID   string
	StoreID  string
	Expanded int
	Inserted int
	Error    string
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	store storage.Store
	bus   eventbus.Bus

	parser cron.Parser
	c      *cron.Cron

	// sweepMu serializes sweeps; a trigger that finds one running skips.
	sweepMu  sync.Mutex
	sweeping bool

	runCtx    context.Context
	runCancel context.CancelFunc

	// now is the reference clock handed to the expansion core. Swapped in
	// tests for determinism.
	now func() time.Time
}

func New(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		store:  store,
		bus:    bus,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply updates configuration; a changed schedule restarts the cron trigger.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	if !running {
		return
	}
	if !cfg.Enabled {
		s.Stop(context.Background())
		return
	}
	if prev.Schedule != cfg.Schedule {
		s.Stop(context.Background())
		s.Start(s.runParent())
	}
}

func (s *Service) runParent() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.c != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	runCtx := s.runCtx
	cfg := s.cfg

	c := cron.New(cron.WithParser(s.parser))
	_, err := c.AddFunc(cfg.Schedule, func() { s.trigger(runCtx) })
	if err != nil {
		s.mu.Unlock()
		s.log.Error("materializer schedule invalid", logx.String("schedule", cfg.Schedule), logx.Err(err))
		return
	}
	s.c = c
	s.mu.Unlock()

	c.Start()
	s.log.Info("materializer started", logx.String("schedule", cfg.Schedule), logx.Int("horizon_days", cfg.HorizonDays))

	// Initial sweep so a fresh start doesn't wait a full interval.
	go s.trigger(runCtx)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCtx = nil
	s.runCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("materializer stopped")
	case <-ctx.Done():
		// stop continues in background
	}
}

// trigger runs one sweep, skipping if a sweep is already in flight.
func (s *Service) trigger(ctx context.Context) {
	s.sweepMu.Lock()
	if s.sweeping {
		s.sweepMu.Unlock()
		s.log.Debug("sweep already running; skipping trigger")
		return
	}
	s.sweeping = true
	s.sweepMu.Unlock()
	defer func() {
		s.sweepMu.Lock()
		s.sweeping = false
		s.sweepMu.Unlock()
	}()

	s.mu.Lock()
	timeout := s.cfg.Timeout
	s.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	results, err := s.SweepAll(sctx)
	if err != nil {
		s.log.Warn("sweep failed", logx.Err(err), logx.Duration("took", time.Since(start)))
		return
	}
	inserted := 0
	failed := 0
	for _, r := range results {
		inserted += r.Inserted
		if r.Error != "" {
			failed++
		}
	}
	s.log.Info("sweep completed",
		logx.Int("rules", len(results)),
		logx.Int("inserted", inserted),
		logx.Int("failed", failed),
		logx.Duration("took", time.Since(start)),
	)
}
