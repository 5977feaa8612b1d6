package notify

import (
	"context"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"auditsched/internal/eventbus"
	"auditsched/internal/storage"
	"auditsched/pkg/logx"
	"auditsched/pkg/recurrence"
)

// Service implements the async notification pipeline:
// periodic scan + queue + worker pool + rate limit + retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	store storage.Store
	bus   eventbus.Bus
	sink  Sink

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan Notification
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem

	// now is swapped in tests.
	now func() time.Time
}

func New(cfg Config, store storage.Store, sink Sink, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store: store,
		sink:  sink,
		bus:   bus,
		log:   log,
		now:   time.Now,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// SetSink swaps the delivery backend (config hot reload).
func (s *Service) SetSink(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan Notification, s.cfg.QueueSize)
	s.accepting = true
	s.stopDone = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	workers := s.cfg.Workers
	scanEvery := s.cfg.ScanEvery
	runCtx := s.runCtx
	queue := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		i := i
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in notifier worker", logx.Int("worker", i), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.workerLoop(runCtx, queue)
		}()
	}

	go s.scanLoop(runCtx, scanEvery)
	s.log.Info("notifier started", logx.Int("workers", workers), logx.Duration("scan_every", scanEvery))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	done := s.stopDone
	cancel := s.runCancel
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	// Wait for in-flight enqueues, then close the queue so workers can drain.
	ch := make(chan struct{})
	go func() {
		s.sendWG.Wait()
		close(ch)
	}()
	select {
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		return
	case <-ch:
	}

	func() {
		defer func() { _ = recover() }()
		close(q)
	}()

	go func() {
		s.workerWG.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	s.queue = nil
	s.stopDone = nil
	s.runCancel = nil
	s.runCtx = nil
	s.mu.Unlock()
	s.log.Info("notifier stopped")
}

func (s *Service) scanLoop(ctx context.Context, every time.Duration) {
	// Immediate scan so a restart catches anything that came due while down.
	if err := s.Scan(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("due-entry scan failed", logx.Err(err))
	}

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.Scan(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("due-entry scan failed", logx.Err(err))
			}
		}
	}
}

// Scan finds pending entries inside the lead window and enqueues one
// notification per entry. Entries whose rule vanished are skipped.
func (s *Service) Scan(ctx context.Context) error {
	s.mu.Lock()
	lead := s.cfg.LeadWindow
	s.mu.Unlock()

	by := recurrence.DateOf(s.now().Add(lead))
	due, err := s.store.DueEntries(ctx, by)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	rules := map[string]*storage.AuditRule{}
	queued := 0
	for _, e := range due {
		rule, ok := rules[e.RuleID]
		if !ok {
			rule, err = s.store.GetRule(ctx, e.RuleID)
			if err != nil {
				s.log.Debug("due entry without rule; skipping", logx.String("entry", e.ID), logx.String("rule", e.RuleID), logx.Err(err))
				rules[e.RuleID] = nil
				continue
			}
			rules[e.RuleID] = rule
		}
		if rule == nil {
			continue
		}

		n := Notification{
			EntryID:       e.ID,
			RuleID:        rule.ID,
			StoreID:       rule.StoreID,
			StoreName:     rule.StoreName,
			ChecklistID:   rule.ChecklistID,
			AuditorEmail:  rule.AuditorEmail,
			ScheduledOn:   e.ScheduledOn,
			PreferredTime: rule.PreferredTime,
		}
		if err := s.Enqueue(ctx, n); err != nil {
			s.log.Warn("notification enqueue failed", logx.String("entry", e.ID), logx.Err(err))
			continue
		}
		queued++
	}
	if queued > 0 {
		s.log.Debug("due-entry scan queued notifications", logx.Int("queued", queued), logx.Date("by", by))
	}
	return nil
}

// Enqueue hands one notification to the worker pool without blocking.
func (s *Service) Enqueue(ctx context.Context, n Notification) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	s.publish("notify.queued", n, "")
	select {
	case q <- n:
		return nil
	default:
		s.publish("notify.dropped", n, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, queue <-chan Notification) {
	for n := range queue {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.sendWithRetry(ctx, n)
	}
}

func (s *Service) sendWithRetry(ctx context.Context, n Notification) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sink := s.sink
	s.mu.Unlock()

	if sink == nil {
		return
	}
	if err := lim.Wait(ctx); err != nil {
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = sink.Send(ctx, n)
		if err == nil {
			break
		}
		if attempt >= maxAttempts {
			break
		}
		delay := backoffDelay(cfg.RetryBase, cfg.RetryMaxDelay, attempt)
		s.log.Debug("notification retry scheduled", logx.String("entry", n.EntryID), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	item := HistoryItem{At: time.Now(), EntryID: n.EntryID, StoreID: n.StoreID}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("notification send failed", logx.String("entry", n.EntryID), logx.String("store", n.StoreID), logx.Err(err))
		s.publish("notify.failed", n, err.Error())
	} else {
		if merr := s.store.MarkNotified(ctx, n.EntryID, time.Now()); merr != nil {
			s.log.Warn("mark notified failed", logx.String("entry", n.EntryID), logx.Err(merr))
		}
		s.log.Debug("notification sent", logx.String("entry", n.EntryID), logx.String("store", n.StoreID))
		s.publish("notify.sent", n, "")
	}
	s.appendHistory(item)
}

func (s *Service) publish(typ string, n Notification, errStr string) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: Event{EntryID: n.EntryID, StoreID: n.StoreID, At: now, Error: errStr}})
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func backoffDelay(base, maxD time.Duration, retry int) time.Duration {
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			return maxD
		}
	}
	// jitter [0.8, 1.2]
	d = time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
	if d > maxD {
		d = maxD
	}
	return d
}
