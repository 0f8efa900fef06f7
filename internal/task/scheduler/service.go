package scheduler

import (
	"context"
	"sync"
	"time"

	"legendalf/internal/eventbus"
	rtsup "legendalf/internal/runtime/supervisor"
	logx "legendalf/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store      Store
	resolver   Resolver
	dispatcher Dispatcher
	exec       Executor
	reporter   Reporter
	obs        Observer
	now        func() time.Time

	sup    *rtsup.Supervisor
	resetC chan time.Duration

	// delivered holds occurrences that reached the chat but whose successor
	// is not persisted yet, keyed by schedule id.
	dmu       sync.Mutex
	delivered map[string]delivery

	pending sync.WaitGroup

	last    TickReport
	lastErr error

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type Option func(*Service)

func WithReporter(r Reporter) Option { return func(s *Service) { s.reporter = r } }
func WithObserver(o Observer) Option { return func(s *Service) { s.obs = o } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(cfg Config, store Store, resolver Resolver, dispatcher Dispatcher, exec Executor, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:         cfg.withDefaults(),
		log:         log,
		bus:         bus,
		store:       store,
		resolver:    resolver,
		dispatcher:  dispatcher,
		exec:        exec,
		obs:         nopObserver{},
		now:         time.Now,
		delivered:   map[string]delivery{},
		lastEnqWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.obs == nil {
		s.obs = nopObserver{}
	}
	return s
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the config. A new tick interval takes effect on the running
// driver without a restart.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	reset := s.resetC
	s.mu.Unlock()

	if reset != nil && old.Tick != cfg.Tick {
		select {
		case reset <- cfg.Tick:
		default:
		}
	}
	s.log.Debug("config applied", logx.Bool("enabled", cfg.Enabled), logx.Duration("tick", cfg.Tick))
}

// Start runs the tick driver: one pass immediately, then one per interval.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	s.resetC = make(chan time.Duration, 1)
	sup, reset := s.sup, s.resetC
	s.mu.Unlock()

	sup.GoRestart("scheduler.tick", func(ctx context.Context) error {
		return s.drive(ctx, reset)
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	s.log.Info("service started", logx.Bool("enabled", cfg.Enabled), logx.Duration("tick", cfg.Tick))
}

func (s *Service) drive(ctx context.Context, reset <-chan time.Duration) error {
	t := time.NewTicker(s.config().Tick)
	defer t.Stop()
	for {
		if s.Enabled() {
			_, _ = s.Tick(ctx)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-reset:
			t.Reset(d)
		case <-t.C:
		}
	}
}

// Stop halts the tick driver. In-flight dispatches belong to the executor
// and are drained by its own Stop.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.resetC = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("tick driver did not stop in time", logx.Err(err))
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Wait blocks until every unit of work enqueued so far has finished.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}
