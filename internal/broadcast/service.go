package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tgblast/internal/eventbus"
	"tgblast/internal/idempotency"
	"tgblast/internal/queue"
	"tgblast/internal/recipients"
	"tgblast/internal/runtime/supervisor"
	"tgblast/internal/transport"
	"tgblast/pkg/logx"
)

type Config struct {
	// Workers is the delivery concurrency.
	Workers int
	// RatePerSec caps outbound sends across all workers. Telegram allows
	// roughly 30 messages per second for a bot.
	RatePerSec int
	// MaxAttempts bounds send attempts per recipient, first try included.
	MaxAttempts int
	// Backoff holds the delay before attempt 2, 3, ... The last entry
	// repeats if MaxAttempts exceeds the schedule length.
	Backoff []time.Duration
	// MarkerTTL is how long an outcome marker blocks duplicate reports.
	// If a broadcast takes longer than this end to end, a redelivered job
	// could double-count; the default (1h) keeps the window of the system
	// this replaces.
	MarkerTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if len(c.Backoff) == 0 {
		c.Backoff = []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second}
	}
	if c.MarkerTTL <= 0 {
		c.MarkerTTL = time.Hour
	}
	return c
}

// Deps are the collaborators the pipeline is wired with. Store, Sender,
// Resolver, Queue, Consumer and Checker are required; Bus is optional.
type Deps struct {
	Store    Store
	Sender   transport.Sender
	Resolver recipients.Resolver
	Queue    queue.Queue
	Consumer queue.Consumer
	Checker  idempotency.Checker
	Bus      eventbus.Bus
	Log      logx.Logger
}

type Service struct {
	store    Store
	sender   transport.Sender
	resolver recipients.Resolver
	queue    queue.Queue
	consumer queue.Consumer
	checker  idempotency.Checker
	bus      eventbus.Bus
	log      logx.Logger

	cfgMu   sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sup *supervisor.Supervisor
}

func New(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("broadcast: store is required")
	case deps.Sender == nil:
		return nil, errors.New("broadcast: sender is required")
	case deps.Resolver == nil:
		return nil, errors.New("broadcast: resolver is required")
	case deps.Queue == nil:
		return nil, errors.New("broadcast: queue is required")
	case deps.Consumer == nil:
		return nil, errors.New("broadcast: consumer is required")
	case deps.Checker == nil:
		return nil, errors.New("broadcast: idempotency checker is required")
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		store:    deps.Store,
		sender:   deps.Sender,
		resolver: deps.Resolver,
		queue:    deps.Queue,
		consumer: deps.Consumer,
		checker:  deps.Checker,
		bus:      deps.Bus,
		log:      deps.Log,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
	return s, nil
}

// Apply updates tunables at runtime (config reload). Worker count changes
// take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfgMu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.cfgMu.Unlock()
}

func (s *Service) snapshot() (Config, *rate.Limiter) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg, s.limiter
}

// Start launches the delivery workers. Idempotent while running.
func (s *Service) Start(ctx context.Context) {
	s.cfgMu.Lock()
	if s.sup != nil {
		s.cfgMu.Unlock()
		return
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup = sup
	workers := s.cfg.Workers
	s.cfgMu.Unlock()

	sup.Go("deliver.consume", func(ctx context.Context) error {
		err := s.consumer.Run(ctx, workers, s.handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	s.log.Info("delivery workers started", logx.Int("workers", workers))
}

// Stop cancels the workers and waits for in-flight deliveries, or until ctx
// expires.
func (s *Service) Stop(ctx context.Context) {
	s.cfgMu.Lock()
	sup := s.sup
	s.sup = nil
	s.cfgMu.Unlock()
	if sup == nil {
		return
	}
	start := time.Now()
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("delivery workers did not drain in time", logx.Err(err))
		return
	}
	s.log.Info("delivery workers stopped", logx.Duration("took", time.Since(start)))
}

// Broadcast returns the current state of a broadcast record. The status
// field is the sole source of truth for completion.
func (s *Service) Broadcast(ctx context.Context, id string) (Record, error) {
	return s.store.Broadcast(ctx, id)
}

// Message returns the current state of a direct-send message record.
func (s *Service) Message(ctx context.Context, id string) (Message, error) {
	return s.store.Message(ctx, id)
}
