// Package maintenance runs the periodic storage sweeps: expired outcome
// markers and finalized broadcasts past their retention window.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"tgblast/pkg/logx"
)

// Pruner is the slice of the storage layer the sweeps need.
type Pruner interface {
	PruneDedup(ctx context.Context, now time.Time) (int64, error)
	PruneBroadcasts(ctx context.Context, olderThan time.Time) (int64, error)
}

type Config struct {
	// Schedule is a cron expression; @every forms work too.
	Schedule string
	// Retention is how long finalized broadcasts are kept.
	Retention time.Duration
	// Timeout bounds one sweep.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "@every 10m"
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
	return c
}

type Service struct {
	cfg   Config
	store Pruner
	log   logx.Logger
	cron  *cron.Cron
}

func New(cfg Config, store Pruner, log logx.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg, store: store, log: log, cron: cron.New()}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("maintenance schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

func (s *Service) Start() {
	s.cron.Start()
	s.log.Info("maintenance sweeps scheduled",
		logx.String("schedule", s.cfg.Schedule),
		logx.Duration("retention", s.cfg.Retention))
}

// Stop halts scheduling and waits for a running sweep, or until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("maintenance sweep still running at shutdown")
	}
}

func (s *Service) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	if err := s.RunOnce(ctx); err != nil {
		s.log.Error("maintenance sweep failed", logx.Err(err))
	}
}

// RunOnce executes a single sweep immediately.
func (s *Service) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()
	markers, err := s.store.PruneDedup(ctx, now)
	if err != nil {
		return fmt.Errorf("prune markers: %w", err)
	}
	records, err := s.store.PruneBroadcasts(ctx, now.Add(-s.cfg.Retention))
	if err != nil {
		return fmt.Errorf("prune broadcasts: %w", err)
	}
	if markers > 0 || records > 0 {
		s.log.Info("maintenance sweep done",
			logx.Int64("markers", markers),
			logx.Int64("broadcasts", records))
	}
	return nil
}
