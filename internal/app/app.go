// Package app assembles the delivery pipeline from config: storage, the
// Telegram sender, the queue and idempotency drivers, the broadcast service
// and the maintenance sweeps.
package app

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tgblast/internal/broadcast"
	"tgblast/internal/config"
	"tgblast/internal/eventbus"
	"tgblast/internal/idempotency"
	"tgblast/internal/maintenance"
	"tgblast/internal/queue"
	"tgblast/internal/runtime/supervisor"
	"tgblast/internal/storage"
	"tgblast/internal/transport/telegram"
	"tgblast/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	store    *storage.SQLite
	sender   *telegram.Sender
	producer queue.Queue
	nsqProd  *queue.NSQProducer
	redis    *redis.Client
	bus      eventbus.Bus

	svc   *broadcast.Service
	maint *maintenance.Service

	sup *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, logs: logs, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}
	if err := a.build(cfg, log); err != nil {
		a.closeResources()
		logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Path:         cfg.Storage.Path,
		BusyTimeout:  busyTimeout,
		ActiveWindow: time.Duration(cfg.Storage.ActiveDays) * 24 * time.Hour,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	apiTimeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 30*time.Second)
	if err != nil {
		return err
	}
	sender, err := telegram.New(telegram.Config{
		Token:   cfg.Telegram.Token,
		Timeout: apiTimeout,
		Offline: cfg.Telegram.Offline,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	a.sender = sender

	var (
		producer queue.Queue
		consumer queue.Consumer
	)
	switch cfg.Queue.Driver {
	case "", "memory":
		mem := queue.NewMemory(log.With(logx.String("comp", "queue")),
			queue.WithCapacity(cfg.Queue.Capacity))
		producer, consumer = mem, mem
	case "nsq":
		ncfg := queue.NSQConfig{
			Topic:        cfg.Queue.NSQ.Topic,
			Channel:      cfg.Queue.NSQ.Channel,
			NsqdAddr:     cfg.Queue.NSQ.NsqdAddr,
			LookupdAddrs: cfg.Queue.NSQ.LookupdAddrs,
			MaxInFlight:  cfg.Queue.NSQ.MaxInFlight,
		}
		prod, err := queue.NewNSQProducer(ncfg)
		if err != nil {
			return fmt.Errorf("nsq producer: %w", err)
		}
		cons, err := queue.NewNSQConsumer(ncfg, log.With(logx.String("comp", "queue")))
		if err != nil {
			prod.Stop()
			return fmt.Errorf("nsq consumer: %w", err)
		}
		a.nsqProd = prod
		producer, consumer = prod, cons
	}
	a.producer = producer

	var checker idempotency.Checker
	switch cfg.Idempotency.Driver {
	case "", "sqlite":
		checker = idempotency.NewStore(store)
	case "memory":
		checker = idempotency.NewMemory()
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Idempotency.Redis.Addr,
			Password: cfg.Idempotency.Redis.Password,
			DB:       cfg.Idempotency.Redis.DB,
		})
		checker = idempotency.NewRedis(a.redis, "tgblast")
	}

	bcfg, err := broadcastConfig(cfg)
	if err != nil {
		return err
	}
	svc, err := broadcast.New(bcfg, broadcast.Deps{
		Store:    store,
		Sender:   sender,
		Resolver: store,
		Queue:    producer,
		Consumer: consumer,
		Checker:  checker,
		Bus:      a.bus,
		Log:      log.With(logx.String("comp", "broadcast")),
	})
	if err != nil {
		return err
	}
	a.svc = svc

	retention, err := config.ParseDurationField("maintenance.retention", cfg.Maintenance.Retention)
	if err != nil {
		return err
	}
	maint, err := maintenance.New(maintenance.Config{
		Schedule:  cfg.Maintenance.Schedule,
		Retention: retention,
	}, store, log.With(logx.String("comp", "maintenance")))
	if err != nil {
		return err
	}
	a.maint = maint
	return nil
}

func broadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	backoff, err := config.ParseBackoff("broadcast.backoff", cfg.Broadcast.Backoff, nil)
	if err != nil {
		return broadcast.Config{}, err
	}
	ttl, err := config.ParseDurationField("broadcast.marker_ttl", cfg.Broadcast.MarkerTTL)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		Workers:     cfg.Broadcast.Workers,
		RatePerSec:  cfg.Broadcast.RatePerSec,
		MaxAttempts: cfg.Broadcast.MaxAttempts,
		Backoff:     backoff,
		MarkerTTL:   ttl,
	}, nil
}

// Broadcasts exposes the pipeline API to callers embedding the app.
func (a *App) Broadcasts() *broadcast.Service { return a.svc }

// Events exposes the in-process event bus (finalization notifications).
func (a *App) Events() eventbus.Bus { return a.bus }

// Store exposes the storage layer (subscriber upkeep).
func (a *App) Store() *storage.SQLite { return a.store }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.svc.Start(a.sup.Context())
	a.maint.Start()

	a.sup.Go("config.watch", func(ctx context.Context) error {
		return a.cfgm.Watch(ctx)
	})
	a.sup.Go0("config.apply", a.applyUpdates)

	a.log.Info("started")
	return nil
}

// applyUpdates feeds committed config changes to the live components.
// Only the hot-swappable parts react: log level/sinks and broadcast
// tunables. Storage, queue and idempotency drivers need a restart.
func (a *App) applyUpdates(ctx context.Context) {
	ch := a.cfgm.Subscribe()
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			bcfg, err := broadcastConfig(cfg)
			if err != nil {
				// Validate() checks the durations, so this is unreachable
				// unless the two drift apart.
				a.log.Warn("config update not applied", logx.Err(err))
				continue
			}
			a.svc.Apply(bcfg)
			a.log.Info("config applied")
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	a.maint.Stop(ctx)
	a.svc.Stop(ctx)
	var err error
	if a.sup != nil {
		a.sup.Cancel()
		err = a.sup.Stop(ctx)
	}
	a.closeResources()
	a.log.Info("stopped")
	a.logs.Close()
	return err
}

func (a *App) closeResources() {
	if a.nsqProd != nil {
		a.nsqProd.Stop()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
