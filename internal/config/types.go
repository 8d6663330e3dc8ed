package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the whole config file. All durations are Go duration strings
// (e.g. "500ms", "10s", "1h").
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Queue       QueueConfig       `json:"queue"`
	Idempotency IdempotencyConfig `json:"idempotency"`
	Broadcast   BroadcastConfig   `json:"broadcast"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// Timeout bounds one API call.
	Timeout string `json:"timeout,omitempty"`
	// Offline skips token verification at startup (tests, dry runs).
	Offline bool `json:"offline,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	// Path is the sqlite database file.
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// ActiveDays is the activity window backing the "active" audience.
	ActiveDays int `json:"active_days,omitempty"`
}

// QueueConfig selects the delivery queue driver: "memory" (single node,
// default) or "nsq".
type QueueConfig struct {
	Driver   string     `json:"driver,omitempty"`
	Capacity int        `json:"capacity,omitempty"` // memory driver buffer
	NSQ      *NSQConfig `json:"nsq,omitempty"`
}

type NSQConfig struct {
	Topic        string   `json:"topic"`
	Channel      string   `json:"channel"`
	NsqdAddr     string   `json:"nsqd_addr"`
	LookupdAddrs []string `json:"lookupd_addrs,omitempty"`
	MaxInFlight  int      `json:"max_in_flight,omitempty"`
}

// IdempotencyConfig selects the outcome-marker backend: "sqlite" (default,
// shares the storage file), "memory" or "redis".
type IdempotencyConfig struct {
	Driver string       `json:"driver,omitempty"`
	Redis  *RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

type BroadcastConfig struct {
	Workers     int      `json:"workers,omitempty"`
	RatePerSec  int      `json:"rate_per_sec,omitempty"`
	MaxAttempts int      `json:"max_attempts,omitempty"`
	Backoff     []string `json:"backoff,omitempty"`
	MarkerTTL   string   `json:"marker_ttl,omitempty"`
}

type MaintenanceConfig struct {
	Schedule  string `json:"schedule,omitempty"`
	Retention string `json:"retention,omitempty"`
}

// Validate checks the parts that would otherwise fail deep inside startup.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" && !c.Telegram.Offline {
		return errors.New("telegram.token is required (or set telegram.offline)")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	switch c.Queue.Driver {
	case "", "memory":
	case "nsq":
		if c.Queue.NSQ == nil || c.Queue.NSQ.Topic == "" || c.Queue.NSQ.NsqdAddr == "" {
			return errors.New("queue.nsq needs topic and nsqd_addr")
		}
	default:
		return fmt.Errorf("queue.driver %q is not one of memory, nsq", c.Queue.Driver)
	}
	switch c.Idempotency.Driver {
	case "", "sqlite", "memory":
	case "redis":
		if c.Idempotency.Redis == nil || c.Idempotency.Redis.Addr == "" {
			return errors.New("idempotency.redis needs addr")
		}
	default:
		return fmt.Errorf("idempotency.driver %q is not one of sqlite, memory, redis", c.Idempotency.Driver)
	}
	for i, raw := range c.Broadcast.Backoff {
		if _, err := ParseDurationField(fmt.Sprintf("broadcast.backoff[%d]", i), raw); err != nil {
			return err
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.timeout", c.Telegram.Timeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"broadcast.marker_ttl", c.Broadcast.MarkerTTL},
		{"maintenance.retention", c.Maintenance.Retention},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
