package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const validYAML = `
telegram:
  token: "12345:TEST"
  timeout: 30s
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
storage:
  path: ./blast.db
  active_days: 14
queue:
  driver: memory
  capacity: 512
idempotency:
  driver: sqlite
broadcast:
  workers: 8
  rate_per_sec: 20
  max_attempts: 3
  backoff: ["5s", "15s", "30s"]
  marker_ttl: 1h
maintenance:
  schedule: "@every 10m"
  retention: 720h
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "12345:TEST" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Broadcast.Workers != 8 || len(cfg.Broadcast.Backoff) != 3 {
		t.Fatalf("broadcast section = %+v", cfg.Broadcast)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
	ttl, err := ParseDurationOrDefault("broadcast.marker_ttl", cfg.Broadcast.MarkerTTL, time.Minute)
	if err != nil || ttl != time.Hour {
		t.Fatalf("marker ttl = %v, %v", ttl, err)
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json",
		`{"telegram":{"token":"12345:TEST"},"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}},"storage":{"path":"./blast.db"},"queue":{},"idempotency":{},"broadcast":{}}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Path != "./blast.db" {
		t.Fatalf("storage path = %q", cfg.Storage.Path)
	}
}

func TestLoadRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"unknown field", `{"telegram":{"token":"t","extra":1},"storage":{"path":"x"}}`},
		{"missing token", `{"telegram":{},"storage":{"path":"x"}}`},
		{"missing storage path", `{"telegram":{"token":"t"}}`},
		{"bad queue driver", `{"telegram":{"token":"t"},"storage":{"path":"x"},"queue":{"driver":"kafka"}}`},
		{"nsq without addr", `{"telegram":{"token":"t"},"storage":{"path":"x"},"queue":{"driver":"nsq","nsq":{"topic":"t"}}}`},
		{"redis without addr", `{"telegram":{"token":"t"},"storage":{"path":"x"},"idempotency":{"driver":"redis","redis":{}}}`},
		{"bad duration", `{"telegram":{"token":"t"},"storage":{"path":"x"},"broadcast":{"marker_ttl":"soon"}}`},
		{"negative duration", `{"telegram":{"token":"t"},"storage":{"path":"x"},"broadcast":{"backoff":["-5s"]}}`},
		{"trailing data", `{"telegram":{"token":"t"},"storage":{"path":"x"}}{}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeFile(t, "config.json", tt.body))
			if _, err := m.Load(); err == nil {
				t.Fatalf("config accepted: %s", tt.body)
			}
		})
	}
}

func TestOfflineSkipsTokenCheck(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json",
		`{"telegram":{"offline":true},"storage":{"path":"x"}}`))
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestParseBackoff(t *testing.T) {
	t.Parallel()
	def := []time.Duration{time.Second}

	got, err := ParseBackoff("broadcast.backoff", nil, def)
	if err != nil || len(got) != 1 || got[0] != time.Second {
		t.Fatalf("empty schedule = %v, %v", got, err)
	}
	got, err = ParseBackoff("broadcast.backoff", []string{"5s", "15s"}, def)
	if err != nil || len(got) != 2 || got[1] != 15*time.Second {
		t.Fatalf("schedule = %v, %v", got, err)
	}
	if _, err = ParseBackoff("broadcast.backoff", []string{"nope"}, def); err == nil {
		t.Fatal("invalid duration accepted")
	}
}

func TestSubscribeGetsLatestVersion(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", validYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe()
	defer m.Unsubscribe(ch)

	// Two versions back to back: the slow subscriber must see the second.
	v1 := m.Get()
	v2 := *v1
	v2.Broadcast.Workers = 99
	m.publish(v1)
	m.publish(&v2)

	var got *Config
	for {
		select {
		case got = <-ch:
		default:
			if got == nil {
				t.Fatal("no config delivered")
			}
			if got.Broadcast.Workers != 99 {
				t.Fatalf("subscriber saw a stale config: workers=%d", got.Broadcast.Workers)
			}
			return
		}
	}
}

func TestReloadKeepsCommittedOnBadFile(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", validYAML)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := os.WriteFile(path, []byte("telegram: ["), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload()
	if m.Get() != cfg {
		t.Fatal("broken file replaced the committed config")
	}
}
