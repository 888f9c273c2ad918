package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: test-streamer
stream:
  url: wss://stream.example.com/feed
  auth_token: abc123
database:
  postgres:
    host: localhost
    port: 5432
    name: test_db
    user: testuser
    password: testpass
journal:
  table: raw_messages
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "test-streamer" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "test-streamer")
	}
	if cfg.Stream.URL != "wss://stream.example.com/feed" {
		t.Errorf("Stream.URL = %q, want %q", cfg.Stream.URL, "wss://stream.example.com/feed")
	}
	if cfg.Database.Postgres.Host != "localhost" {
		t.Errorf("Database.Postgres.Host = %q, want %q", cfg.Database.Postgres.Host, "localhost")
	}
	if cfg.Journal.Table != "raw_messages" {
		t.Errorf("Journal.Table = %q, want %q", cfg.Journal.Table, "raw_messages")
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "secret123")
	t.Setenv("TEST_STREAM_TOKEN", "tok-456")

	yaml := `
instance:
  id: test-streamer
stream:
  url: wss://stream.example.com/feed
  auth_token: ${TEST_STREAM_TOKEN}
database:
  postgres:
    host: localhost
    name: test_db
    user: testuser
    password: ${TEST_DB_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Postgres.Password != "secret123" {
		t.Errorf("Database.Postgres.Password = %q, want %q", cfg.Database.Postgres.Password, "secret123")
	}
	if cfg.Stream.AuthToken != "tok-456" {
		t.Errorf("Stream.AuthToken = %q, want %q", cfg.Stream.AuthToken, "tok-456")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
instance:
  id: test-streamer
stream:
  url: wss://stream.example.com/feed
database:
  postgres:
    host: localhost
    name: test_db
    user: testuser
    password: testpass
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	// Check defaults were applied
	if cfg.Stream.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Errorf("Stream.HeartbeatInterval = %v, want default %v", cfg.Stream.HeartbeatInterval, DefaultHeartbeatInterval)
	}
	if cfg.Stream.ReconnectBaseDelay != DefaultReconnectBase {
		t.Errorf("Stream.ReconnectBaseDelay = %v, want default %v", cfg.Stream.ReconnectBaseDelay, DefaultReconnectBase)
	}
	if cfg.Stream.QueueLimit != DefaultQueueLimit {
		t.Errorf("Stream.QueueLimit = %d, want default %d", cfg.Stream.QueueLimit, DefaultQueueLimit)
	}
	if cfg.Database.Postgres.Port != DefaultDBPort {
		t.Errorf("Database.Postgres.Port = %d, want default %d", cfg.Database.Postgres.Port, DefaultDBPort)
	}
	if cfg.Database.Postgres.MaxConns != DefaultMaxConns {
		t.Errorf("Database.Postgres.MaxConns = %d, want default %d", cfg.Database.Postgres.MaxConns, DefaultMaxConns)
	}
	if cfg.Journal.Table != DefaultJournalTable {
		t.Errorf("Journal.Table = %q, want default %q", cfg.Journal.Table, DefaultJournalTable)
	}
	if cfg.Journal.BatchSize != DefaultBatchSize {
		t.Errorf("Journal.BatchSize = %d, want default %d", cfg.Journal.BatchSize, DefaultBatchSize)
	}
}

func TestValidate(t *testing.T) {
	valid := func() StreamerConfig {
		return StreamerConfig{
			Instance: InstanceConfig{ID: "test"},
			Stream: StreamConfig{
				URL:                "wss://stream.example.com/feed",
				HeartbeatInterval:  30 * time.Second,
				HeartbeatTimeout:   10 * time.Second,
				ReconnectBaseDelay: time.Second,
				ReconnectMaxDelay:  30 * time.Second,
				QueueLimit:         1024,
			},
			Database: DatabaseConfig{
				Postgres: DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 10, MinConns: 2},
			},
			Journal: JournalConfig{
				Table:         "messages",
				BatchSize:     500,
				FlushInterval: time.Second,
				BufferSize:    10000,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*StreamerConfig)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *StreamerConfig) {},
			wantErr: "",
		},
		{
			name:    "missing instance id",
			mutate:  func(c *StreamerConfig) { c.Instance.ID = "" },
			wantErr: "instance.id is required",
		},
		{
			name:    "missing stream url",
			mutate:  func(c *StreamerConfig) { c.Stream.URL = "" },
			wantErr: "stream.url is required",
		},
		{
			name:    "wrong url scheme",
			mutate:  func(c *StreamerConfig) { c.Stream.URL = "https://stream.example.com" },
			wantErr: `stream.url must use ws:// or wss:// scheme, got "https://stream.example.com"`,
		},
		{
			name:    "heartbeat timeout exceeds interval",
			mutate:  func(c *StreamerConfig) { c.Stream.HeartbeatTimeout = time.Minute },
			wantErr: "stream.heartbeat_timeout must be less than stream.heartbeat_interval",
		},
		{
			name:    "ping without pong",
			mutate:  func(c *StreamerConfig) { c.Stream.PingMessage = "ping" },
			wantErr: "stream.ping_message and stream.pong_message must be set together",
		},
		{
			name:    "base delay exceeds max delay",
			mutate:  func(c *StreamerConfig) { c.Stream.ReconnectBaseDelay = time.Minute },
			wantErr: "stream.reconnect_base_delay must not exceed stream.reconnect_max_delay",
		},
		{
			name:    "missing postgres host",
			mutate:  func(c *StreamerConfig) { c.Database.Postgres.Host = "" },
			wantErr: "database.postgres.host is required",
		},
		{
			name:    "missing postgres password",
			mutate:  func(c *StreamerConfig) { c.Database.Postgres.Password = "" },
			wantErr: "database.postgres.password is required",
		},
		{
			name: "min_conns exceeds max_conns",
			mutate: func(c *StreamerConfig) {
				c.Database.Postgres.MinConns = 10
				c.Database.Postgres.MaxConns = 5
			},
			wantErr: "database.postgres.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name:    "bad table identifier",
			mutate:  func(c *StreamerConfig) { c.Journal.Table = "messages; drop table users" },
			wantErr: `journal.table must be a plain identifier, got "messages; drop table users"`,
		},
		{
			name:    "zero batch size",
			mutate:  func(c *StreamerConfig) { c.Journal.BatchSize = 0 },
			wantErr: "journal.batch_size must be >= 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
