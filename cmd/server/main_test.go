package main

import (
	"testing"

	"lectern/internal/queue"
)

func TestConfigureJobQueueDefaultsToMemory(t *testing.T) {
	jobs, err := configureJobQueue("", queue.RedisQueueConfig{}, queue.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("configureJobQueue: %v", err)
	}
	if jobs == nil {
		t.Fatal("configureJobQueue returned nil queue")
	}
	jobs.Close()
}

func TestConfigureJobQueueRedisRequiresAddr(t *testing.T) {
	if _, err := configureJobQueue("redis", queue.RedisQueueConfig{}, queue.DefaultRetryPolicy()); err == nil {
		t.Fatal("expected error when redis queue has no address")
	}
}

func TestConfigureJobQueueRejectsUnknownDriver(t *testing.T) {
	if _, err := configureJobQueue("kafka", queue.RedisQueueConfig{}, queue.DefaultRetryPolicy()); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestResolveStorageDriver(t *testing.T) {
	driver, err := resolveStorageDriver("", "", "postgres://example")
	if err != nil {
		t.Fatalf("resolveStorageDriver: %v", err)
	}
	if driver != "postgres" {
		t.Fatalf("driver = %q, want postgres when a DSN is present", driver)
	}

	driver, err = resolveStorageDriver("", "", "")
	if err != nil {
		t.Fatalf("resolveStorageDriver: %v", err)
	}
	if driver != "json" {
		t.Fatalf("driver = %q, want json default", driver)
	}

	driver, err = resolveStorageDriver("json", "", "postgres://example")
	if err != nil {
		t.Fatalf("resolveStorageDriver: %v", err)
	}
	if driver != "json" {
		t.Fatalf("driver = %q, explicit flag must win", driver)
	}
}

func TestResolvePostgresDSNPriority(t *testing.T) {
	t.Setenv("LECTERN_POSTGRES_DSN", "postgres://env")
	t.Setenv("DATABASE_URL", "postgres://database")
	if got := resolvePostgresDSN("postgres://flag"); got != "postgres://flag" {
		t.Fatalf("expected flag DSN to win, got %q", got)
	}
	if got := resolvePostgresDSN(""); got != "postgres://env" {
		t.Fatalf("expected LECTERN_POSTGRES_DSN to win, got %q", got)
	}
	t.Setenv("LECTERN_POSTGRES_DSN", "")
	if got := resolvePostgresDSN(""); got != "postgres://database" {
		t.Fatalf("expected DATABASE_URL fallback, got %q", got)
	}
}

func TestResolveSessionStoreConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		flagDriver    string
		envDriver     string
		storageDriver string
		storageDSN    string
		flagDSN       string
		envDSN        string
		want          sessionStoreConfig
		wantErr       bool
	}{
		{
			name:          "DefaultsToPostgresWhenStorageIsPostgres",
			storageDriver: "postgres",
			storageDSN:    "postgres://main",
			want:          sessionStoreConfig{Driver: "postgres", DSN: "postgres://main"},
		},
		{
			name:          "DefaultsToPostgresWhenSessionDSNProvided",
			storageDriver: "json",
			envDSN:        "postgres://sessions",
			want:          sessionStoreConfig{Driver: "postgres", DSN: "postgres://sessions"},
		},
		{
			name:          "ExplicitMemoryWins",
			flagDriver:    "memory",
			storageDriver: "postgres",
			storageDSN:    "postgres://main",
			want:          sessionStoreConfig{Driver: "memory"},
		},
		{
			name:          "DefaultsToMemoryWithoutHints",
			storageDriver: "json",
			want:          sessionStoreConfig{Driver: "memory"},
		},
		{
			name:          "ErrorsWhenPostgresSelectedWithoutDSN",
			flagDriver:    "postgres",
			storageDriver: "json",
			wantErr:       true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := resolveSessionStoreConfig(tc.flagDriver, tc.envDriver, tc.storageDriver, tc.storageDSN, tc.flagDSN, tc.envDSN)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg != tc.want {
				t.Fatalf("config = %+v, want %+v", cfg, tc.want)
			}
		})
	}
}

func TestResolveListenAddrDefaults(t *testing.T) {
	if got := resolveListenAddr("", "production", ""); got != ":80" {
		t.Fatalf("production default = %q, want :80", got)
	}
	if got := resolveListenAddr("", "development", ""); got != ":8080" {
		t.Fatalf("development default = %q, want :8080", got)
	}
	if got := resolveListenAddr(":9000", "production", ":7000"); got != ":9000" {
		t.Fatalf("flag value must win, got %q", got)
	}
}
