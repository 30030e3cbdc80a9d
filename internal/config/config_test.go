package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != 8080 {
		t.Errorf("server.port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("store.driver = %q", cfg.Store.Driver)
	}
	if cfg.Store.DSNEnv != "CASEFLOW_DATABASE_DSN" {
		t.Errorf("store.dsn_env = %q", cfg.Store.DSNEnv)
	}
	if cfg.Idempotency.DefaultTTL != 24*time.Hour {
		t.Errorf("idempotency.default_ttl = %s", cfg.Idempotency.DefaultTTL)
	}
	if cfg.Dispatcher.BaseBackoff != 5*time.Second || cfg.Dispatcher.MaxBackoff != 5*time.Minute {
		t.Errorf("dispatcher backoff = %s/%s", cfg.Dispatcher.BaseBackoff, cfg.Dispatcher.MaxBackoff)
	}
	if cfg.External.CaseRegistry.CircuitBreaker.FailureThreshold != 5 {
		t.Errorf("circuit breaker failure threshold = %d", cfg.External.CaseRegistry.CircuitBreaker.FailureThreshold)
	}
	if err := Defaults().Validate(); err == nil {
		t.Error("defaults validate with dispatcher enabled and no external URLs")
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  handler_timeout: 10s
store:
  driver: memory
definitions:
  directories:
    - ./definitions
themes:
  overlast:
    process: toezicht
    imports:
      - gedeelde-formulieren
idempotency:
  driver: redis
  addr_env: CASEFLOW_REDIS_ADDR
dispatcher:
  enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("server.port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.HandlerTimeout != 10*time.Second {
		t.Errorf("handler_timeout = %s", cfg.Server.HandlerTimeout)
	}
	// Unset fields keep their defaults.
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("read_timeout = %s, want default 30s", cfg.Server.ReadTimeout)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("store.driver = %q", cfg.Store.Driver)
	}
	binding, ok := cfg.Themes["overlast"]
	if !ok {
		t.Fatal("theme overlast not loaded")
	}
	if binding.Process != "toezicht" || len(binding.Imports) != 1 {
		t.Errorf("binding = %+v", binding)
	}
	if cfg.Dispatcher.Enabled {
		t.Error("dispatcher.enabled = true, want false")
	}
}

func TestLoad_missingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_invalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [dit is geen mapping")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Defaults()
		cfg.Store.Driver = "memory"
		cfg.Dispatcher.Enabled = false
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantMsg: "server.port",
		},
		{
			name:    "unknown store driver",
			mutate:  func(c *Config) { c.Store.Driver = "sqlite" },
			wantMsg: "store.driver",
		},
		{
			name: "postgres without dsn env",
			mutate: func(c *Config) {
				c.Store.Driver = "postgres"
				c.Store.DSNEnv = ""
			},
			wantMsg: "store.dsn_env",
		},
		{
			name:    "no definition directories",
			mutate:  func(c *Config) { c.Definitions.Directories = nil },
			wantMsg: "definitions.directories",
		},
		{
			name:    "unknown idempotency driver",
			mutate:  func(c *Config) { c.Idempotency.Driver = "memcached" },
			wantMsg: "idempotency.driver",
		},
		{
			name:    "dispatcher without engine url",
			mutate:  func(c *Config) { c.Dispatcher.Enabled = true },
			wantMsg: "external.process_engine.base_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoad_envOverrides(t *testing.T) {
	t.Setenv("CASEFLOW_SERVER_PORT", "7070")
	t.Setenv("CASEFLOW_STORE_DRIVER", "memory")
	t.Setenv("CASEFLOW_OBSERVABILITY_LOG_LEVEL", "debug")
	t.Setenv("CASEFLOW_DISPATCHER_ENABLED", "true")
	t.Setenv("CASEFLOW_EXTERNAL_PROCESS_ENGINE_URL", "http://engine.lokaal")
	t.Setenv("CASEFLOW_EXTERNAL_CASE_REGISTRY_URL", "http://register.lokaal")

	path := writeConfig(t, `
store:
  driver: postgres
definitions:
  directories:
    - ./definitions
dispatcher:
  enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("server.port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("store.driver = %q, want env override memory", cfg.Store.Driver)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.Observability.LogLevel)
	}
	if !cfg.Dispatcher.Enabled {
		t.Error("dispatcher.enabled = false, want env override true")
	}
	if cfg.External.ProcessEngine.BaseURL != "http://engine.lokaal" {
		t.Errorf("process engine url = %q", cfg.External.ProcessEngine.BaseURL)
	}
}
