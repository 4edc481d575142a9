package common

import (
	"path/filepath"
	"testing"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := NewDefaultConfig()
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port default = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Storage.Namespace != "loraforge" {
		t.Errorf("Storage.Namespace default = %q, want %q", cfg.Storage.Namespace, "loraforge")
	}
	if cfg.Clients.Generator.RateLimit != 4 {
		t.Errorf("Generator.RateLimit default = %d, want %d", cfg.Clients.Generator.RateLimit, 4)
	}
}

func TestConfig_PortEnvOverride(t *testing.T) {
	t.Setenv("LORAFORGE_PORT", "9090")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d after env override, want %d", cfg.Server.Port, 9090)
	}
}

func TestConfig_InvalidPortEnvOverrideIgnored(t *testing.T) {
	t.Setenv("LORAFORGE_PORT", "not-a-number")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080 preserved on unparsable override", cfg.Server.Port)
	}
}

func TestConfig_StorageAddressEnvOverride(t *testing.T) {
	t.Setenv("LORAFORGE_STORAGE_ADDRESS", "ws://db.internal:8000/rpc")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Storage.Address != "ws://db.internal:8000/rpc" {
		t.Errorf("Storage.Address = %q after env override, want override value", cfg.Storage.Address)
	}
}

func TestConfig_RationaleAPIKeyEnvOverride(t *testing.T) {
	t.Setenv("LORAFORGE_RATIONALE_API_KEY", "key-from-env")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Clients.Rationale.APIKey != "key-from-env" {
		t.Errorf("Rationale.APIKey = %q, want %q", cfg.Clients.Rationale.APIKey, "key-from-env")
	}
}

func TestConfig_IsProduction(t *testing.T) {
	cases := []struct {
		env  string
		want bool
	}{
		{"production", true},
		{"PROD", true},
		{" Prod ", true},
		{"development", false},
		{"", false},
	}
	for _, c := range cases {
		cfg := &Config{Environment: c.env}
		if got := cfg.IsProduction(); got != c.want {
			t.Errorf("IsProduction() for %q = %v, want %v", c.env, got, c.want)
		}
	}
}

func TestResolveDataPath(t *testing.T) {
	binDir := "/opt/loraforge"

	if got := ResolveDataPath(binDir, ""); got != filepath.Join(binDir, "data") {
		t.Errorf("empty configured path: got %q, want %q", got, filepath.Join(binDir, "data"))
	}
	if got := ResolveDataPath(binDir, "/absolute/data"); got != "/absolute/data" {
		t.Errorf("absolute configured path: got %q, want unchanged", got)
	}
	if got := ResolveDataPath(binDir, "relative/data"); got != filepath.Join(binDir, "relative/data") {
		t.Errorf("relative configured path: got %q, want joined against binDir", got)
	}
}

func TestGeneratorConfig_GetTimeout(t *testing.T) {
	c := GeneratorConfig{Timeout: "30s"}
	if d := c.GetTimeout(); d.Seconds() != 30 {
		t.Errorf("GetTimeout() = %v, want 30s", d)
	}

	fallback := GeneratorConfig{Timeout: "garbage"}
	if d := fallback.GetTimeout(); d.Seconds() != 15 {
		t.Errorf("GetTimeout() fallback = %v, want 15s", d)
	}
}

func TestQueueConfig_GetWorkerConcurrency(t *testing.T) {
	configured := QueueConfig{WorkerConcurrency: 7}
	if n := configured.GetWorkerConcurrency(4); n != 7 {
		t.Errorf("GetWorkerConcurrency() = %d, want configured value 7", n)
	}

	unset := QueueConfig{}
	if n := unset.GetWorkerConcurrency(8); n != 8 {
		t.Errorf("GetWorkerConcurrency() = %d, want numCPU 8", n)
	}
	if n := unset.GetWorkerConcurrency(1); n != 2 {
		t.Errorf("GetWorkerConcurrency() = %d, want floor of 2", n)
	}
}

func TestDeliveryConfig_Defaults(t *testing.T) {
	c := DeliveryConfig{}
	if d := c.GetPollInterval(); d.Seconds() != 1 {
		t.Errorf("GetPollInterval() default = %v, want 1s", d)
	}
	if d := c.GetMaxJobDuration(); d.Minutes() != 30 {
		t.Errorf("GetMaxJobDuration() default = %v, want 30m", d)
	}
}

func TestCacheConfig_Defaults(t *testing.T) {
	c := CacheConfig{}
	if d := c.GetTTL(); d.Minutes() != 10 {
		t.Errorf("GetTTL() default = %v, want 10m", d)
	}
	if n := c.GetMaxEntries(); n != 1024 {
		t.Errorf("GetMaxEntries() default = %d, want 1024", n)
	}
	if b := c.GetMaxBytes(); b != 64*1024*1024 {
		t.Errorf("GetMaxBytes() default = %d, want 64MiB", b)
	}
}

func TestCoordinatorConfig_GetImmediateModeDeadline(t *testing.T) {
	configured := CoordinatorConfig{ImmediateModeDeadlineMS: 2000}
	if d := configured.GetImmediateModeDeadline(); d.Seconds() != 2 {
		t.Errorf("GetImmediateModeDeadline() = %v, want 2s", d)
	}

	unset := CoordinatorConfig{}
	if d := unset.GetImmediateModeDeadline(); d.Seconds() != 5 {
		t.Errorf("GetImmediateModeDeadline() default = %v, want 5s", d)
	}
}

func TestLoadConfig_MissingFileSkipsSilently(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("LoadConfig with a missing path should not error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected defaults when config file is missing, got port %d", cfg.Server.Port)
	}
}
