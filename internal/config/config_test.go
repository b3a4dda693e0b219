package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate points HOME at a temp dir and clears every chatgate variable the
// loader reads.
func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		// envconfig falls back to the bare tag name, so clear those too.
		if strings.HasPrefix(k, "CHATGATE_") || k == "PORT" || k == "HOST" || k == "URL" || k == "TOPIC" || strings.HasPrefix(k, "OWNER_") {
			t.Setenv(k, "")
			_ = os.Unsetenv(k)
		}
	}
	return tmp
}

func TestDefaultConfig(t *testing.T) {
	home := isolate(t)
	cfg := DefaultConfig()

	if cfg.Paths.Home != filepath.Join(home, ConfigDir) {
		t.Fatalf("unexpected home: %q", cfg.Paths.Home)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Fatalf("expected sqlite driver, got %q", cfg.Store.Driver)
	}
	if !cfg.Toggles.Default {
		t.Fatal("features should default to enabled")
	}
	if cfg.Sigil() != '/' {
		t.Fatalf("unexpected sigil %q", cfg.Sigil())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestConfigPathRespectsChatgateConfigAndHome(t *testing.T) {
	isolate(t)
	t.Setenv("CHATGATE_HOME", "/srv/chathome")
	t.Setenv("CHATGATE_CONFIG", "~/.chatgate/custom.json")

	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if path != filepath.Join("/srv/chathome", ".chatgate", "custom.json") {
		t.Fatalf("unexpected config path: %q", path)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ConfigDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	body := `{"gateway":{"port":20000},"dispatch":{"commandSigil":"!"},"toggles":{"maxBatch":7}}`
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHATGATE_TOGGLES_MAX_BATCH", "9")
	t.Setenv("CHATGATE_DISPATCH_HANDLER_TIMEOUT", "3s")
	t.Setenv("CHATGATE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Port != 20000 {
		t.Fatalf("file value not applied: %d", cfg.Gateway.Port)
	}
	if cfg.Sigil() != '!' {
		t.Fatalf("sigil = %q", cfg.Sigil())
	}
	if cfg.Toggles.MaxBatch != 9 {
		t.Fatalf("env should win over file, got %d", cfg.Toggles.MaxBatch)
	}
	if cfg.Dispatch.HandlerTimeout != 3*time.Second {
		t.Fatalf("handler timeout = %s", cfg.Dispatch.HandlerTimeout)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	// Unset values keep their defaults.
	if cfg.Toggles.QueueCapacity != 1024 {
		t.Fatalf("queue capacity = %d", cfg.Toggles.QueueCapacity)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ConfigDir)
	_ = os.MkdirAll(dir, 0o700)
	_ = os.WriteFile(filepath.Join(dir, ConfigFile), []byte("{nope"), 0o600)

	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadUsesEnvFileCandidate(t *testing.T) {
	home := isolate(t)
	envDir := filepath.Join(home, ".config", "chatgate")
	if err := os.MkdirAll(envDir, 0o755); err != nil {
		t.Fatalf("mkdir env dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(envDir, "env"), []byte("CHATGATE_GATEWAY_PORT=19999\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("CHATGATE_GATEWAY_PORT", "")
	_ = os.Unsetenv("CHATGATE_GATEWAY_PORT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Gateway.Port != 19999 {
		t.Fatalf("expected gateway port from env file, got %d", cfg.Gateway.Port)
	}
}

func TestSaveWritesPrivateFile(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Gateway.AuthToken = "secret"
	if err := Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	path, _ := ConfigPath()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}
	loaded, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Gateway.AuthToken != "secret" {
		t.Fatal("saved value not reloaded")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"queue", func(c *Config) { c.Toggles.QueueCapacity = 0 }, "queueCapacity"},
		{"batch", func(c *Config) { c.Toggles.MaxBatch = -1 }, "maxBatch"},
		{"attempts", func(c *Config) { c.Toggles.MaxAttempts = 0 }, "maxAttempts"},
		{"backoff", func(c *Config) { c.Toggles.BackoffCap = time.Millisecond }, "backoffBase"},
		{"sigil", func(c *Config) { c.Dispatch.CommandSigil = "//" }, "commandSigil"},
		{"driver", func(c *Config) { c.Store.Driver = "postgres" }, "store.driver"},
		{"mongo", func(c *Config) { c.Store.Driver = "mongo" }, "mongoUri"},
		{"port", func(c *Config) { c.Gateway.Port = 70000 }, "gateway.port"},
		{"kafka", func(c *Config) { c.Channels.Kafka.Enabled = true }, "channels.kafka"},
		{"amqp", func(c *Config) { c.Mirror.AMQP.Enabled = true }, "mirror.amqp"},
		{"slack", func(c *Config) { c.Channels.Slack.Enabled = true }, "channels.slack"},
		{"owner", func(c *Config) { c.Gateway.OwnerChannel = "slack" }, "ownerChatId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadEnvFileParsesAndRespectsExistingValues(t *testing.T) {
	tmp := t.TempDir()
	envPath := filepath.Join(tmp, "env")
	content := `
# comment
export CG_FOO=bar
CG_QUOTED="hello world"
CG_SINGLE='x y'
INVALID_LINE
`
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("CG_FOO", "existing")
	t.Setenv("CG_QUOTED", "")
	t.Setenv("CG_SINGLE", "")
	_ = os.Unsetenv("CG_QUOTED")
	_ = os.Unsetenv("CG_SINGLE")

	if err := loadEnvFile(envPath); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if got := os.Getenv("CG_FOO"); got != "existing" {
		t.Fatalf("expected existing CG_FOO preserved, got %q", got)
	}
	if got := os.Getenv("CG_QUOTED"); got != "hello world" {
		t.Fatalf("expected CG_QUOTED loaded, got %q", got)
	}
	if got := os.Getenv("CG_SINGLE"); got != "x y" {
		t.Fatalf("expected CG_SINGLE loaded, got %q", got)
	}
}
