package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".chatgate"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("CHATGATE_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("CHATGATE_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // Use defaults if we can't find config path
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Override with environment variables for each group
	for prefix, spec := range map[string]any{
		"CHATGATE_PATHS":             &cfg.Paths,
		"CHATGATE_STORE":             &cfg.Store,
		"CHATGATE_TOGGLES":           &cfg.Toggles,
		"CHATGATE_DISPATCH":          &cfg.Dispatch,
		"CHATGATE_CHANNELS_SLACK":    &cfg.Channels.Slack,
		"CHATGATE_CHANNELS_WHATSAPP": &cfg.Channels.WhatsApp,
		"CHATGATE_CHANNELS_KAFKA":    &cfg.Channels.Kafka,
		"CHATGATE_CHANNELS_WEBHOOK":  &cfg.Channels.Webhook,
		"CHATGATE_MIRROR_KAFKA":      &cfg.Mirror.Kafka,
		"CHATGATE_MIRROR_AMQP":       &cfg.Mirror.AMQP,
		"CHATGATE_GATEWAY":           &cfg.Gateway,
		"CHATGATE_SCHEDULER":         &cfg.Scheduler,
	} {
		if err := envconfig.Process(prefix, spec); err != nil {
			return nil, fmt.Errorf("env %s: %w", prefix, err)
		}
	}
	if lvl := strings.TrimSpace(os.Getenv("CHATGATE_LOG_LEVEL")); lvl != "" {
		cfg.LogLevel = lvl
	}

	expandHome := func(p *string) {
		if strings.HasPrefix(*p, "~") {
			if home, err := os.UserHomeDir(); err == nil {
				*p = filepath.Join(home, (*p)[1:])
			}
		}
	}
	expandHome(&cfg.Paths.Home)
	expandHome(&cfg.Paths.DBPath)
	expandHome(&cfg.Channels.WhatsApp.DBPath)
	expandHome(&cfg.Channels.WhatsApp.QRPath)
	expandHome(&cfg.Scheduler.LockPath)

	if cfg.Paths.DBPath == "" {
		cfg.Paths.DBPath = filepath.Join(cfg.Paths.Home, "chatgate.db")
	}
	if cfg.Scheduler.LockPath == "" {
		cfg.Scheduler.LockPath = filepath.Join(cfg.Paths.Home, "scheduler.lock")
	}
	return cfg, nil
}

// Save saves the configuration to file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Sigil returns the command sigil as a rune.
func (c *Config) Sigil() rune {
	r, _ := utf8.DecodeRuneInString(c.Dispatch.CommandSigil)
	if r == utf8.RuneError {
		return '/'
	}
	return r
}

// Validate rejects values the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	t := c.Toggles
	if t.QueueCapacity <= 0 {
		errs = append(errs, errors.New("toggles.queueCapacity must be positive"))
	}
	if t.EnqueueTimeout < 0 {
		errs = append(errs, errors.New("toggles.enqueueTimeout must not be negative"))
	}
	if t.MaxBatch <= 0 {
		errs = append(errs, errors.New("toggles.maxBatch must be positive"))
	}
	if t.MaxAttempts <= 0 {
		errs = append(errs, errors.New("toggles.maxAttempts must be positive"))
	}
	if t.BackoffBase <= 0 || t.BackoffCap < t.BackoffBase {
		errs = append(errs, errors.New("toggles.backoffBase must be positive and not exceed backoffCap"))
	}
	if t.ShutdownGrace <= 0 {
		errs = append(errs, errors.New("toggles.shutdownGrace must be positive"))
	}
	if c.Dispatch.HandlerTimeout < 0 {
		errs = append(errs, errors.New("dispatch.handlerTimeout must not be negative"))
	}
	if utf8.RuneCountInString(c.Dispatch.CommandSigil) != 1 {
		errs = append(errs, fmt.Errorf("dispatch.commandSigil must be one character, got %q", c.Dispatch.CommandSigil))
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Paths.DBPath == "" {
			errs = append(errs, errors.New("paths.dbPath is required for the sqlite store"))
		}
	case "mongo":
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("store.mongoUri is required for the mongo store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or mongo, got %q", c.Store.Driver))
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port))
	}
	if (c.Gateway.OwnerChannel == "") != (c.Gateway.OwnerChatID == "") {
		errs = append(errs, errors.New("gateway.ownerChannel and gateway.ownerChatId must be set together"))
	}
	if c.Channels.Kafka.Enabled && (len(c.Channels.Kafka.Brokers) == 0 || c.Channels.Kafka.Topic == "") {
		errs = append(errs, errors.New("channels.kafka requires brokers and topic"))
	}
	if c.Mirror.Kafka.Enabled && (len(c.Mirror.Kafka.Brokers) == 0 || c.Mirror.Kafka.Topic == "") {
		errs = append(errs, errors.New("mirror.kafka requires brokers and topic"))
	}
	if c.Mirror.AMQP.Enabled && (c.Mirror.AMQP.URL == "" || c.Mirror.AMQP.Exchange == "") {
		errs = append(errs, errors.New("mirror.amqp requires url and exchange"))
	}
	if c.Channels.Slack.Enabled && (c.Channels.Slack.BotToken == "" || c.Channels.Slack.AppToken == "") {
		errs = append(errs, errors.New("channels.slack requires botToken and appToken"))
	}
	if c.Scheduler.Enabled && c.Scheduler.RetentionDays < 0 {
		errs = append(errs, errors.New("scheduler.retentionDays must not be negative"))
	}
	if c.Scheduler.Enabled && c.Scheduler.IdleStateTTL < 0 {
		errs = append(errs, errors.New("scheduler.idleStateTtl must not be negative"))
	}
	return errors.Join(errs...)
}
