package config

import (
	"path/filepath"
	"time"
)

// Config is the root configuration.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Store     StoreConfig     `json:"store"`
	Toggles   TogglesConfig   `json:"toggles"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Channels  ChannelsConfig  `json:"channels"`
	Mirror    MirrorConfig    `json:"mirror"`
	Gateway   GatewayConfig   `json:"gateway"`
	Scheduler SchedulerConfig `json:"scheduler"`
	LogLevel  string          `json:"logLevel" envconfig:"LOG_LEVEL"`
}

// PathsConfig locates local state.
type PathsConfig struct {
	Home   string `json:"home" envconfig:"HOME_DIR"`
	DBPath string `json:"dbPath" envconfig:"DB_PATH"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver   string `json:"driver" envconfig:"DRIVER"` // sqlite | mongo
	MongoURI string `json:"mongoUri" envconfig:"MONGO_URI"`
	Database string `json:"database" envconfig:"DATABASE"`
}

// TogglesConfig tunes the in-memory toggle store and its persistence worker.
type TogglesConfig struct {
	Default        bool          `json:"default" envconfig:"DEFAULT"`
	QueueCapacity  int           `json:"queueCapacity" envconfig:"QUEUE_CAPACITY"`
	EnqueueTimeout time.Duration `json:"enqueueTimeout" envconfig:"ENQUEUE_TIMEOUT"`
	Shards         int           `json:"shards" envconfig:"SHARDS"`
	MaxBatch       int           `json:"maxBatch" envconfig:"MAX_BATCH"`
	MaxAttempts    int           `json:"maxAttempts" envconfig:"MAX_ATTEMPTS"`
	BackoffBase    time.Duration `json:"backoffBase" envconfig:"BACKOFF_BASE"`
	BackoffCap     time.Duration `json:"backoffCap" envconfig:"BACKOFF_CAP"`
	WriteTimeout   time.Duration `json:"writeTimeout" envconfig:"WRITE_TIMEOUT"`
	ShutdownGrace  time.Duration `json:"shutdownGrace" envconfig:"SHUTDOWN_GRACE"`
}

// DispatchConfig tunes handler fan-out and audit writes.
type DispatchConfig struct {
	HandlerTimeout    time.Duration `json:"handlerTimeout" envconfig:"HANDLER_TIMEOUT"`
	CommandSigil      string        `json:"commandSigil" envconfig:"COMMAND_SIGIL"`
	AuditWriteTimeout time.Duration `json:"auditWriteTimeout" envconfig:"AUDIT_WRITE_TIMEOUT"`
	GuozaoCooldown    time.Duration `json:"guozaoCooldown" envconfig:"GUOZAO_COOLDOWN"`
	BusSize           int           `json:"busSize" envconfig:"BUS_SIZE"`
}

// ChannelsConfig holds per-transport settings.
type ChannelsConfig struct {
	Slack    SlackConfig        `json:"slack"`
	WhatsApp WhatsAppConfig     `json:"whatsapp"`
	Kafka    KafkaChannelConfig `json:"kafka"`
	Webhook  WebhookConfig      `json:"webhook"`
}

// SlackConfig configures the socket-mode transport.
type SlackConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"ENABLED"`
	BotToken string `json:"botToken" envconfig:"BOT_TOKEN"`
	AppToken string `json:"appToken" envconfig:"APP_TOKEN"`
	APIBase  string `json:"apiBase,omitempty" envconfig:"API_BASE"`
}

// WhatsAppConfig configures the native WhatsApp client.
type WhatsAppConfig struct {
	Enabled    bool   `json:"enabled" envconfig:"ENABLED"`
	DBPath     string `json:"dbPath" envconfig:"DB_PATH"`
	QRPath     string `json:"qrPath" envconfig:"QR_PATH"`
	GroupsOnly bool   `json:"groupsOnly" envconfig:"GROUPS_ONLY"`
}

// KafkaChannelConfig reads inbound events from a topic.
type KafkaChannelConfig struct {
	Enabled bool     `json:"enabled" envconfig:"ENABLED"`
	Brokers []string `json:"brokers" envconfig:"BROKERS"`
	Topic   string   `json:"topic" envconfig:"TOPIC"`
	GroupID string   `json:"groupId" envconfig:"GROUP_ID"`
}

// WebhookConfig enables POST /webhook on the admin server.
type WebhookConfig struct {
	Enabled bool `json:"enabled" envconfig:"ENABLED"`
}

// MirrorConfig holds the optional audit mirrors.
type MirrorConfig struct {
	Kafka KafkaMirrorConfig `json:"kafka"`
	AMQP  AMQPMirrorConfig  `json:"amqp"`
}

type KafkaMirrorConfig struct {
	Enabled bool     `json:"enabled" envconfig:"ENABLED"`
	Brokers []string `json:"brokers" envconfig:"BROKERS"`
	Topic   string   `json:"topic" envconfig:"TOPIC"`
}

type AMQPMirrorConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"ENABLED"`
	URL      string `json:"url" envconfig:"URL"`
	Exchange string `json:"exchange" envconfig:"EXCHANGE"`
}

// GatewayConfig configures the admin HTTP server.
type GatewayConfig struct {
	Host      string `json:"host" envconfig:"HOST"`
	Port      int    `json:"port" envconfig:"PORT"`
	AuthToken string `json:"authToken" envconfig:"AUTH_TOKEN"`
	// Runtime errors are reported to this chat when both are set.
	OwnerChannel string `json:"ownerChannel,omitempty" envconfig:"OWNER_CHANNEL"`
	OwnerChatID  string `json:"ownerChatId,omitempty" envconfig:"OWNER_CHAT_ID"`
}

// SchedulerConfig configures maintenance jobs.
type SchedulerConfig struct {
	Enabled       bool          `json:"enabled" envconfig:"ENABLED"`
	TickInterval  time.Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
	MaxConcurrent int           `json:"maxConcurrent" envconfig:"MAX_CONCURRENT"`
	LockPath      string        `json:"lockPath" envconfig:"LOCK_PATH"`
	RetentionDays int           `json:"retentionDays" envconfig:"RETENTION_DAYS"`
	RetentionCron string        `json:"retentionCron" envconfig:"RETENTION_CRON"`
	IdleStateTTL  time.Duration `json:"idleStateTtl" envconfig:"IDLE_STATE_TTL"`
	IdlePruneCron string        `json:"idlePruneCron" envconfig:"IDLE_PRUNE_CRON"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	home, _ := resolveHomeDir()
	base := filepath.Join(home, ConfigDir)
	return &Config{
		Paths: PathsConfig{
			Home:   base,
			DBPath: filepath.Join(base, "chatgate.db"),
		},
		Store: StoreConfig{
			Driver:   "sqlite",
			Database: "chatgate",
		},
		Toggles: TogglesConfig{
			Default:        true,
			QueueCapacity:  1024,
			EnqueueTimeout: 100 * time.Millisecond,
			Shards:         16,
			MaxBatch:       512,
			MaxAttempts:    5,
			BackoffBase:    200 * time.Millisecond,
			BackoffCap:     10 * time.Second,
			WriteTimeout:   5 * time.Second,
			ShutdownGrace:  5 * time.Second,
		},
		Dispatch: DispatchConfig{
			HandlerTimeout:    10 * time.Second,
			CommandSigil:      "/",
			AuditWriteTimeout: 5 * time.Second,
			GuozaoCooldown:    30 * time.Second,
			BusSize:           100,
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				DBPath: filepath.Join(base, "whatsapp.db"),
				QRPath: filepath.Join(base, "whatsapp-qr.png"),
			},
			Kafka: KafkaChannelConfig{
				Topic:   "chatgate.inbound",
				GroupID: "chatgate",
			},
		},
		Mirror: MirrorConfig{
			Kafka: KafkaMirrorConfig{Topic: "chatgate.audit"},
			AMQP:  AMQPMirrorConfig{Exchange: "chatgate.audit"},
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18790,
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			TickInterval:  60 * time.Second,
			MaxConcurrent: 2,
			LockPath:      filepath.Join(base, "scheduler.lock"),
			RetentionDays: 90,
			RetentionCron: "30 4 * * *",
			IdleStateTTL:  time.Hour,
			IdlePruneCron: "*/10 * * * *",
		},
		LogLevel: "info",
	}
}
