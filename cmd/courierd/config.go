package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// config is courierd's environment configuration. courierd runs behind the
// platform gateway, so everything here is deployment wiring rather than chat
// semantics: listen address, heartbeat cadence, Redis coordinates and the
// URLs of the collaborating services.
type config struct {
	Addr   string `env:"COURIER_ADDR" envDefault:":8080"`
	WSPath string `env:"COURIER_WS_PATH" envDefault:"/ws"`

	// InstanceID identifies this process in shared presence. Leave empty to
	// generate one per start.
	InstanceID string `env:"COURIER_INSTANCE_ID"`

	// UserHeader names the trusted header the gateway sets after
	// authenticating the client.
	UserHeader string `env:"COURIER_USER_HEADER" envDefault:"X-User-ID"`

	AllowedOrigins []string `env:"COURIER_ALLOWED_ORIGINS" envSeparator:","`

	MaxConnections       int           `env:"COURIER_MAX_CONNECTIONS" envDefault:"0"`
	MaxMessageSize       int64         `env:"COURIER_MAX_MESSAGE_SIZE" envDefault:"524288"`
	HeartbeatInterval    time.Duration `env:"COURIER_HEARTBEAT_INTERVAL" envDefault:"30s"`
	MissedHeartbeatLimit int           `env:"COURIER_MISSED_HEARTBEAT_LIMIT" envDefault:"2"`
	PresenceTTL          time.Duration `env:"COURIER_PRESENCE_TTL" envDefault:"90s"`
	ShutdownTimeout      time.Duration `env:"COURIER_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// RedisAddr enables clustered mode. Empty means single-instance with
	// in-memory backends.
	RedisAddr     string `env:"COURIER_REDIS_ADDR"`
	RedisPassword string `env:"COURIER_REDIS_PASSWORD"`
	RedisDB       int    `env:"COURIER_REDIS_DB" envDefault:"0"`

	// ResolverURL points at the conversation service endpoint that returns
	// participant lists. Empty disables conversation fan-out.
	ResolverURL string `env:"COURIER_RESOLVER_URL"`

	// OfflineWebhookURL receives a POST for each message participant who has
	// no connection anywhere in the cluster. Empty disables the fallback.
	OfflineWebhookURL string `env:"COURIER_OFFLINE_WEBHOOK_URL"`

	HTTPTimeout time.Duration `env:"COURIER_HTTP_TIMEOUT" envDefault:"5s"`

	LogLevel  string `env:"COURIER_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"COURIER_LOG_FORMAT" envDefault:"json"`
}

func loadConfig() (config, error) {
	var cfg config

	if err := env.Parse(&cfg); err != nil {
		return config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
