// Command courierd runs a standalone courier server.
//
// Clients connect over websocket at COURIER_WS_PATH. Identity comes from a
// trusted gateway header, conversation membership from an optional HTTP
// resolver, and offline fallback from an optional webhook. When
// COURIER_REDIS_ADDR is set, multiple courierd processes form a cluster that
// shares presence and delivery through Redis; otherwise the process runs
// alone on in-memory backends.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/seamchat/courier"
	"github.com/seamchat/courier/distributed"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "courierd: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)

	ctx := context.Background()

	options := courier.DefaultOptions()
	options.Logger = logger
	options.InstanceID = cfg.InstanceID
	options.CheckOrigin = len(cfg.AllowedOrigins) > 0
	options.AllowedOrigins = cfg.AllowedOrigins
	options.MaxConnections = cfg.MaxConnections
	options.MaxMessageSize = cfg.MaxMessageSize
	options.HeartbeatInterval = cfg.HeartbeatInterval
	options.MissedHeartbeatLimit = cfg.MissedHeartbeatLimit
	options.PresenceTTL = cfg.PresenceTTL

	var redisClient *redis.Client

	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pubsub, err := distributed.NewRedisPubSub(ctx, redisClient, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect Redis pubsub")
		}
		presence, err := distributed.NewRedisPresence(ctx, redisClient, cfg.PresenceTTL)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect Redis presence")
		}
		options.PubSub = pubsub

		options.Presence = presence

		logger.Info().Str("addr", cfg.RedisAddr).Msg("clustered mode enabled")
	} else {
		logger.Info().Msg("running single-instance with in-memory backends")
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	if cfg.ResolverURL != "" {
		options.Resolver = newHTTPResolver(cfg.ResolverURL, httpClient)

		logger.Info().Str("url", cfg.ResolverURL).Msg("conversation resolver configured")
	}
	if cfg.OfflineWebhookURL != "" {
		options.Notifier = newWebhookNotifier(cfg.OfflineWebhookURL, httpClient)

		logger.Info().Str("url", cfg.OfflineWebhookURL).Msg("offline webhook configured")
	}

	server := courier.NewServer(&courier.ServerOptions{
		Options:    options,
		ServerAddr: cfg.Addr,
		WSPath:     cfg.WSPath,
		Identity:   headerIdentity(cfg.UserHeader),
	})

	logger.Info().
		Str("addr", cfg.Addr).
		Str("path", cfg.WSPath).
		Msg("courierd listening")

	if err := server.Listen(); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
}

// headerIdentity trusts the authenticated user id the gateway forwards in a
// header. Device details ride alongside in optional X-Device-* headers.
func headerIdentity(header string) courier.IdentityFunc {
	return func(r *http.Request) (string, courier.DeviceInfo, error) {
		userID := r.Header.Get(header)
		if userID == "" {
			return "", courier.DeviceInfo{}, fmt.Errorf("missing %s header", header)
		}
		device := courier.DeviceInfo{
			Platform:   r.Header.Get("X-Device-Platform"),
			AppVersion: r.Header.Get("X-App-Version"),
		}
		return userID, device, nil
	}
}
