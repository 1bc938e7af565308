package config

import (
	"errors"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}

	if c.Redis.Address == "" {
		return errors.New("redis address must be specified")
	}

	// Validate auth config
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "default-secret" {
			return errors.New("auth.jwtSecret must be set to a strong secret when auth is enabled")
		}
		if c.Auth.TokenQueryParam == "" {
			return errors.New("auth.tokenQueryParam must be configured when auth is enabled")
		}
	}

	// Validate broker configuration
	if c.Broker.Kafka.Enabled {
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified when the kafka mirror is enabled")
		}
		if c.Broker.Kafka.Topic == "" {
			return errors.New("kafka topic must be specified when the kafka mirror is enabled")
		}
	}

	if c.Coordinator.HeartbeatInterval < 1 {
		return errors.New("heartbeat interval must be at least 1 second")
	}
	if c.Coordinator.HeartbeatTTL <= c.Coordinator.HeartbeatInterval {
		return errors.New("heartbeat TTL must be greater than the heartbeat interval")
	}
	if c.Coordinator.StaleThreshold < c.Coordinator.SweepInterval/2 {
		return errors.New("stale threshold should not be shorter than half the sweep interval")
	}
	if c.Coordinator.ConnectionTTL <= c.Coordinator.StaleThreshold {
		return errors.New("connection TTL should be greater than the stale threshold")
	}

	if c.WebSocket.PingInterval >= c.WebSocket.ActivityTimeout {
		return errors.New("ping interval should be less than activity timeout")
	}

	return nil
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "GAMESYNC_PORT")

	// Redis
	viper.BindEnv("redis.address", "GAMESYNC_REDIS_ADDRESS")
	viper.BindEnv("redis.password", "GAMESYNC_REDIS_PASSWORD")
	viper.BindEnv("redis.db", "GAMESYNC_REDIS_DB")

	// Coordinator
	viper.BindEnv("coordinator.connectionTTL", "GAMESYNC_CONNECTION_TTL")
	viper.BindEnv("coordinator.heartbeatInterval", "GAMESYNC_HEARTBEAT_INTERVAL")
	viper.BindEnv("coordinator.sweepInterval", "GAMESYNC_SWEEP_INTERVAL")
	viper.BindEnv("coordinator.staleThreshold", "GAMESYNC_STALE_THRESHOLD")

	// Auth
	viper.BindEnv("auth.enabled", "GAMESYNC_AUTH_ENABLED")
	viper.BindEnv("auth.jwtSecret", "GAMESYNC_AUTH_JWT_SECRET")
	viper.BindEnv("auth.tokenQueryParam", "GAMESYNC_AUTH_TOKEN_PARAM")
	viper.BindEnv("auth.revocationListKey", "GAMESYNC_AUTH_REVOCATION_KEY")

	// Broker
	viper.BindEnv("broker.kafka.enabled", "GAMESYNC_KAFKA_ENABLED")
	viper.BindEnv("broker.kafka.brokers", "GAMESYNC_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.topic", "GAMESYNC_KAFKA_TOPIC")

	// WebSocket
	viper.BindEnv("websocket.pingInterval", "GAMESYNC_PING_INTERVAL")
	viper.BindEnv("websocket.activityTimeout", "GAMESYNC_ACTIVITY_TIMEOUT")
	viper.BindEnv("websocket.writeTimeout", "GAMESYNC_WRITE_TIMEOUT")
}
