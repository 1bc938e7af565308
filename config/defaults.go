package config

import "github.com/spf13/viper"

func setDefaults() {
	// Server
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 15)
	viper.SetDefault("server.writeTimeout", 15)

	// Redis
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.poolSize", 100)

	// Coordinator
	viper.SetDefault("coordinator.connectionTTL", 600)
	viper.SetDefault("coordinator.heartbeatInterval", 30)
	viper.SetDefault("coordinator.heartbeatTTL", 90)
	viper.SetDefault("coordinator.sweepInterval", 300)
	viper.SetDefault("coordinator.staleThreshold", 300)

	// WebSocket
	viper.SetDefault("websocket.messageSizeLimit", 4096)
	viper.SetDefault("websocket.handshakeTimeout", 10)
	viper.SetDefault("websocket.pingInterval", 25)
	viper.SetDefault("websocket.activityTimeout", 60)
	viper.SetDefault("websocket.writeTimeout", 10)
	viper.SetDefault("websocket.keepAlive", true)

	// Auth
	viper.SetDefault("auth.enabled", false) // Default to off for security
	viper.SetDefault("auth.jwtSecret", "default-secret")
	viper.SetDefault("auth.tokenQueryParam", "token")
	viper.SetDefault("auth.revocationListKey", "jwt:revoked")

	// Broker
	viper.SetDefault("broker.kafka.enabled", false)
	viper.SetDefault("broker.kafka.topic", "game-events")

	// Metrics
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.path", "/metrics")
}
