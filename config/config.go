package config

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server      ServerConfig
	Redis       RedisConfig
	Coordinator CoordinatorConfig
	WebSocket   WebSocketConfig
	Auth        AuthConfig
	Broker      BrokerConfig
	Metrics     MetricsConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  int // Seconds
	WriteTimeout int // Seconds
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

type CoordinatorConfig struct {
	ConnectionTTL     int // Seconds
	HeartbeatInterval int // Seconds
	HeartbeatTTL      int // Seconds
	SweepInterval     int // Seconds
	StaleThreshold    int // Seconds
}

type WebSocketConfig struct {
	MessageSizeLimit int
	HandshakeTimeout int // Seconds
	PingInterval     int // Seconds
	ActivityTimeout  int // Seconds
	WriteTimeout     int // Seconds
	KeepAlive        bool
}

type AuthConfig struct {
	Enabled           bool
	JWTSecret         string
	TokenQueryParam   string
	RevocationListKey string
}

type BrokerConfig struct {
	Kafka KafkaConfig
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

var (
	instance *AppConfig
	once     sync.Once
)

func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		viper.SetConfigName(fmt.Sprintf("config.%s", env))
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")

		viper.AutomaticEnv()
		viper.SetEnvPrefix("GAMESYNC")

		setDefaults()
		bindEnvVars()

		if err := viper.ReadInConfig(); err != nil {
			initErr = fmt.Errorf("config file error: %w", err)
			return
		}

		if err := viper.Unmarshal(&instance); err != nil {
			initErr = fmt.Errorf("config unmarshal error: %w", err)
			return
		}

		if err := instance.Validate(); err != nil {
			initErr = fmt.Errorf("config validation failed: %w", err)
			return
		}
	})
	return initErr
}

func Get() *AppConfig {
	return instance
}
