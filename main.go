package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Shuffle-and-Sync/gamesync/broker"
	"github.com/Shuffle-and-Sync/gamesync/config"
	"github.com/Shuffle-and-Sync/gamesync/coordinator"
	"github.com/Shuffle-and-Sync/gamesync/gateway"
	"github.com/Shuffle-and-Sync/gamesync/metrics"
	"github.com/Shuffle-and-Sync/gamesync/server"
	"github.com/Shuffle-and-Sync/gamesync/sessioncache"
	"github.com/Shuffle-and-Sync/gamesync/store"
)

func main() {
	// Initialize config
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	if err := config.Initialize(env); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	cfg := config.Get()

	// Generate a unique ID for this server instance. It is stamped on
	// every event this process produces.
	instanceID := uuid.New().String()
	log.Printf("Starting gamesync instance with ID: %s", instanceID)

	// The shared store is the one fatal dependency: refuse to start if
	// it is unreachable.
	sharedStore, err := store.NewRedis(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize)
	if err != nil {
		log.Fatalf("Failed to connect to the shared store: %v", err)
	}
	defer sharedStore.Close()

	// Optional Kafka mirror for downstream event consumers.
	var sink coordinator.EventSink
	var mirror *broker.KafkaMirror
	if cfg.Broker.Kafka.Enabled {
		mirror, err = broker.NewKafkaMirror(cfg.Broker.Kafka.Brokers, cfg.Broker.Kafka.Topic)
		if err != nil {
			log.Fatalf("Failed to create Kafka mirror: %v", err)
		}
		defer mirror.Close()
		sink = mirror
		log.Printf("Kafka event mirror ENABLED (topic %s)", cfg.Broker.Kafka.Topic)
	}

	coord, err := coordinator.New(sharedStore, instanceID, coordinator.Config{
		ConnectionTTL:     time.Duration(cfg.Coordinator.ConnectionTTL) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Coordinator.HeartbeatInterval) * time.Second,
		HeartbeatTTL:      time.Duration(cfg.Coordinator.HeartbeatTTL) * time.Second,
		SweepInterval:     time.Duration(cfg.Coordinator.SweepInterval) * time.Second,
		StaleThreshold:    time.Duration(cfg.Coordinator.StaleThreshold) * time.Second,
	}, sink)
	if err != nil {
		log.Fatalf("Failed to start coordinator: %v", err)
	}

	// The session cache shares the store. Warmup runs against the
	// relational source of truth when the application layer supplies a
	// loader; the gateway process itself only reads.
	sessionCache := sessioncache.New(sharedStore)

	// Auth initialization
	var jwtValidator *gateway.JWTValidator
	if cfg.Auth.Enabled {
		jwtValidator = gateway.NewJWTValidator(&cfg.Auth, sharedStore)
		log.Println("JWT Authentication is ENABLED.")
	} else {
		log.Println("JWT Authentication is DISABLED.")
	}

	clientManager := gateway.NewClientManager()
	handler := gateway.NewHandler(clientManager, coord, jwtValidator, &cfg.Auth, &cfg.WebSocket)

	if cfg.Metrics.Enabled {
		metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	statsHandler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"coordinator": coord.GetStats(r.Context()),
			"cache":       sessionCache.GetStats(),
		})
	}

	port := ":" + strconv.Itoa(cfg.Server.Port)
	srv := server.New(port, handler.HandleWebSocket, statsHandler,
		time.Duration(cfg.Server.ReadTimeout)*time.Second,
		time.Duration(cfg.Server.WriteTimeout)*time.Second,
	)

	go srv.Start()
	log.Println("gamesync gateway started on " + port)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutdown signal received")

	// Graceful shutdown: stop taking connections, close the live ones,
	// then tear down the coordinator (timers, subscriptions, heartbeat).
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	srv.Shutdown(ctx)
	clientManager.CloseAllConnections("Server shutting down")
	clientManager.WaitForCompletion()
	coord.Shutdown(ctx)
}
