package metrics

import (
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Presence Metrics
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_online_users",
		Help: "The current number of users in the global online set.",
	})
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_connections_active",
		Help: "The current number of live player connections on this instance.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_connections_total",
		Help: "The total number of player connections accepted by this instance.",
	})
	StaleConnectionsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_stale_connections_swept_total",
		Help: "The total number of stale connections force-disconnected by the sweep.",
	})

	// Room Metrics
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rooms_subscribed",
		Help: "The current number of game rooms this instance is subscribed to.",
	})
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "room_events_published_total",
		Help: "The total number of game events broadcast by this instance.",
	}, []string{"type"})
	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "room_events_delivered_total",
		Help: "The total number of game events delivered to local handlers.",
	})
	EventsDroppedSelf = promauto.NewCounter(prometheus.CounterOpts{
		Name: "room_events_dropped_self_total",
		Help: "The total number of self-originated events suppressed.",
	})

	// Cache Metrics
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_cache_hits_total",
		Help: "The total number of session cache hits.",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_cache_misses_total",
		Help: "The total number of session cache misses.",
	})

	// Broker Metrics
	MirrorMessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_mirror_messages_published_total",
		Help: "The total number of game events mirrored to the broker.",
	})
	MirrorPublishRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_mirror_publish_retries_total",
		Help: "The total number of retries when mirroring events to the broker.",
	})
)

// StartServer starts the HTTP server for Prometheus metrics.
func StartServer(port int, path string) {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	log.Printf("Starting metrics server on %s%s", addr, path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Fatalf("Failed to start metrics server: %v", err)
		}
	}()
}
