// Package server wires HTTP handlers into a ServeMux for the room broker
// via routing helpers.
package server

import (
	"log/slog"
	"net/http"

	"github.com/Tyrowin/roombroker/internal/metrics"
	"github.com/rs/cors"
)

// NewRouter configures and returns the application's HTTP handler. The JSON
// API routes are wrapped with CORS for the configured origins; the socket
// endpoint relies on the upgrader's origin check instead.
func NewRouter(hub *Hub, m *metrics.Metrics, cfg Config, logger *slog.Logger) http.Handler {
	policy := newOriginPolicy(cfg.AllowedOrigins, logger)

	api := cors.New(cors.Options{
		AllowOriginFunc: policy.allows,
		AllowedMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:  []string{"Content-Type"},
		MaxAge:          600,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/healthz", HealthHandler)
	mux.Handle("/ws", WebSocketHandler(hub, newUpgrader(policy), logger))
	mux.Handle("/negotiate", api.Handler(NegotiateHandler(cfg)))
	mux.Handle("/api/broadcast", api.Handler(BroadcastHandler(hub, cfg.MaxMessageSize, logger)))
	mux.Handle("/api/rooms", api.Handler(RoomsHandler(hub)))
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/test", TestPageHandler(logger))
	return mux
}
