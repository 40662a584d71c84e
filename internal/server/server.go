package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"

	"github.com/breddin/codecollab/internal/config"
	"github.com/breddin/codecollab/internal/gateway"
)

const version = "0.1.0"

// Server represents the HTTP server
type Server struct {
	config *config.Config
	hub    *gateway.Hub
	logger *slog.Logger
	server *http.Server
	cancel context.CancelFunc
}

// New creates a new server around an already-configured hub.
func New(cfg *config.Config, hub *gateway.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config: cfg,
		hub:    hub,
		logger: logger,
	}
}

// Start runs the hub and serves HTTP until the listener fails or Shutdown
// is called.
func (s *Server) Start(addr string) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.hub.Run(ctx)
	go s.hub.RunPresenceSweeper(ctx)

	mux := http.NewServeMux()

	// Routes
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"name":        "CodeCollab Server",
		"version":     version,
		"description": "Real-time collaborative editing server",
		"endpoints": map[string]string{
			"health": "/health",
			"ws":     "/ws",
		},
		"features": map[string]string{
			"websocket": "Real-time collaboration via WebSocket",
			"auth":      "JWT authentication",
			"ot":        "Operational transformation with conflict detection",
			"presence":  "Live cursors, selections, and idle tracking",
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"version":   version,
		"documents": s.hub.Sessions().DocumentCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.hub.Security().Connections.CanConnect(ip) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	upgrader := gorilla.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "ip", ip, "error", err)
		return
	}

	s.hub.Security().Connections.AddConnection(ip)

	client := gateway.NewClient(uuid.NewString(), uuid.NewString(), uuid.NewString(), ip, ws, s.hub)
	s.hub.Register <- client

	// Start pumps
	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
