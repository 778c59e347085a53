package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synckit-go/replicate/internal/auth"
	"github.com/synckit-go/replicate/internal/compactor"
	"github.com/synckit-go/replicate/internal/config"
	"github.com/synckit-go/replicate/internal/identity"
	"github.com/synckit-go/replicate/internal/logging"
	"github.com/synckit-go/replicate/internal/security"
	"github.com/synckit-go/replicate/internal/session"
	"github.com/synckit-go/replicate/internal/store"
	"github.com/synckit-go/replicate/internal/websocket"
)

var upgrader = gorilla.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		env := os.Getenv("ENVIRONMENT")
		if env != "production" {
			return true
		}
		allowed := os.Getenv("CORS_ORIGINS")
		if allowed == "" || allowed == "*" {
			return true
		}
		for _, o := range strings.Split(allowed, ",") {
			if strings.TrimSpace(o) == origin {
				return true
			}
		}
		return false
	},
}

// Server represents the HTTP server exposing the replication engine
// over WebSocket, plus health and metrics endpoints.
type Server struct {
	config          *config.Config
	backend         store.Backend
	serverLog       *store.ServerLog
	sessions        *session.Registry
	compactor       *compactor.Runner
	hub             *websocket.Hub
	broadcast       *store.Broadcast
	server          *http.Server
	metricsServer   *http.Server
	securityManager *security.SecurityManager
}

// New wires the replication core's collaborators: a Backend (Postgres
// if DatabaseURL is set, otherwise an in-memory one suitable for tests
// and local development), the ServerLog, SessionRegistry, and
// compactor.Runner built on top of it, and the Hub that routes decoded
// WebSocket messages into them.
func New(cfg *config.Config) *Server {
	var backend store.Backend
	if cfg.DatabaseURL != "" {
		pg := store.NewPostgresBackend(&store.PostgresConfig{ConnectionString: cfg.DatabaseURL})
		if err := pg.Connect(context.Background()); err != nil {
			panic("server: failed to connect to postgres backend: " + err.Error())
		}
		backend = pg
	} else {
		backend = store.NewMemoryBackend()
	}

	serverLog := store.New(backend)
	sessions := session.New(cfg.SessionTimeoutFactor)

	compCfg := compactor.DefaultConfig()
	compCfg.Retain = cfg.CompactionRetainDeltas
	compCfg.MaxRetries = cfg.CompactionMaxRetries
	compCfg.BackoffBase = cfg.CompactionBackoffBase
	compCfg.PageSize = cfg.CompactionPageSize
	runner := compactor.New(backend, sessions, compCfg)

	authRequired := os.Getenv("SYNCKIT_AUTH_REQUIRED") != "false"
	authenticator := identity.Authenticator(identity.AnonymousAuthenticator)
	if cfg.JWTSecret != "" {
		authenticator = auth.NewJWTAuthenticator(cfg.JWTSecret)
	}

	var broadcast *store.Broadcast
	if cfg.RedisURL != "" {
		bc, err := store.NewBroadcast(&store.BroadcastConfig{URL: cfg.RedisURL, ChannelPrefix: cfg.RedisChannelPrefix})
		if err != nil {
			panic("server: failed to configure delta broadcast: " + err.Error())
		}
		if err := bc.Connect(context.Background()); err != nil {
			panic("server: failed to connect delta broadcast: " + err.Error())
		}
		broadcast = bc
	}

	hub := websocket.NewHub(serverLog, sessions, runner, authenticator, authRequired, broadcast)
	go hub.Run()

	return &Server{
		config:          cfg,
		backend:         backend,
		serverLog:       serverLog,
		sessions:        sessions,
		compactor:       runner,
		hub:             hub,
		broadcast:       broadcast,
		securityManager: security.NewSecurityManager(),
	}
}

// Start starts the HTTP server. If cfg.MetricsAddr is set, a second
// listener serves /metrics separately from the main traffic port.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
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

	if s.config.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		s.metricsServer = &http.Server{Addr: s.config.MetricsAddr, Handler: metricsMux}
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Logger.Error().Err(err).Msg("metrics listener exited")
			}
		}()
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
	if pg, ok := s.backend.(*store.PostgresBackend); ok {
		pg.Close()
	}
	if s.broadcast != nil {
		s.broadcast.Close()
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"name":        "synckit replication engine",
		"version":     "0.4.0",
		"description": "offline-first CRDT replication server",
		"endpoints": map[string]string{
			"health":  "/health",
			"ws":      "/ws",
			"metrics": s.config.MetricsAddr + "/metrics",
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"version":   "0.4.0",
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := s.getClientIP(r)

	if !s.securityManager.ConnectionLimiter.CanConnect(clientIP) {
		logging.Logger.Warn().Str("client_ip", clientIP).Msg("connection limit exceeded")
		http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.securityManager.ConnectionLimiter.AddConnection(clientIP)

	conn := websocket.NewConnection(generateConnID(), ws, s.hub)
	conn.ClientIP = clientIP
	conn.SecurityManager = s.securityManager
	s.hub.Register <- conn

	go conn.WritePump()
	go conn.ReadPump()
}

func (s *Server) getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		for i, ch := range forwarded {
			if ch == ',' {
				return forwarded[:i]
			}
		}
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func generateConnID() string {
	return uuid.NewString()
}
