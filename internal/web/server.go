package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tandemlabs/tandem/internal/conversion"
	"github.com/tandemlabs/tandem/internal/coordinator"
	"github.com/tandemlabs/tandem/internal/logging"
	assets "github.com/tandemlabs/tandem/web"
)

// Config holds the web server configuration.
type Config struct {
	// Port to listen on. 0 selects a random free port.
	Port int

	// AllowedOrigins for WebSocket connections. Empty means same-origin only.
	AllowedOrigins []string

	// RefreshInterval between session listing refreshes. Zero means the
	// default.
	RefreshInterval time.Duration

	// RateLimit overrides the default per-IP rate limit when non-zero.
	RateLimit RateLimitConfig

	// Converter renders agent markdown; nil uses the default renderer.
	Converter *conversion.Converter
}

// Server is the localhost HTTP/WebSocket server for the Tandem frontend.
type Server struct {
	config Config
	coord  *coordinator.Coordinator
	hub    *Hub
	logger *slog.Logger

	rateLimiter       *GeneralRateLimiter
	connectionTracker *ConnectionTracker
	wsSecurityConfig  WebSocketSecurityConfig
	refresher         *SessionRefresher

	mu         sync.Mutex
	httpServer *http.Server
	listener   *LocalhostListener
	port       int
	shutdown   bool
}

// NewServer creates a web server around an existing coordinator. The returned
// server's Hub must be installed as the coordinator's View.
func NewServer(coord *coordinator.Coordinator, config Config) *Server {
	logger := logging.Web()

	rlConfig := config.RateLimit
	if rlConfig.RequestsPerSecond == 0 {
		rlConfig = DefaultRateLimitConfig()
	}

	wsConfig := DefaultWebSocketSecurityConfig()
	if len(config.AllowedOrigins) > 0 {
		wsConfig.AllowedOrigins = config.AllowedOrigins
	}

	hub := NewHub(config.Converter)

	s := &Server{
		config:            config,
		coord:             coord,
		hub:               hub,
		logger:            logger,
		rateLimiter:       NewGeneralRateLimiter(rlConfig),
		connectionTracker: NewConnectionTracker(wsConfig.MaxConnectionsPerIP),
		wsSecurityConfig:  wsConfig,
	}
	s.refresher = NewSessionRefresher(coord, hub, logger)
	if config.RefreshInterval > 0 {
		s.refresher.SetInterval(config.RefreshInterval)
	}
	return s
}

// Hub returns the broadcast hub, to be wired as the coordinator's View.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Port returns the port the server is listening on (valid after Start).
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// URL returns the server's base URL (valid after Start).
func (s *Server) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.Port())
}

// Start binds the localhost listener and begins serving in a background
// goroutine.
func (s *Server) Start() error {
	listener, port, err := CreateLocalhostListener(s.config.Port)
	if err != nil {
		return err
	}

	staticFS, err := fs.Sub(assets.StaticFS, "static")
	if err != nil {
		listener.Close()
		return fmt.Errorf("failed to mount static assets: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(staticFS)))
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/ws", s.handleWS)

	httpServer := &http.Server{
		Handler:           s.rateLimiter.Middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = httpServer
	s.port = port
	s.mu.Unlock()

	s.refresher.Start()

	go func() {
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("web server failed", "error", err)
		}
	}()

	s.logger.Info("web server listening", "addr", fmt.Sprintf("127.0.0.1:%d", port))
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	httpServer := s.httpServer
	s.mu.Unlock()

	s.refresher.Stop()
	s.rateLimiter.Close()

	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleSessions serves the cached session listing.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"sessions": s.coord.Registry().List(),
		"active":   s.coord.Active(),
	})
}

// handleWS upgrades the connection and runs the client's pumps.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	if !s.connectionTracker.TryAdd(clientIP) {
		s.logger.Warn("connection limit exceeded", "client_ip", clientIP)
		http.Error(w, "Too Many Connections", http.StatusTooManyRequests)
		return
	}

	upgrader := createSecureUpgrader(s.wsSecurityConfig, func(origin, host string, allowed bool, reason string) {
		s.logger.Debug("origin check", "origin", origin, "host", host,
			"allowed", allowed, "reason", reason)
	})

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.connectionTracker.Remove(clientIP)
		s.logger.Warn("websocket upgrade failed", "client_ip", clientIP, "error", err)
		return
	}

	ws := NewWSConn(WSConnConfig{
		Conn:     conn,
		Config:   s.wsSecurityConfig,
		Logger:   s.logger,
		ClientIP: clientIP,
		Tracker:  s.connectionTracker,
	})

	client := NewClient(ws, s.coord, s.hub)
	s.hub.Register(client)
	s.logger.Info("frontend client connected", "client_id", client.ID, "client_ip", clientIP)

	ctx, cancel := context.WithCancel(r.Context())
	writeDone := make(chan struct{})
	go ws.WritePump(ctx, writeDone)

	client.sendInitialState()
	client.ReadPump(ctx)

	cancel()
	<-writeDone
	s.hub.Unregister(client)
	ws.ReleaseConnectionSlot()
	s.logger.Info("frontend client disconnected", "client_id", client.ID)
}
