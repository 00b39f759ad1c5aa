package web

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSecurityConfig holds security configuration for WebSocket
// connections.
type WebSocketSecurityConfig struct {
	// AllowedOrigins is a list of allowed origins for WebSocket connections.
	// If empty, only same-origin requests are allowed.
	// Use "*" to allow all origins (not recommended).
	AllowedOrigins []string

	// MaxMessageSize is the maximum size of a WebSocket message in bytes.
	// Default: 64KB
	MaxMessageSize int64

	// MaxConnectionsPerIP is the maximum number of concurrent WebSocket
	// connections per IP. Default: 10
	MaxConnectionsPerIP int

	// PongWait is the time to wait for a pong response. Default: 60s
	PongWait time.Duration

	// PingPeriod is the interval between ping messages. Must be less than
	// PongWait. Default: 54s
	PingPeriod time.Duration

	// WriteWait is the time allowed to write a message. Default: 10s
	WriteWait time.Duration
}

// DefaultWebSocketSecurityConfig returns sensible defaults.
func DefaultWebSocketSecurityConfig() WebSocketSecurityConfig {
	return WebSocketSecurityConfig{
		AllowedOrigins:      nil,
		MaxMessageSize:      64 * 1024,
		MaxConnectionsPerIP: 10,
		PongWait:            60 * time.Second,
		PingPeriod:          54 * time.Second,
		WriteWait:           10 * time.Second,
	}
}

// ConnectionTracker tracks WebSocket connections per IP.
type ConnectionTracker struct {
	mu          sync.RWMutex
	connections map[string]int
	maxPerIP    int
}

// NewConnectionTracker creates a new connection tracker.
func NewConnectionTracker(maxPerIP int) *ConnectionTracker {
	return &ConnectionTracker{
		connections: make(map[string]int),
		maxPerIP:    maxPerIP,
	}
}

// TryAdd attempts to add a connection for the given IP.
// Returns false if the per-IP limit is exceeded.
func (ct *ConnectionTracker) TryAdd(ip string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	current := ct.connections[ip]
	if current >= ct.maxPerIP {
		return false
	}
	ct.connections[ip] = current + 1
	return true
}

// Remove decrements the connection count for the given IP.
func (ct *ConnectionTracker) Remove(ip string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	current := ct.connections[ip]
	if current <= 1 {
		delete(ct.connections, ip)
	} else {
		ct.connections[ip] = current - 1
	}
}

// Count returns the current connection count for an IP.
func (ct *ConnectionTracker) Count(ip string) int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.connections[ip]
}

// OriginCheckLogger logs origin check details.
type OriginCheckLogger func(origin, host string, allowed bool, reason string)

// createSecureUpgrader creates a WebSocket upgrader with origin checking.
func createSecureUpgrader(config WebSocketSecurityConfig, logger OriginCheckLogger) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     createOriginChecker(config.AllowedOrigins, logger),
	}
}

// createOriginChecker returns a function that validates WebSocket origins.
func createOriginChecker(allowedOrigins []string, logger OriginCheckLogger) func(*http.Request) bool {
	allowedSet := make(map[string]bool)
	allowAll := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
			break
		}
		allowedSet[strings.ToLower(origin)] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		host := r.Host

		logResult := func(allowed bool, reason string) bool {
			if logger != nil {
				logger(origin, host, allowed, reason)
			}
			return allowed
		}

		// No origin header means a non-browser client (webview wrapper,
		// curl); those cannot perform CSWSH attacks.
		if origin == "" {
			return logResult(true, "no origin header (non-browser client)")
		}

		if allowAll {
			return logResult(true, "allow all origins configured")
		}

		originURL, err := url.Parse(origin)
		if err != nil {
			return logResult(false, "failed to parse origin URL")
		}

		if len(allowedSet) > 0 {
			if allowedSet[strings.ToLower(origin)] {
				return logResult(true, "origin in allowlist")
			}
			if allowedSet[strings.ToLower(originURL.Host)] {
				return logResult(true, "origin host in allowlist")
			}
			return logResult(false, "origin not in allowlist")
		}

		if isSameOrigin(r, originURL) {
			return logResult(true, "same-origin check passed")
		}
		return logResult(false, "same-origin check failed")
	}
}

// isSameOrigin checks if the origin matches the request host. Both host and
// port must match.
func isSameOrigin(r *http.Request, originURL *url.URL) bool {
	requestHost := r.Host

	requestHostname, requestPort, err := net.SplitHostPort(requestHost)
	if err != nil {
		requestHostname = requestHost
		requestPort = ""
	}

	originHostname, originPort, err := net.SplitHostPort(originURL.Host)
	if err != nil {
		originHostname = originURL.Host
		originPort = ""
	}

	if !strings.EqualFold(requestHostname, originHostname) {
		return false
	}

	if originPort == "" {
		switch originURL.Scheme {
		case "https", "wss":
			originPort = "443"
		case "http", "ws":
			originPort = "80"
		}
	}

	// Request host without a port cannot be strictly compared; allow on
	// matching hostnames (common behind reverse proxies).
	if requestPort == "" {
		return true
	}

	return requestPort == originPort
}

// configureWebSocketConn applies security settings to a WebSocket connection.
func configureWebSocketConn(conn *websocket.Conn, config WebSocketSecurityConfig) {
	conn.SetReadLimit(config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(config.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.PongWait))
		return nil
	})
}

// getClientIP extracts the client IP from a request's RemoteAddr. Tandem
// binds to localhost and sits behind no proxies, so forwarding headers are
// never trusted.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
