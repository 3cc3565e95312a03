package main

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/oszuidwest/zwfm-loopback/internal/audio"
	"github.com/oszuidwest/zwfm-loopback/internal/config"
	"github.com/oszuidwest/zwfm-loopback/internal/server"
	"github.com/oszuidwest/zwfm-loopback/internal/session"
	"github.com/oszuidwest/zwfm-loopback/internal/types"
)

const readHeaderTimeout = 10 * time.Second

// Server is the HTTP server that exposes the recorder over REST and WebSocket.
type Server struct {
	config       *config.Config
	ctl          server.Controller
	commands     *server.CommandHandler
	version      *VersionChecker
	eventLogPath string
}

// NewServer returns a new Server for ctl. version supplies the version block of the status message.
func NewServer(cfg *config.Config, ctl server.Controller, eventLogPath string, version *VersionChecker) *Server {
	return &Server{
		config:       cfg,
		ctl:          ctl,
		commands:     server.NewCommandHandler(cfg, ctl, eventLogPath),
		version:      version,
		eventLogPath: eventLogPath,
	}
}

// statusResponse is the status message pushed to WebSocket clients.
type statusResponse struct {
	Type     string            `json:"type"` // "status"
	Platform string            `json:"platform"`
	Session  session.Status    `json:"session"`
	Version  types.VersionInfo `json:"version"`
}

func (s *Server) buildStatus() statusResponse {
	return statusResponse{
		Type:     "status",
		Platform: runtime.GOOS,
		Session:  s.ctl.Status(),
		Version:  s.version.Info(),
	}
}

// handleWebSocket handles bidirectional WebSocket communication for real-time updates.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := server.UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	s.commands.ServeConn(conn, server.ConnOptions{
		Status: func() any { return s.buildStatus() },
		Levels: func() any {
			st := s.ctl.Status()
			return types.WSLevelsResponse{Type: "levels", Levels: audio.Levels{Current: st.Level, Peak: st.Peak}}
		},
	})
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	auth := s.apiKeyAuth

	mux.HandleFunc("GET /api/status", auth(s.handleAPIStatus))
	mux.HandleFunc("GET /api/devices", auth(s.handleAPIDevices))
	mux.HandleFunc("POST /api/devices/refresh", auth(s.handleAPIRefreshDevices))
	mux.HandleFunc("POST /api/devices/select", auth(s.handleAPISelectDevice))
	mux.HandleFunc("POST /api/recording/start", auth(s.handleAPIStartRecording))
	mux.HandleFunc("POST /api/recording/stop", auth(s.handleAPIStopRecording))
	mux.HandleFunc("POST /api/routing/setup", auth(s.handleAPISetupRouting))
	mux.HandleFunc("GET /api/routing/verify", auth(s.handleAPIVerifyRouting))
	mux.HandleFunc("GET /api/events", auth(s.handleAPIEvents))

	mux.HandleFunc("GET /ws", auth(s.handleWebSocket))

	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// apiKeyAuth returns middleware for API key authentication.
// Browsers cannot set headers on WebSocket upgrades, so the key may also be
// passed as the api_key query parameter.
func (s *Server) apiKeyAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := s.config.Snapshot().APIKey
		if apiKey == "" {
			writeError(w, http.StatusServiceUnavailable, "API key not configured")
			return
		}

		providedKey := r.Header.Get("X-API-Key")
		if providedKey == "" {
			providedKey = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

// HTTPServer returns the configured *http.Server. The caller starts and shuts it down.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Snapshot().WebPort),
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}
