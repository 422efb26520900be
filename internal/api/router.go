package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/firebot-tibia/firebot-monitor/internal/auth"
	"github.com/firebot-tibia/firebot-monitor/internal/monitor"
)

// Router holds the HTTP routes and dependencies
type Router struct {
	mux       *http.ServeMux
	manager   *monitor.Manager
	wsHub     *WebSocketHub
	auth      *auth.Service
	staticDir string
}

// NewRouter creates a new HTTP router
func NewRouter(manager *monitor.Manager, authService *auth.Service, staticDir string) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		manager:   manager,
		wsHub:     NewWebSocketHub(),
		auth:      authService,
		staticDir: staticDir,
	}

	// Auth routes
	r.mux.HandleFunc("POST /api/auth/login", r.handleLogin)

	// Roster routes
	r.mux.HandleFunc("GET /api/roster", r.requireAuth(r.handleGetRoster))
	r.mux.HandleFunc("GET /api/roster/groups", r.requireAuth(r.handleGetRosterGroups))
	r.mux.HandleFunc("GET /api/deaths", r.requireAuth(r.handleGetDeaths))
	r.mux.HandleFunc("GET /api/levels", r.requireAuth(r.handleGetLevelChanges))

	// Monitor control
	r.mux.HandleFunc("GET /api/status", r.requireAuth(r.handleGetStatus))
	r.mux.HandleFunc("POST /api/monitor/target", r.requireAuth(r.handleSetTarget))
	r.mux.HandleFunc("POST /api/settings/sound-permission", r.requireAuth(r.handleSetSoundPermission))

	// Classification routes
	r.mux.HandleFunc("POST /api/players", r.requireAuth(r.handleUpdatePlayer))
	r.mux.HandleFunc("GET /api/tags", r.requireAuth(r.handleGetTags))
	r.mux.HandleFunc("POST /api/tags", r.requireAuth(r.handleAddTag))

	// Alert rule routes
	r.mux.HandleFunc("GET /api/rules", r.requireAuth(r.handleGetRules))
	r.mux.HandleFunc("POST /api/rules", r.requireAuth(r.handleCreateRule))
	r.mux.HandleFunc("DELETE /api/rules/{id}", r.requireAuth(r.handleDeleteRule))
	r.mux.HandleFunc("PATCH /api/rules/{id}", r.requireAuth(r.handleUpdateRule))
	r.mux.HandleFunc("POST /api/rules/{id}/reset", r.requireAuth(r.handleResetRule))

	// WebSocket endpoint (token validated from query parameter)
	r.mux.HandleFunc("GET /ws", r.handleWebSocket)

	// Health check
	r.mux.HandleFunc("GET /health", r.handleHealth)

	// Static files - only serve if staticDir is configured
	if staticDir != "" {
		r.mux.HandleFunc("GET /", r.handleStatic)
	}

	return r
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// CORS headers for API
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if req.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.mux.ServeHTTP(w, req)
}

// Hub returns the WebSocket hub so the bus subscriber can feed it.
func (r *Router) Hub() *WebSocketHub {
	return r.wsHub
}

// StartWebSocketHub starts broadcasting events to WebSocket clients
func (r *Router) StartWebSocketHub() {
	go r.wsHub.Run()
}

// requireAuth validates the session token from the Authorization header
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		header := req.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "authorization required")
			return
		}
		if _, err := r.auth.ValidateToken(token); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, req)
	}
}

// handleStatic serves static files from the configured directory
// For SPA support, serves index.html for any path that doesn't match a file
func (r *Router) handleStatic(w http.ResponseWriter, req *http.Request) {
	path := filepath.Clean(req.URL.Path)
	if path == "/" {
		path = "/index.html"
	}

	fullPath := filepath.Join(r.staticDir, path)

	// Security: ensure the path is within staticDir
	absStaticDir, _ := filepath.Abs(r.staticDir)
	absPath, _ := filepath.Abs(fullPath)
	if !strings.HasPrefix(absPath, absStaticDir) {
		http.NotFound(w, req)
		return
	}

	info, err := os.Stat(fullPath)
	if err != nil || info.IsDir() {
		// SPA fallback: serve index.html for unknown paths
		fullPath = filepath.Join(r.staticDir, "index.html")
		if _, err := os.Stat(fullPath); err != nil {
			http.NotFound(w, req)
			return
		}
	}

	http.ServeFile(w, req, fullPath)
}
