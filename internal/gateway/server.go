// Package gateway is the socket hub: the WebSocket/HTTP
// front door accepting visitor and agent connections, dispatching inbound
// events to the Routing Engine and Agent Registry, and fanning out
// broadcast events to the clients that joined the relevant room.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatrouter/gateway/internal/accuracy"
	"github.com/chatrouter/gateway/internal/agentreg"
	"github.com/chatrouter/gateway/internal/assignment"
	"github.com/chatrouter/gateway/internal/auth"
	"github.com/chatrouter/gateway/internal/bus"
	"github.com/chatrouter/gateway/internal/config"
	"github.com/chatrouter/gateway/internal/events"
	"github.com/chatrouter/gateway/internal/routing"
	"github.com/chatrouter/gateway/internal/store"
	"github.com/chatrouter/gateway/pkg/protocol"
)

// Server is the Socket Hub: owns the WebSocket upgrade, the client
// registry, and the small set of admin HTTP endpoints outside the socket
// protocol.
type Server struct {
	cfg          *config.Config
	bus          bus.EventPublisher
	store        store.Gateway
	registry     *agentreg.Registry
	cache        *assignment.Cache
	engine       *routing.Engine
	authResolver *auth.Resolver
	recorder     *accuracy.Recorder
	router       *MethodRouter

	upgrader      websocket.Upgrader
	rateLimiter   *RateLimiter
	exportLimiter *RateLimiter
	clients       map[string]*Client
	liveVisitors  map[string]string // client id -> session id (in-memory only)
	mu            sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires a Server from its already-constructed collaborators.
func NewServer(cfg *config.Config, publisher bus.EventPublisher, gw store.Gateway, registry *agentreg.Registry, cache *assignment.Cache, engine *routing.Engine, authResolver *auth.Resolver, recorder *accuracy.Recorder) *Server {
	s := &Server{
		cfg:          cfg,
		bus:          publisher,
		store:        gw,
		registry:     registry,
		cache:        cache,
		engine:       engine,
		authResolver: authResolver,
		recorder:     recorder,
		clients:      make(map[string]*Client),
		liveVisitors: make(map[string]string),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.rateLimiter = NewRateLimiter(cfg.Snapshot().Gateway.RateLimitRPM, 10)
	s.exportLimiter = newExportRateLimiter(cfg.Snapshot().Export)
	s.router = NewMethodRouter(s)
	return s
}

// newExportRateLimiter converts the export config's window-based limit
// (e.g. 5 requests / 60s) into the token-bucket RateLimiter's
// requests-per-minute form.
func newExportRateLimiter(export config.ExportConfig) *RateLimiter {
	windowSec := export.RateLimitWindowSec
	if windowSec <= 0 {
		windowSec = 60
	}
	max := export.RateLimitMax
	if max <= 0 {
		return NewRateLimiter(0, 0) // disabled
	}
	rpm := max * 60 / windowSec
	if rpm <= 0 {
		rpm = 1
	}
	return NewRateLimiter(rpm, max)
}

// RateLimiter returns the server's rate limiter for use by HTTP handlers.
func (s *Server) RateLimiter() *RateLimiter { return s.rateLimiter }

// checkOrigin validates WebSocket connection origin against the allowed
// origins whitelist. No config = allow all (dev mode); empty Origin
// header (non-browser clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Snapshot().Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc(protocol.RouteHealth, s.handleHealth)
	mux.HandleFunc(protocol.RouteAccuracyFeedback, s.handleAccuracyFeedback)
	mux.HandleFunc(protocol.RouteSessionsExport, s.handleSessionsExport)

	s.mux = mux
	return mux
}

// Start begins listening for WebSocket and HTTP connections, blocking
// until ctx is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Snapshot().Gateway.Host, s.cfg.Snapshot().Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway.starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.upgrade_failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)
	defer s.unregisterClient(client)

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	clients := len(s.clients)
	visitors := s.liveVisitorSnapshotLocked()
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":          "ok",
		"protocol":        protocol.ProtocolVersion,
		"clients":         clients,
		"connectedAgents": len(s.registry.Online()),
		"liveVisitors":    len(visitors),
	})
}

type accuracyFeedbackRequest struct {
	Mark string `json:"mark"`
	Note string `json:"note"`
}

// handleAccuracyFeedback is POST /accuracy/{id}/feedback, the one HTTP
// endpoint outside the socket protocol an admin console uses:
// bearer-authenticated, gated on PermissionAccuracyFeedback.
func (s *Server) handleAccuracyFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	principal, err := s.authResolver.Resolve(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if err != nil || !hasPermission(principal.Permissions, protocol.PermissionAccuracyFeedback) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	accuracyID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/accuracy/"), "/feedback")
	if accuracyID == "" {
		http.Error(w, "missing accuracy id", http.StatusBadRequest)
		return
	}

	var req accuracyFeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	mark := store.HumanMark(req.Mark)
	switch mark {
	case store.MarkHelpful, store.MarkUnhelpful, store.MarkFlagged:
	default:
		http.Error(w, "invalid mark", http.StatusBadRequest)
		return
	}

	if err := s.recorder.Feedback(r.Context(), accuracyID, principal.UserID, mark, req.Note); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "no such accuracy record", http.StatusNotFound)
			return
		}
		slog.Warn("gateway.accuracy_feedback_failed", "accuracyId", accuracyID, "error", err)
		http.Error(w, "could not record feedback", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

func hasPermission(perms []string, want string) bool {
	for _, p := range perms {
		if p == want {
			return true
		}
	}
	return false
}

// BroadcastEvent is a convenience wrapper for collaborators that hold a
// *Server rather than the bare bus.EventPublisher.
func (s *Server) BroadcastEvent(name string, payload interface{}) {
	s.bus.Broadcast(bus.Event{Name: name, Payload: payload})
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.bus.Subscribe(c.id, c.busHandler())
	slog.Info("gateway.client_connected", "clientId", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	s.bus.Unsubscribe(c.id)
	if agentID := c.getAgentID(); agentID != "" {
		if s.registry.Unbind(agentID, c) {
			s.bus.Broadcast(bus.Event{Name: protocol.EventNewNotification, Payload: events.NewNotification{
				Kind: "presence_lost", Content: "Agent " + agentID + " disconnected",
			}})
		}
	}
	if c.getVisitorSession() != "" {
		s.removeLiveVisitor(c)
	}
	c.Close("connection closed")
	slog.Info("gateway.client_disconnected", "clientId", c.id)
}

// addLiveVisitor records c as a live visitor on sessionID and pushes the
// refreshed snapshot to the admin feed. The snapshot is in-memory only; a
// restart starts empty.
func (s *Server) addLiveVisitor(c *Client, sessionID string) {
	s.mu.Lock()
	s.liveVisitors[c.id] = sessionID
	snapshot := s.liveVisitorSnapshotLocked()
	s.mu.Unlock()

	s.bus.Broadcast(bus.Event{Name: protocol.EventLiveVisitorsUpdate, Payload: events.LiveVisitorsUpdate{SessionIDs: snapshot}})
}

func (s *Server) removeLiveVisitor(c *Client) {
	s.mu.Lock()
	delete(s.liveVisitors, c.id)
	snapshot := s.liveVisitorSnapshotLocked()
	s.mu.Unlock()

	s.bus.Broadcast(bus.Event{Name: protocol.EventLiveVisitorsUpdate, Payload: events.LiveVisitorsUpdate{SessionIDs: snapshot}})
}

// liveVisitorSnapshotLocked deduplicates live visitor sessions into a
// sorted slice. Callers must hold s.mu.
func (s *Server) liveVisitorSnapshotLocked() []string {
	seen := make(map[string]bool, len(s.liveVisitors))
	out := make([]string, 0, len(s.liveVisitors))
	for _, sessionID := range s.liveVisitors {
		if !seen[sessionID] {
			seen[sessionID] = true
			out = append(out, sessionID)
		}
	}
	sort.Strings(out)
	return out
}
