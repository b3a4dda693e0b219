package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KafClaw/chatgate/internal/features"
	"github.com/KafClaw/chatgate/internal/toggle"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the admin HTTP surface.
type Server struct {
	admin   *features.Admin
	hub     *Hub
	webhook http.Handler
	token   string
}

// NewServer creates the admin server. webhook may be nil to disable
// POST /webhook; token may be empty to disable auth.
func NewServer(admin *features.Admin, hub *Hub, webhook http.Handler, token string) *Server {
	return &Server{admin: admin, hub: hub, webhook: webhook, token: strings.TrimSpace(token)}
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/api/features", s.auth(http.HandlerFunc(s.handleFeatures)))
	if s.hub != nil {
		mux.Handle("/ws/audit", s.auth(http.HandlerFunc(s.handleAuditFeed)))
	}
	if s.webhook != nil {
		mux.Handle("/webhook", s.auth(s.webhook))
	}
	return mux
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Admin server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.hub != nil {
			s.hub.Close()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// auth requires "Authorization: Bearer <token>" (or ?token= for browsers
// opening the websocket feed) when a token is configured.
func (s *Server) auth(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if got == "" {
			got = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type setFeatureRequest struct {
	Chat    int64  `json:"chat"`
	Feature string `json:"feature"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		chat, err := strconv.ParseInt(r.URL.Query().Get("chat"), 10, 64)
		if err != nil {
			http.Error(w, "chat query parameter required", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, s.admin.ListFeatures(chat))
	case http.MethodPost:
		var req setFeatureRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		name := strings.ToLower(strings.TrimSpace(req.Feature))
		err := s.admin.SetFeature(r.Context(), req.Chat, name, req.Enabled)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]any{"feature": name, "enabled": req.Enabled})
		case errors.Is(err, features.ErrUnknownFeature):
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error":       err.Error(),
				"suggestions": s.admin.Registry().Suggest(name, 3),
			})
		case errors.Is(err, toggle.ErrStoreBackpressure):
			writeJSON(w, http.StatusAccepted, map[string]any{
				"feature": name,
				"enabled": req.Enabled,
				"warning": "saved in memory, persistence delayed",
			})
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAuditFeed upgrades to a websocket streaming AuditEvent frames,
// optionally filtered by ?chat=.
func (s *Server) handleAuditFeed(w http.ResponseWriter, r *http.Request) {
	var chat *int64
	if v := r.URL.Query().Get("chat"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid chat", http.StatusBadRequest)
			return
		}
		chat = &n
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Audit feed upgrade failed", "error", err)
		return
	}
	c := &client{hub: s.hub, conn: conn, send: make(chan []byte, 256), chat: chat}
	s.hub.register(c)
	go c.writePump()
	go c.readPump()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
