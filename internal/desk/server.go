package desk

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"SupportChat/internal/api"
)

// PathBroker is where the hub accepts websocket clients
const PathBroker = "/ws"

// Server exposes the hub and the REST endpoints over HTTP
type Server struct {
	hub    *Hub
	store  *Store
	logger *slog.Logger
	http   *http.Server
}

// NewServer wires hub and store behind one HTTP handler
func NewServer(hub *Hub, store *Store, logger *slog.Logger) *Server {
	return &Server{hub: hub, store: store, logger: logger.With("component", "desk")}
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle(PathBroker, s.hub)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc(api.PathCurrentUser, s.handleCurrentUser).Methods(http.MethodGet)
	r.HandleFunc("/api/messages/{self}/{counterpart}", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/agent/reply", s.handleReply).Methods(http.MethodPost)
	return r
}

// Start serves on addr until ctx is canceled
func (s *Server) Start(ctx context.Context, addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.hub.Close()
		_ = s.http.Shutdown(ctxShutdown)
	}()

	s.logger.Info("support desk listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": s.hub.Clients()})
}

func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	user, err := s.store.UserByToken(r.Context(), token)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "unknown token")
		return
	}
	if err != nil {
		s.logger.Error("failed to look up user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	self, err1 := strconv.ParseInt(vars["self"], 10, 64)
	counterpart, err2 := strconv.ParseInt(vars["counterpart"], 10, 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "participant ids must be integers")
		return
	}
	messages, err := s.store.Conversation(r.Context(), self, counterpart)
	if err != nil {
		s.logger.Error("failed to load conversation", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// ReplyRequest is the body of POST /api/agent/reply
type ReplyRequest struct {
	Destination int64  `json:"destination"`
	Text        string `json:"text"`
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	var req ReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Destination <= 0 || req.Text == "" {
		writeError(w, http.StatusBadRequest, "destination and text are required")
		return
	}

	msg, err := s.hub.Reply(r.Context(), req.Destination, req.Text)
	if err != nil {
		s.logger.Error("failed to send reply", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
