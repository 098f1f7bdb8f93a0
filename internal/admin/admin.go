// Package admin is the room management HTTP API, guarded by a shared secret
// in the X-Admin-Code header.
package admin

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/videokall/videokall/internal/auth"
	"github.com/videokall/videokall/internal/metrics"
	"github.com/videokall/videokall/internal/registry"
)

const maxRoomNameLen = 100

const maxBodyBytes = 4 * 1024

// Metric names exposed via /metrics.
const (
	MetricRoomsCreated = "admin_rooms_created_total"
	MetricRoomsDeleted = "admin_rooms_deleted_total"
	MetricUnauthorized = "admin_unauthorized_total"
)

// Teardown disconnects every live participant of a room. Wired to the
// signaling hub; the admin API calls it after the registry row is removed.
type Teardown func(roomID string)

type Server struct {
	logger   *slog.Logger
	registry *registry.Registry
	verifier auth.AdminCodeVerifier
	teardown Teardown
	metrics  *metrics.Metrics
}

func NewServer(logger *slog.Logger, reg *registry.Registry, verifier auth.AdminCodeVerifier, teardown Teardown, m *metrics.Metrics) *Server {
	if teardown == nil {
		teardown = func(string) {}
	}
	return &Server{
		logger:   logger,
		registry: reg,
		verifier: verifier,
		teardown: teardown,
		metrics:  m,
	}
}

// Register mounts the admin routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("GET /api/admin/rooms", s.requireAdmin(s.handleList))
	mux.Handle("POST /api/admin/rooms", s.requireAdmin(s.handleCreate))
	mux.Handle("DELETE /api/admin/rooms/{id}", s.requireAdmin(s.handleDelete))
}

// requireAdmin rejects requests before any registry or hub state is touched.
func (s *Server) requireAdmin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.verifier.VerifyRequest(r); err != nil {
			s.metrics.Inc(MetricUnauthorized)
			writeError(w, http.StatusUnauthorized, "invalid admin code")
			return
		}
		next(w, r)
	})
}

type listResponse struct {
	Rooms []registry.Room `json:"rooms"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.registry.ListRooms(r.Context())
	if err != nil {
		s.logger.Error("list rooms failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Rooms: rooms})
}

type createRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}

	var req createRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if len(name) > maxRoomNameLen {
		writeError(w, http.StatusBadRequest, "name too long")
		return
	}

	room, err := s.registry.CreateRoom(r.Context(), name)
	if err != nil {
		s.logger.Error("create room failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.metrics.Inc(MetricRoomsCreated)
	s.logger.Info("room created", "room_id", room.ID, "name", room.Name)
	writeJSON(w, http.StatusCreated, room)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := registry.NormalizeRoomID(r.PathValue("id"))

	deleted, err := s.registry.DeleteRoom(r.Context(), id)
	if err != nil {
		s.logger.Error("delete room failed", "room_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}

	// Row first, then live members: once both are done a re-join cannot
	// resurrect the room.
	s.teardown(id)

	s.metrics.Inc(MetricRoomsDeleted)
	s.logger.Info("room deleted", "room_id", id)
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
