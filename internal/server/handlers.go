package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/dgnsrekt/mirrorsync/internal/mirror"
	"github.com/dgnsrekt/mirrorsync/internal/ws"
)

const maxChangeBody = 1 << 20

type Server struct {
	log    *ChangeLog
	hub    *ws.Hub
	logger *zap.Logger
}

func NewServer(log *ChangeLog, hub *ws.Hub, logger *zap.Logger) *Server {
	return &Server{
		log:    log,
		hub:    hub,
		logger: logger,
	}
}

// ChangeRequest is the body of POST /changes.
type ChangeRequest struct {
	Entity  string          `json:"entity"`
	Method  mirror.Method   `json:"method"`
	Payload json.RawMessage `json:"payload"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Version int64 `json:"version"`
	Peers   int   `json:"peers"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleSnapshot serves the full data set for the initial fetch.
func (s *Server) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.log.Snapshot()
	s.logger.Debug("snapshot served", zap.Int64("version", snap.Version))
	writeJSON(w, http.StatusOK, snap)
}

// HandleChanges records a mutation and broadcasts it. Passing
// ?broadcast=false records it silently so subscribers see a gap.
func (s *Server) HandleChanges(w http.ResponseWriter, r *http.Request) {
	var req ChangeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChangeBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body: " + err.Error()})
		return
	}
	if req.Entity == "" || len(req.Payload) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "entity and payload are required"})
		return
	}

	broadcast := true
	if v := r.URL.Query().Get("broadcast"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid broadcast flag"})
			return
		}
		broadcast = b
	}

	rec, err := s.log.Apply(r.Context(), req.Entity, req.Method, req.Payload, broadcast)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, mirror.ErrUnknownEntity) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Version: s.log.Version(),
		Peers:   s.hub.PeerCount(),
	})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
