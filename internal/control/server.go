// Package control implements the read-mostly HTTP introspection API for a
// running daemon: session listing, single-session lookup and a liveness
// probe. There is no mutating surface (spec's connection set is driven
// entirely by configured peers and the wire protocol, not operator calls).
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/bmwcarit/ramses-connsys/internal/connsys"
)

// Sentinel errors for the control package.
var (
	// ErrMissingIdentifier indicates no iid or pid query parameter was given.
	ErrMissingIdentifier = errors.New("identifier must be iid or pid")

	// ErrParticipantNotFound indicates no participant matched the request.
	ErrParticipantNotFound = errors.New("participant not found")
)

// Snapshotter is the subset of *connsys.Dispatcher the server depends on.
type Snapshotter interface {
	Snapshot() []connsys.ParticipantSummary
}

// Server serves the control-plane HTTP API.
type Server struct {
	dispatcher Snapshotter
	log        *slog.Logger
}

// New builds a Server and returns the http.Handler to mount.
func New(dispatcher Snapshotter, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{dispatcher: dispatcher, log: log.With(slog.String("component", "control"))}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/participants", s.handleListParticipants)
	mux.HandleFunc("GET /v1/participants/{pid}", s.handleGetParticipant)
	return mux
}

// Participant is the wire representation of a connsys.ParticipantSummary.
type Participant struct {
	PID       string `json:"pid"`
	IID       uint64 `json:"iid"`
	Engine    string `json:"engine"`
	Role      string `json:"role,omitempty"`
	State     string `json:"state,omitempty"`
	SessionID uint64 `json:"session_id"`
	Connected bool   `json:"connected"`
}

func toParticipant(p connsys.ParticipantSummary) Participant {
	return Participant{
		PID:       p.PID.String(),
		IID:       uint64(p.IID),
		Engine:    p.Engine,
		Role:      p.Role,
		State:     p.State,
		SessionID: uint64(p.SessionID),
		Connected: p.Connected,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	summaries := s.dispatcher.Snapshot()

	if iidParam := r.URL.Query().Get("iid"); iidParam != "" {
		iid, err := strconv.ParseUint(iidParam, 10, 64)
		if err != nil {
			writeError(s.log, w, http.StatusBadRequest, fmt.Errorf("parse iid %q: %w", iidParam, err))
			return
		}
		filtered := summaries[:0:0]
		for _, p := range summaries {
			if uint64(p.IID) == iid {
				filtered = append(filtered, p)
			}
		}
		summaries = filtered
	}

	out := make([]Participant, 0, len(summaries))
	for _, p := range summaries {
		out = append(out, toParticipant(p))
	}

	writeJSON(w, http.StatusOK, map[string]any{"participants": out})
}

func (s *Server) handleGetParticipant(w http.ResponseWriter, r *http.Request) {
	pidParam := r.PathValue("pid")
	if pidParam == "" {
		writeError(s.log, w, http.StatusBadRequest, ErrMissingIdentifier)
		return
	}

	for _, p := range s.dispatcher.Snapshot() {
		if p.PID.String() == pidParam {
			writeJSON(w, http.StatusOK, toParticipant(p))
			return
		}
	}

	writeError(s.log, w, http.StatusNotFound, fmt.Errorf("pid %q: %w", pidParam, ErrParticipantNotFound))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(log *slog.Logger, w http.ResponseWriter, status int, err error) {
	log.Error("control: request failed", slog.Int("status", status), slog.String("err", err.Error()))
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
