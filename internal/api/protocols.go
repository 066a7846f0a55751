package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/foundry/internal/hosts"
	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/project"
	"github.com/seantiz/foundry/internal/protocol"
	"github.com/seantiz/foundry/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createProtocolRequest is the JSON body for POST /v1/protocols.
type createProtocolRequest struct {
	Class string `json:"class"`
	project.ProtocolOptions
}

// listProtocolsResponse wraps the paginated list response.
type listProtocolsResponse struct {
	Protocols []*model.Protocol `json:"protocols"`
	Total     int               `json:"total"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

// launchRequest is the optional JSON body for POST /v1/protocols/{id}/launch.
type launchRequest struct {
	Force bool `json:"force"`
}

// scheduleRequest is the optional JSON body for POST /v1/protocols/{id}/schedule.
type scheduleRequest struct {
	InitialSleepS int     `json:"initial_sleep_s"`
	SleepTimeS    int     `json:"sleep_time_s"`
	WaitFor       []int64 `json:"wait_for"`
}

// scheduleAllRequest is the optional JSON body for POST /v1/protocols/schedule-all.
type scheduleAllRequest struct {
	IDs []int64 `json:"ids"`
}

func (s *Server) handleCreateProtocol(w http.ResponseWriter, r *http.Request) {
	var req createProtocolRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	if req.Class == "" {
		s.writeError(w, http.StatusBadRequest, "class is required")
		return
	}

	p, err := s.project.NewProtocol(r.Context(), req.Class, req.ProtocolOptions)
	if err != nil {
		s.writeProtocolError(w, "create protocol", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProtocol(w http.ResponseWriter, r *http.Request) {
	id, ok := s.protocolID(w, r)
	if !ok {
		return
	}
	p, err := s.project.Update(r.Context(), id)
	if err != nil {
		s.writeProtocolError(w, "get protocol", err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListProtocols(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		if err := s.project.RefreshAll(r.Context()); err != nil {
			s.logger.Warn("refresh protocols", "error", err)
		}
	}

	protocols, err := s.project.List(r.Context())
	if err != nil {
		s.logger.Error("list protocols", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list protocols")
		return
	}

	total := len(protocols)
	page := protocols[min(offset, total):min(offset+limit, total)]
	if page == nil {
		page = []*model.Protocol{}
	}

	s.writeJSON(w, http.StatusOK, listProtocolsResponse{
		Protocols: page,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	id, ok := s.protocolID(w, r)
	if !ok {
		return
	}
	steps, err := s.project.Steps(r.Context(), id)
	if err != nil {
		s.writeProtocolError(w, "list steps", err)
		return
	}
	if steps == nil {
		steps = []*model.Step{}
	}
	s.writeJSON(w, http.StatusOK, steps)
}

func (s *Server) handleLaunchProtocol(w http.ResponseWriter, r *http.Request) {
	id, ok := s.protocolID(w, r)
	if !ok {
		return
	}
	var req launchRequest
	if !s.decodeBody(w, r, &req, true) {
		return
	}

	p, err := s.project.Launch(r.Context(), id, project.LaunchOptions{Force: req.Force})
	if err != nil {
		s.writeProtocolError(w, "launch protocol", err)
		return
	}
	s.broker.Reopen(id)
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleScheduleProtocol(w http.ResponseWriter, r *http.Request) {
	id, ok := s.protocolID(w, r)
	if !ok {
		return
	}
	var req scheduleRequest
	if !s.decodeBody(w, r, &req, true) {
		return
	}

	p, err := s.project.Schedule(r.Context(), id, project.ScheduleOptions{
		InitialSleep: time.Duration(req.InitialSleepS) * time.Second,
		SleepTime:    time.Duration(req.SleepTimeS) * time.Second,
		WaitFor:      req.WaitFor,
	})
	if err != nil {
		s.writeProtocolError(w, "schedule protocol", err)
		return
	}
	s.broker.Reopen(id)
	s.writeJSON(w, http.StatusAccepted, p)
}

func (s *Server) handleScheduleAll(w http.ResponseWriter, r *http.Request) {
	var req scheduleAllRequest
	if !s.decodeBody(w, r, &req, true) {
		return
	}
	if err := s.project.ScheduleAll(r.Context(), req.IDs); err != nil {
		s.writeProtocolError(w, "schedule protocols", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *Server) handleStopProtocol(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "stop protocol", s.project.Stop)
}

func (s *Server) handleResetProtocol(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "reset protocol", s.project.Reset)
}

func (s *Server) handleDeleteProtocol(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "delete protocol", s.project.Delete)
}

func (s *Server) handleContinueProtocol(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "continue protocol", s.project.Continue)
}

// lifecycle runs a body-less protocol operation and writes the result.
func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, id int64) (*model.Protocol, error)) {
	id, ok := s.protocolID(w, r)
	if !ok {
		return
	}
	p, err := fn(r.Context(), id)
	if err != nil {
		s.writeProtocolError(w, op, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

// protocolID parses the {id} URL parameter, writing a 400 when it is invalid.
func (s *Server) protocolID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid protocol id")
		return 0, false
	}
	return id, true
}

// decodeBody decodes a JSON request body into v. An empty body is accepted
// when optional is set.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	s.writeError(w, http.StatusBadRequest, "invalid JSON body")
	return false
}

// writeProtocolError maps project errors to HTTP status codes.
func (s *Server) writeProtocolError(w http.ResponseWriter, op string, err error) {
	var verr *protocol.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "protocol not found")
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "protocol does not validate", "problems": verr.Problems})
	case errors.Is(err, protocol.ErrUnknownDefinition), errors.Is(err, hosts.ErrUnknownHost):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, project.ErrActive), errors.Is(err, project.ErrNotReady), errors.Is(err, project.ErrNotInteractive),
		errors.Is(err, store.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
