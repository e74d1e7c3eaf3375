package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pricegrid/orchestrator/internal/dispatcher"
	"github.com/pricegrid/orchestrator/internal/session"
	"github.com/pricegrid/orchestrator/internal/store"
)

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.JobKey == "" {
		writeError(w, http.StatusUnprocessableEntity, "job_key is required")
		return
	}

	sess, err := s.dispatcher.Start(r.Context(), req.JobKey, req.Config)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	f := store.SessionFilter{
		JobKey: r.URL.Query().Get("job_key"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := session.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "unknown status filter")
			return
		}
		f.Status = &st
	}

	sessions, err := s.sessions.List(r.Context(), f)
	if err != nil {
		s.writeInternalError(w, "list sessions", err)
		return
	}
	items := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		items = append(items, toSessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, listSessionsResponse{Sessions: items, Count: len(items)})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	logs, err := s.logs.ListBySession(r.Context(), id, store.LogFilter{Limit: 100})
	if err != nil {
		s.writeInternalError(w, "list session logs", err)
		return
	}
	resp := sessionDetailResponse{
		sessionResponse: toSessionResponse(sess),
		Logs:            toLogResponses(logs),
	}
	writeJSON(w, http.StatusOK, resp)
}

// patchSession accepts exactly one mutation: {"status": "canceling"}. The
// lifecycle is otherwise closed to direct edits.
func (s *Server) patchSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	var req patchSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.Status != string(session.StatusCanceling) {
		writeError(w, http.StatusUnprocessableEntity, "only {\"status\": \"canceling\"} is accepted")
		return
	}

	sess, err := s.dispatcher.RequestCancel(r.Context(), id)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) getSessionLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	if _, err := s.sessions.Get(r.Context(), id); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	f := store.LogFilter{
		Level:  r.URL.Query().Get("level"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	logs, err := s.logs.ListBySession(r.Context(), id, f)
	if err != nil {
		s.writeInternalError(w, "list session logs", err)
		return
	}
	writeJSON(w, http.StatusOK, sessionLogsResponse{SessionID: id, Logs: toLogResponses(logs)})
}

// stopSession forces the session to aborted on behalf of the operator, unlike
// the cooperative cancel via PATCH.
func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	sess, err := s.dispatcher.Abort(r.Context(), id, session.AbortActorUser)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) retryFailedURLs(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	sess, err := s.dispatcher.RetryFailedURLs(r.Context(), id)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

// writeDispatchError maps dispatcher and store errors onto the HTTP error
// taxonomy: conflicts carry the owning session id, lifecycle violations are
// 400, unknown records 404, everything else is an opaque 500.
func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	var conflict *dispatcher.ConflictError
	var illegal *store.IllegalTransitionError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, conflictResponse{
			Error:             "active session exists for job key",
			ExistingSessionID: conflict.ExistingID,
			ExistingStatus:    string(conflict.ExistingStatus),
		})
	case errors.Is(err, dispatcher.ErrNotTerminal):
		writeError(w, http.StatusBadRequest, "session is not terminal")
	case errors.Is(err, dispatcher.ErrNoFailedURLs):
		writeError(w, http.StatusBadRequest, "no failed urls to retry")
	case errors.As(err, &illegal):
		writeError(w, http.StatusBadRequest, illegal.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	default:
		s.writeInternalError(w, "session operation", err)
	}
}

func (s *Server) writeInternalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func sessionIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "session_id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "invalid session id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

type startSessionRequest struct {
	JobKey string            `json:"job_key"`
	Config dispatcher.Config `json:"config"`
}

type patchSessionRequest struct {
	Status string `json:"status"`
}

type conflictResponse struct {
	Error             string `json:"error"`
	ExistingSessionID int64  `json:"existing_session_id"`
	ExistingStatus    string `json:"existing_status,omitempty"`
}

type sessionResponse struct {
	ID                int64               `json:"id"`
	RunToken          string              `json:"run_token"`
	JobKey            string              `json:"job_key"`
	Status            string              `json:"status"`
	Dispatched        bool                `json:"dispatched"`
	PID               *int                `json:"pid,omitempty"`
	LastHeartbeat     *time.Time          `json:"last_heartbeat,omitempty"`
	TotalURLs         int                 `json:"total_urls"`
	PagesProcessed    int                 `json:"pages_processed"`
	ItemsUpdated      int                 `json:"items_updated"`
	ErrorsCount       int                 `json:"errors_count"`
	Limits            session.Limits      `json:"limits"`
	AbortActor        *session.AbortActor `json:"abort_actor,omitempty"`
	StartedAt         time.Time           `json:"started_at"`
	CollectFinishedAt *time.Time          `json:"collect_finished_at,omitempty"`
	FinishedAt        *time.Time          `json:"finished_at,omitempty"`
}

type sessionDetailResponse struct {
	sessionResponse
	Logs []logResponse `json:"logs"`
}

type listSessionsResponse struct {
	Sessions []sessionResponse `json:"sessions"`
	Count    int               `json:"count"`
}

type sessionLogsResponse struct {
	SessionID int64         `json:"session_id"`
	Logs      []logResponse `json:"logs"`
}

type logResponse struct {
	ID        int64     `json:"id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func toSessionResponse(sess session.Session) sessionResponse {
	return sessionResponse{
		ID:                sess.ID,
		RunToken:          sess.RunToken.String(),
		JobKey:            sess.JobKey,
		Status:            string(sess.Status),
		Dispatched:        sess.Dispatched,
		PID:               sess.PID,
		LastHeartbeat:     sess.LastHeartbeat,
		TotalURLs:         sess.TotalURLs,
		PagesProcessed:    sess.PagesProcessed,
		ItemsUpdated:      sess.ItemsUpdated,
		ErrorsCount:       sess.ErrorsCount,
		Limits:            sess.Limits,
		AbortActor:        sess.AbortActor,
		StartedAt:         sess.StartedAt,
		CollectFinishedAt: sess.CollectFinishedAt,
		FinishedAt:        sess.FinishedAt,
	}
}

func toLogResponses(logs []store.LogEntry) []logResponse {
	out := make([]logResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, logResponse{
			ID:        l.ID,
			Level:     l.Level,
			Message:   l.Message,
			CreatedAt: l.CreatedAt,
		})
	}
	return out
}
