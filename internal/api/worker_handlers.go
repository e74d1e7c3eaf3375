package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pricegrid/orchestrator/internal/auth"
	"github.com/pricegrid/orchestrator/internal/metrics"
	"github.com/pricegrid/orchestrator/internal/registry"
	"github.com/pricegrid/orchestrator/internal/session"
	"github.com/pricegrid/orchestrator/internal/store"
)

// signatureHeader carries the signed-body signature for discovery batches.
const signatureHeader = "X-Signature"

// exportState gives the worker a machine-readable view of its own session so
// it can decide whether to keep running. A cooperative cancel surfaces here as
// should_stop.
func (s *Server) exportState(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workerStateResponse{
		SessionID:  sess.ID,
		RunToken:   sess.RunToken.String(),
		Status:     string(sess.Status),
		TotalURLs:  sess.TotalURLs,
		Limits:     sess.Limits,
		ShouldStop: sess.Status == session.StatusCanceling || sess.Status.IsTerminal(),
	})
}

// reportTransition lets the worker drive the lifecycle forward (collecting,
// collect_done, running, completed, failed). The token signs the session id.
func (s *Server) reportTransition(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if !s.verifyField(w, "transition", id, req.Token) {
		return
	}
	target, err := session.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "unknown status")
		return
	}
	if target == session.StatusAborted {
		// Forced aborts belong to operators; the worker reports failed instead.
		writeError(w, http.StatusUnprocessableEntity, "workers cannot abort sessions")
		return
	}

	sess, err := s.sessions.Transition(r.Context(), id, target, nil, s.clock.Now())
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	metrics.ObserveTransition(string(target))
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// updateTotal records the worker-reported collection total. The token signs
// the decimal session id; a mismatch never mutates state.
func (s *Server) updateTotal(w http.ResponseWriter, r *http.Request) {
	var req updateTotalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.SessionID <= 0 || req.TotalURLs < 0 {
		writeError(w, http.StatusUnprocessableEntity, "session_id and total_urls are required")
		return
	}
	if !s.verifyField(w, "update-total", req.SessionID, req.Token) {
		return
	}

	if err := s.sessions.SetTotalURLs(r.Context(), req.SessionID, req.TotalURLs); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.writeInternalError(w, "update total", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": req.SessionID, "total_urls": req.TotalURLs})
}

// saveURLs ingests one discovery batch. The signature header signs the raw
// body bytes, so the body is read before decoding.
func (s *Server) saveURLs(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBatchBytes))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "unreadable request body")
		return
	}
	signature := r.Header.Get(signatureHeader)
	if !s.signer.VerifyBody(body, signature) {
		metrics.ObserveAuthFailure("save-urls")
		s.logger.Warn("discovery batch signature rejected",
			zap.String("signature_prefix", auth.TruncateToken(signature)),
		)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var req saveURLsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.JobKey == "" {
		writeError(w, http.StatusUnprocessableEntity, "job_key is required")
		return
	}

	items := make([]store.URLUpsert, 0, len(req.URLs))
	for _, u := range req.URLs {
		items = append(items, store.URLUpsert{
			URL:             u.URL,
			MaterialType:    u.MaterialType,
			IsValid:         u.IsValid,
			ValidationError: u.ValidationError,
		})
	}

	result, err := s.registry.SaveDiscovered(r.Context(), req.JobKey, items, req.CollectedAt)
	if err != nil {
		var batchErr *registry.BatchError
		if errors.As(err, &batchErr) {
			writeJSON(w, http.StatusInternalServerError, batchErrorResponse{
				Error:  "discovery batch failed",
				Reason: batchErr.Reason,
				Result: result,
			})
			return
		}
		s.writeInternalError(w, "save urls", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// heartbeat refreshes liveness markers and progress counters. The token signs
// the decimal session id.
func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.SessionID <= 0 || req.PID <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "session_id and pid are required")
		return
	}
	if !s.verifyField(w, "heartbeat", req.SessionID, req.Token) {
		return
	}

	counters := store.Heartbeat{
		PagesProcessed: req.PagesProcessed,
		ItemsUpdated:   req.ItemsUpdated,
		ErrorsCount:    req.ErrorsCount,
	}
	if err := s.sessions.RecordHeartbeat(r.Context(), req.SessionID, req.PID, counters, s.clock.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.writeInternalError(w, "record heartbeat", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// verifyField checks a signed-field token and writes the 401 itself on
// mismatch. The presented token is never logged beyond a short prefix.
func (s *Server) verifyField(w http.ResponseWriter, endpoint string, sessionID int64, token string) bool {
	if s.signer.VerifyField(sessionID, token) {
		return true
	}
	metrics.ObserveAuthFailure(endpoint)
	s.logger.Warn("callback token rejected",
		zap.String("endpoint", endpoint),
		zap.Int64("session_id", sessionID),
		zap.String("token_prefix", auth.TruncateToken(token)),
	)
	writeError(w, http.StatusUnauthorized, "invalid token")
	return false
}

// maxBatchBytes caps a discovery batch body at 8 MiB.
const maxBatchBytes = 8 << 20

type workerStateResponse struct {
	SessionID  int64          `json:"session_id"`
	RunToken   string         `json:"run_token"`
	Status     string         `json:"status"`
	TotalURLs  int            `json:"total_urls"`
	Limits     session.Limits `json:"limits"`
	ShouldStop bool           `json:"should_stop"`
}

type transitionRequest struct {
	Status    string `json:"status"`
	Token     string `json:"token"`
	Timestamp string `json:"timestamp"`
}

type updateTotalRequest struct {
	SessionID int64  `json:"session_id"`
	TotalURLs int    `json:"total_urls"`
	Token     string `json:"token"`
	Timestamp string `json:"timestamp"`
}

type saveURLsRequest struct {
	JobKey      string          `json:"job_key"`
	URLs        []discoveryItem `json:"urls"`
	CollectedAt time.Time       `json:"collected_at"`
}

type discoveryItem struct {
	URL             string  `json:"url"`
	MaterialType    string  `json:"material_type"`
	IsValid         bool    `json:"is_valid"`
	ValidationError *string `json:"validation_error"`
}

type batchErrorResponse struct {
	Error  string               `json:"error"`
	Reason string               `json:"reason"`
	Result registry.BatchResult `json:"result"`
}

type heartbeatRequest struct {
	SessionID      int64  `json:"session_id"`
	PID            int    `json:"pid"`
	PagesProcessed int    `json:"pages_processed"`
	ItemsUpdated   int    `json:"items_updated"`
	ErrorsCount    int    `json:"errors_count"`
	Token          string `json:"token"`
	Timestamp      string `json:"timestamp"`
}
