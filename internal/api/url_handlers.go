package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pricegrid/orchestrator/internal/dispatcher"
	"github.com/pricegrid/orchestrator/internal/store"
)

// getURLs returns the registry for a key grouped by material type. Invalid
// rows are excluded unless valid_only=false is passed.
func (s *Server) getURLs(w http.ResponseWriter, r *http.Request) {
	jobKey := chi.URLParam(r, "job_key")
	f := store.URLFilter{
		MaterialType: r.URL.Query().Get("material_type"),
		ValidOnly:    r.URL.Query().Get("valid_only") != "false",
	}

	groups, err := s.registry.ListGrouped(r.Context(), jobKey, f)
	if err != nil {
		s.writeInternalError(w, "list urls", err)
		return
	}

	resp := urlGroupsResponse{JobKey: jobKey, Groups: make([]urlGroup, 0, len(groups))}
	for _, g := range groups {
		urls := make([]urlResponse, 0, len(g.URLs))
		for _, u := range g.URLs {
			urls = append(urls, toURLResponse(u))
		}
		resp.Groups = append(resp.Groups, urlGroup{
			MaterialType: g.MaterialType,
			Count:        len(urls),
			URLs:         urls,
		})
		resp.Total += len(urls)
	}
	writeJSON(w, http.StatusOK, resp)
}

// collectURLs starts a collect-only session: the worker discovers URLs and
// stops without processing them.
func (s *Server) collectURLs(w http.ResponseWriter, r *http.Request) {
	jobKey := chi.URLParam(r, "job_key")

	var req collectURLsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	cfg := req.Config
	cfg.CollectOnly = true
	cfg.SkipCollect = false

	sess, err := s.dispatcher.Start(r.Context(), jobKey, cfg)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (s *Server) urlStats(w http.ResponseWriter, r *http.Request) {
	jobKey := chi.URLParam(r, "job_key")
	stats, err := s.registry.Stats(r.Context(), jobKey)
	if err != nil {
		s.writeInternalError(w, "url stats", err)
		return
	}

	byStatus := make(map[string]int, len(stats.ByStatus))
	for st, n := range stats.ByStatus {
		byStatus[string(st)] = n
	}
	writeJSON(w, http.StatusOK, urlStatsResponse{
		JobKey:        jobKey,
		Total:         stats.Total,
		Valid:         stats.Valid,
		Invalid:       stats.Invalid,
		ByStatus:      byStatus,
		LastCollected: stats.LastCollected,
	})
}

type collectURLsRequest struct {
	Config dispatcher.Config `json:"config"`
}

type urlGroupsResponse struct {
	JobKey string     `json:"job_key"`
	Total  int        `json:"total"`
	Groups []urlGroup `json:"groups"`
}

type urlGroup struct {
	MaterialType string        `json:"material_type"`
	Count        int           `json:"count"`
	URLs         []urlResponse `json:"urls"`
}

type urlResponse struct {
	ID              int64     `json:"id"`
	URL             string    `json:"url"`
	MaterialType    string    `json:"material_type"`
	IsValid         bool      `json:"is_valid"`
	ValidationError *string   `json:"validation_error,omitempty"`
	Status          string    `json:"status"`
	Attempts        int       `json:"attempts"`
	ErrorCode       *string   `json:"error_code,omitempty"`
	ErrorMessage    *string   `json:"error_message,omitempty"`
	CollectedAt     time.Time `json:"collected_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

type urlStatsResponse struct {
	JobKey        string         `json:"job_key"`
	Total         int            `json:"total"`
	Valid         int            `json:"valid"`
	Invalid       int            `json:"invalid"`
	ByStatus      map[string]int `json:"by_status"`
	LastCollected *time.Time     `json:"last_collected,omitempty"`
}

func toURLResponse(u store.DiscoveredURL) urlResponse {
	return urlResponse{
		ID:              u.ID,
		URL:             u.URL,
		MaterialType:    u.MaterialType,
		IsValid:         u.IsValid,
		ValidationError: u.ValidationError,
		Status:          string(u.Status),
		Attempts:        u.Attempts,
		ErrorCode:       u.ErrorCode,
		ErrorMessage:    u.ErrorMessage,
		CollectedAt:     u.CollectedAt,
		LastSeenAt:      u.LastSeenAt,
	}
}
