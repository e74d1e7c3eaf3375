package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricegrid/orchestrator/internal/api"
	"github.com/pricegrid/orchestrator/internal/auth"
	"github.com/pricegrid/orchestrator/internal/config"
	"github.com/pricegrid/orchestrator/internal/dispatcher"
	"github.com/pricegrid/orchestrator/internal/health"
	"github.com/pricegrid/orchestrator/internal/registry"
	runnermem "github.com/pricegrid/orchestrator/internal/runner/memory"
	"github.com/pricegrid/orchestrator/internal/session"
	"github.com/pricegrid/orchestrator/internal/storage/memory"
	"github.com/pricegrid/orchestrator/internal/store"
)

const testSecret = "hush"

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fixture struct {
	server   *api.Server
	sessions *memory.SessionRepo
	urls     *memory.URLRepo
	logs     *memory.LogRepo
	runner   *runnermem.Runner
	signer   *auth.Signer
	clock    fixedClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := fixedClock{now: time.Unix(1700000000, 0).UTC()}
	sessions := memory.NewSessionRepo()
	urls := memory.NewURLRepo()
	logs := memory.NewLogRepo()
	runner := runnermem.New()
	signer := auth.NewSigner(testSecret)

	disp := dispatcher.New(sessions, urls, logs, runner, clock, nil)
	reg := registry.New(urls, clock, nil)
	monitor := health.NewMonitor(sessions, 15*time.Minute, clock, nil)
	reporter := health.NewReporter(monitor, func(context.Context) bool { return true }, clock)

	cfg := config.Config{
		Server: config.ServerConfig{Port: 8080},
		Worker: config.WorkerConfig{SharedSecret: testSecret, HeartbeatTimeoutMinutes: 15},
	}

	srv := api.NewServer(disp, reg, reporter, sessions, logs, signer, clock, cfg, nil)
	return &fixture{
		server:   srv,
		sessions: sessions,
		urls:     urls,
		logs:     logs,
		runner:   runner,
		signer:   signer,
		clock:    clock,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func TestStartSessionConflictCarriesExistingID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	first := f.do(t, http.MethodPost, "/sessions", map[string]any{"job_key": "skm_mebel"}, nil)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	created := decode[map[string]any](t, first)
	firstID := int64(created["id"].(float64))

	second := f.do(t, http.MethodPost, "/sessions", map[string]any{"job_key": "skm_mebel"}, nil)
	require.Equal(t, http.StatusConflict, second.Code)
	conflict := decode[map[string]any](t, second)
	assert.Equal(t, float64(firstID), conflict["existing_session_id"])
}

func TestStartSessionValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/sessions", map[string]any{"config": map[string]any{}}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSaveURLsInsertThenUpdate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	batch := func(invalidate bool) map[string]any {
		urls := []map[string]any{
			{"url": "https://shop.test/p/1", "is_valid": true, "material_type": "sofa"},
			{"url": "https://shop.test/p/2", "is_valid": true, "material_type": "sofa"},
			{"url": "https://shop.test/p/3", "is_valid": true, "material_type": "table"},
		}
		if invalidate {
			urls[1]["is_valid"] = false
			urls[1]["validation_error"] = "price missing"
		}
		return map[string]any{"job_key": "skm_mebel", "urls": urls}
	}

	rec := f.doSigned(t, "/save-urls", batch(false))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[map[string]any](t, rec)
	assert.Equal(t, float64(3), res["inserted_count"])
	assert.Equal(t, float64(0), res["updated_count"])

	rec = f.doSigned(t, "/save-urls", batch(true))
	require.Equal(t, http.StatusOK, rec.Code)
	res = decode[map[string]any](t, rec)
	assert.Equal(t, float64(0), res["inserted_count"])
	assert.Equal(t, float64(3), res["updated_count"])

	// Refreshes never move a row's status.
	rows, err := f.urls.ListByKey(context.Background(), "skm_mebel", store.URLFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, store.URLPending, row.Status)
	}
}

func TestSaveURLsBadSignature(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	body := map[string]any{"job_key": "skm_mebel", "urls": []map[string]any{{"url": "https://shop.test/p/1"}}}
	rec := f.do(t, http.MethodPost, "/save-urls", body, map[string]string{"X-Signature": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rows, err := f.urls.ListByKey(context.Background(), "skm_mebel", store.URLFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestUpdateTotalSignedField(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	sess := f.startSession(t, "skm_mebel")

	good := map[string]any{
		"session_id": sess.ID,
		"total_urls": 150,
		"token":      f.signer.SignField(sess.ID),
	}
	rec := f.do(t, http.MethodPost, "/update-total", good, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := f.sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 150, got.TotalURLs)

	bad := map[string]any{"session_id": sess.ID, "total_urls": 999, "token": "wrong"}
	rec = f.do(t, http.MethodPost, "/update-total", bad, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	got, err = f.sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 150, got.TotalURLs, "rejected call must not mutate state")
}

func TestUpdateTotalUnknownSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	body := map[string]any{
		"session_id": 4242,
		"total_urls": 10,
		"token":      f.signer.SignField(4242),
	}
	rec := f.do(t, http.MethodPost, "/update-total", body, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHeartbeatUpdatesLiveness(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	sess := f.startSession(t, "skm_mebel")
	f.advance(t, sess.ID, session.StatusCollecting, session.StatusCollectDone, session.StatusRunning)

	body := map[string]any{
		"session_id":      sess.ID,
		"pid":             4321,
		"pages_processed": 12,
		"items_updated":   40,
		"errors_count":    1,
		"token":           f.signer.SignField(sess.ID),
	}
	rec := f.do(t, http.MethodPost, "/heartbeat", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := f.sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PID)
	assert.Equal(t, 4321, *got.PID)
	require.NotNil(t, got.LastHeartbeat)
	assert.Equal(t, f.clock.now, got.LastHeartbeat.UTC())
	assert.Equal(t, 12, got.PagesProcessed)
}

func TestHeartbeatBadToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	sess := f.startSession(t, "skm_mebel")
	body := map[string]any{"session_id": sess.ID, "pid": 4321, "token": "wrong"}
	rec := f.do(t, http.MethodPost, "/heartbeat", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	got, err := f.sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PID)
}

func TestWorkerTransitionDrivesLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	sess := f.startSession(t, "skm_mebel")
	for _, target := range []string{"collecting", "collect_done", "running", "completed"} {
		body := map[string]any{"status": target, "token": f.signer.SignField(sess.ID)}
		rec := f.do(t, http.MethodPost, fmt.Sprintf("/sessions/%d/transition", sess.ID), body, nil)
		require.Equal(t, http.StatusOK, rec.Code, "target %s: %s", target, rec.Body.String())
	}

	got, err := f.sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, got.Status)
}

func TestWorkerTransitionSkipRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	sess := f.startSession(t, "skm_mebel")
	body := map[string]any{"status": "running", "token": f.signer.SignField(sess.ID)}
	rec := f.do(t, http.MethodPost, fmt.Sprintf("/sessions/%d/transition", sess.ID), body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkerTransitionCannotAbort(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	sess := f.startSession(t, "skm_mebel")
	body := map[string]any{"status": "aborted", "token": f.signer.SignField(sess.ID)}
	rec := f.do(t, http.MethodPost, fmt.Sprintf("/sessions/%d/transition", sess.ID), body, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestExportStateReflectsCancelRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	sess := f.startSession(t, "skm_mebel")
	rec := f.do(t, http.MethodGet, fmt.Sprintf("/sessions/%d/state", sess.ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode[map[string]any](t, rec)
	assert.Equal(t, false, state["should_stop"])

	patch := f.do(t, http.MethodPatch, fmt.Sprintf("/sessions/%d", sess.ID), map[string]any{"status": "canceling"}, nil)
	require.Equal(t, http.StatusOK, patch.Code, patch.Body.String())

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/sessions/%d/state", sess.ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state = decode[map[string]any](t, rec)
	assert.Equal(t, true, state["should_stop"])
	assert.Equal(t, "canceling", state["status"])
}

func TestPatchSessionOnlyAcceptsCanceling(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	sess := f.startSession(t, "skm_mebel")
	rec := f.do(t, http.MethodPatch, fmt.Sprintf("/sessions/%d", sess.ID), map[string]any{"status": "completed"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestStopSessionTerminalIs400(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	sess := f.startSession(t, "skm_mebel")
	first := f.do(t, http.MethodPost, fmt.Sprintf("/sessions/%d/stop", sess.ID), nil, nil)
	require.Equal(t, http.StatusOK, first.Code)
	stopped := decode[map[string]any](t, first)
	assert.Equal(t, "aborted", stopped["status"])
	assert.Equal(t, "user", stopped["abort_actor"])

	second := f.do(t, http.MethodPost, fmt.Sprintf("/sessions/%d/stop", sess.ID), nil, nil)
	assert.Equal(t, http.StatusBadRequest, second.Code)
}

func TestRetryFailedURLs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	sess := f.startSession(t, "skm_mebel")
	f.advance(t, sess.ID, session.StatusCollecting, session.StatusCollectDone, session.StatusRunning, session.StatusFailed)

	f.urls.Seed(store.DiscoveredURL{JobKey: "skm_mebel", URL: "https://shop.test/p/1", Status: store.URLFailed, IsValid: true})
	f.urls.Seed(store.DiscoveredURL{JobKey: "skm_mebel", URL: "https://shop.test/p/2", Status: store.URLFailed, IsValid: true})

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/sessions/%d/retry-failed-urls", sess.ID), nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	retry := decode[map[string]any](t, rec)
	assert.Equal(t, "collect_done", retry["status"])
	assert.Equal(t, float64(2), retry["total_urls"])
}

func TestRetryFailedURLsRejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	active := f.startSession(t, "skm_mebel")
	rec := f.do(t, http.MethodPost, fmt.Sprintf("/sessions/%d/retry-failed-urls", active.ID), nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "live source session")

	f.advance(t, active.ID, session.StatusCollecting, session.StatusCollectDone, session.StatusRunning, session.StatusCompleted)
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/sessions/%d/retry-failed-urls", active.ID), nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no failed urls")
}

func TestListSessionsFilters(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	a := f.startSession(t, "skm_mebel")
	f.startSession(t, "lamarty")
	f.advance(t, a.ID, session.StatusCollecting)

	rec := f.do(t, http.MethodGet, "/sessions?job_key=skm_mebel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string]any](t, rec)
	assert.Equal(t, float64(1), list["count"])

	rec = f.do(t, http.MethodGet, "/sessions?status=collecting", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list = decode[map[string]any](t, rec)
	assert.Equal(t, float64(1), list["count"])

	rec = f.do(t, http.MethodGet, "/sessions?status=bogus", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetSessionIncludesLogs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	sess := f.startSession(t, "skm_mebel")
	rec := f.do(t, http.MethodGet, fmt.Sprintf("/sessions/%d", sess.ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[map[string]any](t, rec)
	logs, ok := detail["logs"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, logs, "dispatch should have logged")

	rec = f.do(t, http.MethodGet, "/sessions/999999", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCollectURLsStartsCollectOnlySession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/collect-urls/skm_mebel", nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	dispatched := f.runner.Dispatched()
	require.Len(t, dispatched, 1)
	assert.True(t, dispatched[0].Config.CollectOnly)
	assert.False(t, dispatched[0].Config.SkipCollect)
}

func TestGetURLsGroupsAndFilters(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.urls.Seed(store.DiscoveredURL{JobKey: "skm_mebel", URL: "https://shop.test/p/1", MaterialType: "sofa", IsValid: true, Status: store.URLPending})
	f.urls.Seed(store.DiscoveredURL{JobKey: "skm_mebel", URL: "https://shop.test/p/2", MaterialType: "table", IsValid: true, Status: store.URLDone})
	f.urls.Seed(store.DiscoveredURL{JobKey: "skm_mebel", URL: "https://shop.test/p/3", MaterialType: "sofa", IsValid: false, Status: store.URLPending})

	rec := f.do(t, http.MethodGet, "/get-urls/skm_mebel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[map[string]any](t, rec)
	assert.Equal(t, float64(2), res["total"], "invalid rows excluded by default")

	rec = f.do(t, http.MethodGet, "/get-urls/skm_mebel?valid_only=false&material_type=sofa", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res = decode[map[string]any](t, rec)
	assert.Equal(t, float64(2), res["total"])
}

func TestURLStats(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.urls.Seed(store.DiscoveredURL{JobKey: "skm_mebel", URL: "https://shop.test/p/1", IsValid: true, Status: store.URLDone})
	f.urls.Seed(store.DiscoveredURL{JobKey: "skm_mebel", URL: "https://shop.test/p/2", IsValid: false, Status: store.URLFailed})

	rec := f.do(t, http.MethodGet, "/url-stats/skm_mebel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[map[string]any](t, rec)
	assert.Equal(t, float64(2), res["total"])
	assert.Equal(t, float64(1), res["valid"])
	assert.Equal(t, float64(1), res["invalid"])
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/health/system", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	system := decode[map[string]any](t, rec)
	assert.Equal(t, "excellent", system["status"])

	rec = f.do(t, http.MethodGet, "/health/keys/skm_mebel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	key := decode[map[string]any](t, rec)
	assert.Equal(t, float64(100), key["score"])
}

func TestAPIKeyGate(t *testing.T) {
	t.Parallel()

	clock := fixedClock{now: time.Unix(1700000000, 0).UTC()}
	sessions := memory.NewSessionRepo()
	urls := memory.NewURLRepo()
	logs := memory.NewLogRepo()
	signer := auth.NewSigner(testSecret)
	disp := dispatcher.New(sessions, urls, logs, runnermem.New(), clock, nil)
	monitor := health.NewMonitor(sessions, 15*time.Minute, clock, nil)
	reporter := health.NewReporter(monitor, func(context.Context) bool { return true }, clock)

	cfg := config.Config{
		Server: config.ServerConfig{Port: 8080},
		Auth:   config.AuthConfig{Enabled: true, APIKey: "operator-key"},
		Worker: config.WorkerConfig{SharedSecret: testSecret, HeartbeatTimeoutMinutes: 15},
	}
	srv := api.NewServer(disp, registry.New(urls, clock, nil), reporter, sessions, logs, signer, clock, cfg, nil)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("X-API-Key", "operator-key")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Worker callbacks stay outside the operator key gate.
	req = httptest.NewRequest(http.MethodGet, "/sessions/1/state", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// doSigned posts a signed-body payload the way the worker does.
func (f *fixture) doSigned(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("X-Signature", f.signer.SignBody(raw))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) startSession(t *testing.T, jobKey string) sessionEnvelope {
	t.Helper()

	rec := f.do(t, http.MethodPost, "/sessions", map[string]any{"job_key": jobKey}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out sessionEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (f *fixture) advance(t *testing.T, id int64, statuses ...session.Status) {
	t.Helper()
	for _, st := range statuses {
		_, err := f.sessions.Transition(context.Background(), id, st, nil, f.clock.now)
		require.NoError(t, err)
	}
}

type sessionEnvelope struct {
	ID       int64  `json:"id"`
	JobKey   string `json:"job_key"`
	Status   string `json:"status"`
	RunToken string `json:"run_token"`
}
