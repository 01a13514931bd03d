package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joda/imagec/internal/controlapi/ws"
	"github.com/joda/imagec/internal/controller"
	"github.com/joda/imagec/internal/resultdb"
	"github.com/joda/imagec/internal/scheduler"
)

func init() { gin.SetMode(gin.TestMode) }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	sched := scheduler.New(nil)
	store, err := resultdb.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &Server{
		Controller: controller.New(sched, nil),
		Scheduler:  sched,
		Store:      store,
		Hub:        ws.NewHub(),
		Log:        slog.Default(),
	}
}

func TestHealthz_ReturnsOK(t *testing.T) {
	s := newTestServer(t)
	go s.Hub.Run()
	r := s.NewRouter("")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyz_ReportsSchedulerState(t *testing.T) {
	s := newTestServer(t)
	go s.Hub.Run()
	r := s.NewRouter("")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "IDLE", body["job"])
}

func TestJobStatus_ReflectsIdleState(t *testing.T) {
	s := newTestServer(t)
	go s.Hub.Run()
	r := s.NewRouter("")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/status", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "IDLE", body["state"])
}

func TestAPIKeyMiddleware_RejectsMissingKey(t *testing.T) {
	s := newTestServer(t)
	go s.Hub.Run()
	r := s.NewRouter("secret")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/status", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIKeyMiddleware_AcceptsCorrectKey(t *testing.T) {
	s := newTestServer(t)
	go s.Hub.Run()
	r := s.NewRouter("secret")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/status", nil)
	req.Header.Set("X-API-Key", "secret")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStopJob_AlwaysSucceedsWhenIdle(t *testing.T) {
	s := newTestServer(t)
	go s.Hub.Run()
	r := s.NewRouter("")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/stop", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStartJob_FailsWithoutBuildWorkConfigured(t *testing.T) {
	s := newTestServer(t)
	go s.Hub.Run()
	r := s.NewRouter("")

	dir := t.TempDir()
	body, _ := json.Marshal(map[string]any{
		"working_dir": dir,
		"settings": map[string]any{
			"run_id":   "r1",
			"channels": []map[string]any{{"channel_index": 0, "detection": map[string]any{"mode": "none"}}},
		},
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSetManualOutSorted_TogglesBitInStore(t *testing.T) {
	s := newTestServer(t)
	go s.Hub.Run()
	r := s.NewRouter("")

	ctx := context.Background()
	require.NoError(t, s.Store.UpsertAnalyze(ctx, resultdb.AnalyzeMeta{AnalyzeID: "a1"}))
	require.NoError(t, s.Store.UpsertPlate(ctx, resultdb.PlateMeta{AnalyzeID: "a1", PlateID: 1}))
	require.NoError(t, s.Store.UpsertImage(ctx, resultdb.ImageMeta{ImageID: "img1", PlateID: 1}))
	require.NoError(t, s.Store.UpsertChannel(ctx, resultdb.ChannelMeta{ChannelID: 0, AnalyzeID: "a1"}))
	require.NoError(t, s.Store.UpsertImageChannel(ctx, resultdb.ImageChannelMeta{ImageID: "img1", ChannelID: 0}))

	body, _ := json.Marshal(map[string]any{"out_sorted": true})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPatch, "/v1/image-channels/img1/0", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
}
