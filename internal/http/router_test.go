package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/safeshift/backend/internal/ai"
	"github.com/safeshift/backend/internal/alerting"
	"github.com/safeshift/backend/internal/config"
	"github.com/safeshift/backend/internal/db"
	"github.com/safeshift/backend/internal/events"
	"github.com/safeshift/backend/internal/metrics"
	"github.com/safeshift/backend/internal/risk"
	"github.com/safeshift/backend/internal/service"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m)
}

const adminKey = "test-admin"

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	store := db.NewMemoryStore()
	mock := ai.MockAnalyzer{}
	m := metrics.New()
	logger := zerolog.Nop()

	svc := &service.ProcessingService{
		Store: store,
		Orchestrator: &service.Orchestrator{
			Safety: mock, Coach: mock, Classifier: mock, Crisis: mock,
			Logger: logger, Recorder: store, Metrics: m,
		},
		Alerts:    alerting.NewEngine(store, alerting.Options{Logger: logger, Metrics: m}),
		Detector:  risk.NewAnomalyDetector(store, 0),
		Predictor: risk.NewTrendPredictor(store, 0),
		Events:    events.Nop{},
		Metrics:   m,
		Validator: service.NewValidator(),
		Logger:    logger,
	}
	cfg := config.Config{AdminKey: adminKey, CORSAllowed: "*"}
	return Router(cfg, store, svc, m.Handler(), logger)
}

func do(r *gin.Engine, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("X-Admin-Key", adminKey)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func severeObservation() map[string]any {
	return map[string]any{
		"subject_id":     "nurse-7",
		"date":           "2026-05-20",
		"hours_rested":   3,
		"category":       "night",
		"duration_hours": 16,
		"load_count":     15,
		"strain":         9,
	}
}

func TestCreateObservation(t *testing.T) {
	r := newTestRouter(t)
	w := do(r, http.MethodPost, "/api/observations", severeObservation(), false)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var res service.ProcessResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 93, res.Score.Value)
	assert.NotEmpty(t, res.Observation.ID)
	assert.NotEmpty(t, res.AlertsCreated)

	d := do(r, http.MethodGet, "/api/observations/"+res.Observation.ID, nil, false)
	require.Equal(t, http.StatusOK, d.Code)
	assert.Contains(t, d.Body.String(), `"insight"`)
}

func TestCreateObservationValidation(t *testing.T) {
	r := newTestRouter(t)

	obs := severeObservation()
	obs["strain"] = 11
	w := do(r, http.MethodPost, "/api/observations", obs, false)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var eb errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &eb))
	assert.Equal(t, "VALIDATION_ERROR", eb.Error.Code)
	assert.Equal(t, "strain", eb.Error.Details["field"])

	obs = severeObservation()
	obs["date"] = "yesterday"
	w = do(r, http.MethodPost, "/api/observations", obs, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	obs = severeObservation()
	obs["category"] = "swing"
	w = do(r, http.MethodPost, "/api/observations", obs, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/observations", "not an object", false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResolveAlertFlow(t *testing.T) {
	r := newTestRouter(t)
	w := do(r, http.MethodPost, "/api/observations", severeObservation(), false)
	require.Equal(t, http.StatusCreated, w.Code)
	var res service.ProcessResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.NotEmpty(t, res.AlertsCreated)
	id := res.AlertsCreated[0].ID

	w = do(r, http.MethodPost, "/api/alerts/"+id+"/resolve", nil, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/api/alerts/"+id+"/resolve", map[string]string{"resolved_by": "charge nurse", "action": "called"}, true)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodPost, "/api/alerts/"+id+"/resolve", nil, true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/api/subjects/nurse-7/alerts/summary", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var s alerting.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	assert.Equal(t, len(res.AlertsCreated)-1, s.TotalActive)
	assert.Len(t, s.BySeverity, 4)

	w = do(r, http.MethodGet, "/api/subjects/nurse-7/alerts?limit=1", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(r, http.MethodGet, "/api/subjects/nurse-7/alerts?limit=0", nil, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateObservationNeedsAdminAndExisting(t *testing.T) {
	r := newTestRouter(t)
	w := do(r, http.MethodPut, "/api/observations/nope", severeObservation(), false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = do(r, http.MethodPut, "/api/observations/nope", severeObservation(), true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubjectReads(t *testing.T) {
	r := newTestRouter(t)

	w := do(r, http.MethodGet, "/api/subjects/nobody/forecast", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"insufficient_data"`)

	w = do(r, http.MethodGet, "/api/subjects/nobody/forecast?horizon_days=0", nil, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/api/subjects/nobody/anomalies", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"anomalies":[]`)
}

func TestOperationalEndpoints(t *testing.T) {
	r := newTestRouter(t)
	do(r, http.MethodPost, "/api/observations", severeObservation(), false)

	w := do(r, http.MethodGet, "/healthz", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/metrics", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "safeshift_observations_processed_total")

	w = do(r, http.MethodGet, "/api/stages/stats", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"stage":"safety"`)

	w = do(r, http.MethodGet, "/api/stages/stats?days=abc", nil, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
