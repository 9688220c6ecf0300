package fraud

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *testEnv, *Analyzer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := newTestEnv(t, WithEvaluators(DefaultEvaluators(NewIPReputationEvaluator([]string{"198.51.100.66"}, nil, nil))...))
	analyzer := NewAnalyzer(env.engine, WithWorkers(1), WithQueueSize(2))
	handler := NewHandler(env.engine, analyzer)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterIngestRoutes(v1)
	return r, env, analyzer
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_Analyze(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	e := newEvent("u1", "login", baseTime)
	e.IPAddress = "198.51.100.66"
	w := doJSON(router, "POST", "/v1/fraud/analyze", e)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Analysis FraudAnalysisResult `json:"analysis"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 50, resp.Analysis.RiskScore)
	assert.Equal(t, RiskMedium, resp.Analysis.RiskLevel)
	assert.Equal(t, []string{TagBlacklistedIP}, resp.Analysis.Indicators)
	assert.NotEmpty(t, resp.Analysis.AlertID)
}

func TestHandler_AnalyzeInvalid(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	req := httptest.NewRequest("POST", "/v1/fraud/analyze", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Well-formed JSON missing userId degrades to an invalid_event result.
	w = doJSON(router, "POST", "/v1/fraud/analyze", map[string]string{"action": "login"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), TagInvalidEvent)
}

func TestHandler_AlertLifecycle(t *testing.T) {
	router, env, _ := setupTestRouter(t)
	ctx := context.Background()
	alert, err := env.engine.Alerts().CreateAlert(ctx, "u1", AlertHighRisk, 72, nil)
	require.NoError(t, err)
	_, err = env.engine.Alerts().CreateAlert(ctx, "u2", AlertHighRisk, 41, nil)
	require.NoError(t, err)

	w := doJSON(router, "GET", "/v1/fraud/alerts?userId=u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Alerts []FraudAlert `json:"alerts"`
		Count  int          `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, alert.ID, list.Alerts[0].ID)

	w = doJSON(router, "GET", "/v1/fraud/alerts/"+alert.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, "POST", "/v1/fraud/alerts/"+alert.ID+"/resolve", map[string]string{"resolvedBy": "analyst"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resolved struct {
		Alert FraudAlert `json:"alert"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resolved))
	assert.True(t, resolved.Alert.IsResolved)
	assert.Equal(t, "analyst", resolved.Alert.ResolvedBy)

	w = doJSON(router, "GET", "/v1/fraud/alerts?resolved=false", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
}

func TestHandler_ListAlertsPaginates(t *testing.T) {
	router, env, _ := setupTestRouter(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := env.engine.Alerts().CreateAlert(ctx, "u1", AlertHighRisk, 50+i, nil)
		require.NoError(t, err)
	}

	type page struct {
		Alerts     []FraudAlert `json:"alerts"`
		Count      int          `json:"count"`
		HasMore    bool         `json:"hasMore"`
		NextCursor string       `json:"nextCursor"`
	}
	seen := map[string]bool{}
	cursor := ""
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5, "pagination did not terminate")
		w := doJSON(router, "GET", "/v1/fraud/alerts?limit=2&cursor="+cursor, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var p page
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
		for _, a := range p.Alerts {
			assert.False(t, seen[a.ID], "duplicate %s", a.ID)
			seen[a.ID] = true
		}
		if !p.HasMore {
			assert.Empty(t, p.NextCursor)
			break
		}
		assert.Equal(t, 2, p.Count)
		cursor = p.NextCursor
	}
	assert.Len(t, seen, 5)

	w := doJSON(router, "GET", "/v1/fraud/alerts?cursor=not-base64!", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_AlertErrors(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	w := doJSON(router, "GET", "/v1/fraud/alerts/fa_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, "POST", "/v1/fraud/alerts/fa_missing/resolve", map[string]string{"resolvedBy": "analyst"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, "POST", "/v1/fraud/alerts/fa_missing/resolve", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, "GET", "/v1/fraud/alerts?resolved=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, "GET", "/v1/fraud/alerts?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Stats(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	w := doJSON(router, "GET", "/v1/fraud/stats?range=24h", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Stats FraudStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, TrendStable, resp.Stats.Trend.Direction)

	w = doJSON(router, "GET", "/v1/fraud/stats?range=forever", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Profile(t *testing.T) {
	router, env, _ := setupTestRouter(t)

	w := doJSON(router, "GET", "/v1/fraud/profiles/u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	env.engine.AnalyzeUserBehavior(context.Background(), newEvent("u1", "login", baseTime))
	w = doJSON(router, "GET", "/v1/fraud/profiles/u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"userId":"u1"`)
}

func TestHandler_IngestActivity(t *testing.T) {
	router, _, analyzer := setupTestRouter(t)

	w := doJSON(router, "POST", "/v1/activity", newEvent("u1", "login", baseTime))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, analyzer.QueueDepth())

	w = doJSON(router, "POST", "/v1/activity", map[string]string{"action": "login"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Queue holds two events and no worker is running.
	doJSON(router, "POST", "/v1/activity", newEvent("u1", "login", baseTime))
	w = doJSON(router, "POST", "/v1/activity", newEvent("u1", "login", baseTime))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
