package main

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"crownid/internal/ensemble"
	"crownid/internal/models"
	"crownid/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func fitted(t *testing.T, calibrate bool) *ensemble.Ensemble {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	var X [][]float64
	var y []int
	for c := 0; c < 2; c++ {
		for i := 0; i < 30; i++ {
			X = append(X, []float64{float64(c)*3 + rng.NormFloat64(), rng.NormFloat64()})
			y = append(y, c)
		}
	}
	rf := models.NewRandomForest()
	rf.NEstimators = 5
	cfg := ensemble.DefaultConfig()
	cfg.Classifiers = []models.Classifier{rf, models.NewDecisionTree()}
	cfg.Labels = []string{"ACRU", "QURU"}
	e, err := ensemble.New(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Fit(X, y, nil))
	if calibrate {
		require.NoError(t, e.Calibrate(X, y))
	}
	return e
}

func serve(t *testing.T, e *ensemble.Ensemble, key string) *gin.Engine {
	t.Helper()
	s, err := newServer(func() (*ensemble.Ensemble, error) { return e, nil }, key, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s.router()
}

func do(r http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	case nil:
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPredict(t *testing.T) {
	r := serve(t, fitted(t, true), "")
	w := do(r, http.MethodPost, "/predict", predictReq{Samples: [][]float64{{0, 0}, {3, 0}}}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp predictResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Calibrated)
	assert.Equal(t, []string{"ACRU", "QURU"}, resp.Labels)
	require.Len(t, resp.Predictions, 2)
	assert.Equal(t, "ACRU", resp.Predictions[0].Species)
	assert.Equal(t, "QURU", resp.Predictions[1].Species)
	for _, p := range resp.Predictions {
		assert.InDelta(t, 1.0, p.Probabilities[0]+p.Probabilities[1], 1e-9)
	}
}

func TestPredictCalibratedBeforeCalibrationConflicts(t *testing.T) {
	r := serve(t, fitted(t, false), "")
	yes := true
	w := do(r, http.MethodPost, "/predict", predictReq{Samples: [][]float64{{0, 0}}, Calibrated: &yes}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodPost, "/predict", predictReq{Samples: [][]float64{{0, 0}}}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPredictBadShape(t *testing.T) {
	r := serve(t, fitted(t, false), "")
	w := do(r, http.MethodPost, "/predict", predictReq{Samples: [][]float64{{0, 0, 1}}}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/predict", "{", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCrownsAverageRows(t *testing.T) {
	r := serve(t, fitted(t, true), "")
	req := crownsReq{
		CrownIDs: []string{"B", "A", "B"},
		Samples:  [][]float64{{3, 0}, {0, 0}, {3.2, 0.1}},
	}
	w := do(r, http.MethodPost, "/crowns", req, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp crownsResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Crowns, 2)
	assert.Equal(t, "A", resp.Crowns[0].CrownID)
	assert.Equal(t, "ACRU", resp.Crowns[0].Species)
	assert.Equal(t, "QURU", resp.Crowns[1].Species)
	assert.InDelta(t, 1.0, resp.Crowns[1].Probabilities["ACRU"]+resp.Crowns[1].Probabilities["QURU"], 1e-9)

	req.CrownIDs = req.CrownIDs[:2]
	w = do(r, http.MethodPost, "/crowns", req, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBatchCSV(t *testing.T) {
	r := serve(t, fitted(t, true), "")
	body := "crown_id,b1,b2\nC1,0,0\nC1,0.1,0\nC2,3,0\n"
	w := do(r, http.MethodPost, "/batch?calibrated=false", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp crownsResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Calibrated)
	require.Len(t, resp.Crowns, 2)
	assert.Equal(t, "C2", resp.Crowns[1].CrownID)

	w = do(r, http.MethodPost, "/batch?calibrated=maybe", body, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBatchBodyLimit(t *testing.T) {
	s, err := newServer(func() (*ensemble.Ensemble, error) { return fitted(t, true), nil }, "", zaptest.NewLogger(t))
	require.NoError(t, err)
	s.maxBody = 32
	r := s.router()

	body := "crown_id,b1,b2\n" + strings.Repeat("C1,0,0\n", 20)
	w := do(r, http.MethodPost, "/batch", body, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code, w.Body.String())

	w = do(r, http.MethodPost, "/batch", "crown_id,b1,b2\nC1,0,0\n", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAPIKey(t *testing.T) {
	r := serve(t, fitted(t, false), "secret")
	body := predictReq{Samples: [][]float64{{0, 0}}}
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodPost, "/predict", body, nil).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/predict", body, map[string]string{"X-API-Key": "secret"}).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health", nil, nil).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	r := serve(t, fitted(t, true), "")
	w := do(r, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"calibrated"`)

	do(r, http.MethodPost, "/predict", predictReq{Samples: [][]float64{{0, 0}}}, nil)
	w = do(r, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "crownid_api_requests_total"))
	assert.True(t, strings.Contains(w.Body.String(), "crownid_samples_predicted_total"))
}

func TestReload(t *testing.T) {
	first, second := fitted(t, false), fitted(t, true)
	calls := 0
	s, err := newServer(func() (*ensemble.Ensemble, error) {
		calls++
		switch calls {
		case 1:
			return first, nil
		case 2:
			return second, nil
		}
		return nil, errors.New("store unavailable")
	}, "", zaptest.NewLogger(t))
	require.NoError(t, err)
	r := s.router()

	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/reload", nil, nil).Code)
	assert.Same(t, second, s.e)

	assert.Equal(t, http.StatusInternalServerError, do(r, http.MethodPost, "/reload", nil, nil).Code)
	assert.Same(t, second, s.e)
}

func TestReloadRejectsUnaveragedEnsemble(t *testing.T) {
	cfg := ensemble.DefaultConfig()
	cfg.AverageProba = false
	flat, err := ensemble.New(cfg)
	require.NoError(t, err)
	_, err = newServer(func() (*ensemble.Ensemble, error) { return flat, nil }, "", zaptest.NewLogger(t))
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}
