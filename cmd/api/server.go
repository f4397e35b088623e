package main

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"crownid/internal/crown"
	"crownid/internal/data"
	"crownid/internal/ensemble"
	"crownid/internal/features"
	"crownid/pkg/errors"
)

// server holds the ensemble being served. Predictions share the read lock;
// reloads take the write lock.
type server struct {
	mu     sync.RWMutex
	e      *ensemble.Ensemble
	load   func() (*ensemble.Ensemble, error)
	apiKey string
	log    *zap.Logger

	// maxBody caps the CSV accepted by /batch, in bytes.
	maxBody int64
}

const defaultMaxBody = 32 << 20

func newServer(load func() (*ensemble.Ensemble, error), apiKey string, log *zap.Logger) (*server, error) {
	s := &server{load: load, apiKey: apiKey, log: log, maxBody: defaultMaxBody}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *server) reload() error {
	e, err := s.load()
	if err == nil && !e.AverageProba() {
		err = errors.Configf("stored ensemble does not average probabilities")
	}
	if err != nil {
		reloads.WithLabelValues("error").Inc()
		return err
	}
	s.mu.Lock()
	s.e = e
	s.mu.Unlock()
	reloads.WithLabelValues("success").Inc()
	s.log.Info("ensemble loaded",
		zap.Strings("models", e.ModelNames()),
		zap.Strings("labels", e.Labels()),
		zap.Stringer("state", e.State()),
	)
	return nil
}

func (s *server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), instrument)

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/")
	api.Use(s.apiKeyMiddleware)
	api.POST("/predict", s.handlePredict)
	api.POST("/crowns", s.handleCrowns)
	api.POST("/batch", s.handleBatch)
	api.POST("/reload", s.handleReload)
	return r
}

func (s *server) apiKeyMiddleware(c *gin.Context) {
	if s.apiKey == "" {
		c.Next()
		return
	}
	if c.GetHeader("X-API-Key") != s.apiKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

type predictReq struct {
	Samples [][]float64 `json:"samples" binding:"required"`
	// nil uses calibrated models when the ensemble has them
	Calibrated *bool `json:"calibrated"`
}

type prediction struct {
	Species       string    `json:"species"`
	Probability   float64   `json:"probability"`
	Probabilities []float64 `json:"probabilities"`
}

type predictResp struct {
	Labels      []string     `json:"labels"`
	Calibrated  bool         `json:"calibrated"`
	Predictions []prediction `json:"predictions"`
}

type crownsReq struct {
	CrownIDs   []string    `json:"crown_ids" binding:"required"`
	Samples    [][]float64 `json:"samples" binding:"required"`
	Calibrated *bool       `json:"calibrated"`
}

type crownResult struct {
	CrownID       string             `json:"crown_id"`
	Species       string             `json:"species"`
	Probabilities map[string]float64 `json:"probabilities"`
}

type crownsResp struct {
	Calibrated bool          `json:"calibrated"`
	Crowns     []crownResult `json:"crowns"`
}

func (s *server) handleHealth(c *gin.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"models": s.e.ModelNames(),
		"labels": s.e.Labels(),
		"state":  s.e.State().String(),
	})
}

func (s *server) handlePredict(c *gin.Context) {
	var req predictReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	proba, calibrated, err := s.predict(req.Samples, req.Calibrated)
	if err != nil {
		s.fail(c, err)
		return
	}
	labels := s.e.Labels()
	resp := predictResp{Labels: labels, Calibrated: calibrated, Predictions: make([]prediction, len(proba))}
	for i, row := range proba {
		k := argmax(row)
		resp.Predictions[i] = prediction{Species: labels[k], Probability: row[k], Probabilities: row}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) handleCrowns(c *gin.Context) {
	var req crownsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.crowns(c, req.CrownIDs, req.Samples, req.Calibrated)
}

// handleBatch takes a CSV body laid out like the training table.
func (s *server) handleBatch(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody)
	t, err := data.ReadFeatures(c.Request.Body)
	if err != nil {
		s.fail(c, err)
		return
	}
	var calibrated *bool
	if v := c.Query("calibrated"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "calibrated must be a boolean"})
			return
		}
		calibrated = &b
	}
	s.crowns(c, t.CrownIDs, t.X, calibrated)
}

func (s *server) crowns(c *gin.Context, ids []string, X [][]float64, want *bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	proba, calibrated, err := s.predict(X, want)
	if err != nil {
		s.fail(c, err)
		return
	}
	groups, err := crown.Group(proba, ids)
	if err != nil {
		s.fail(c, err)
		return
	}
	labels := s.e.Labels()
	resp := crownsResp{Calibrated: calibrated, Crowns: make([]crownResult, len(groups))}
	for i, g := range groups {
		p := make(map[string]float64, len(labels))
		for k, l := range labels {
			p[l] = g.Proba[k]
		}
		resp.Crowns[i] = crownResult{CrownID: g.ID, Species: labels[argmax(g.Proba)], Probabilities: p}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) handleReload(c *gin.Context) {
	if err := s.reload(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

// predict must be called with the read lock held. Averaging is left to the
// ensemble's stored setting, which reload guarantees is on.
func (s *server) predict(X [][]float64, want *bool) ([][]float64, bool, error) {
	calibrated := s.e.IsCalibrated()
	if want != nil {
		calibrated = *want
	}
	rows, err := features.Prepare(X, s.e.BandMask(), s.e.Reducer())
	if err != nil {
		return nil, false, err
	}
	proba, err := s.e.PredictProba(rows, ensemble.PredictOptions{Calibrated: calibrated})
	if err != nil {
		return nil, false, err
	}
	samples.WithLabelValues(strconv.FormatBool(calibrated)).Add(float64(len(rows)))
	return proba.Mean, calibrated, nil
}

func (s *server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, errors.ErrDataShape), errors.Is(err, errors.ErrConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, errors.ErrState):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func argmax(row []float64) int {
	best := 0
	for k, p := range row {
		if p > row[best] {
			best = k
		}
	}
	return best
}
