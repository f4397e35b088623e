package main

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crownid_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"route", "status"},
	)

	latency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crownid_api_latency_seconds",
			Help:    "API request latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"route"},
	)

	samples = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crownid_samples_predicted_total",
			Help: "Total number of samples predicted",
		},
		[]string{"calibrated"},
	)

	reloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crownid_model_reloads_total",
			Help: "Total number of ensemble reloads",
		},
		[]string{"status"}, // success|error
	)
)

func init() {
	prometheus.MustRegister(requests, latency, samples, reloads)
}

func instrument(c *gin.Context) {
	start := time.Now()
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	requests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
}
