package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/boardsync/pkg/metrics"
)

func TestMetricsHandler_serves_sync_counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewSync(reg)
	m.Sent("scene_update")
	m.Dropped("not_open")

	rec := httptest.NewRecorder()
	metricsHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `boardsync_messages_sent_total{type="scene_update"} 1`)
	assert.Contains(t, rec.Body.String(), `boardsync_messages_dropped_total{reason="not_open"} 1`)

	rec = httptest.NewRecorder()
	metricsHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
