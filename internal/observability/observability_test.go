package observability_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"LeverLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, observability.ParseLogLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, observability.ParseLogLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, observability.ParseLogLevel(""))
	assert.Equal(t, zerolog.InfoLevel, observability.ParseLogLevel("verbose"))
}

func TestLoggerTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf, "core", zerolog.InfoLevel)
	logger.Debug().Msg("hidden")
	logger.Info().Int64("sequence", 7).Msg("applied")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "core", line["component"])
	assert.Equal(t, "applied", line["message"])
	assert.EqualValues(t, 7, line["sequence"])
}

func TestMetricsIsolatedRegistry(t *testing.T) {
	m := observability.NewMetricsWith(prometheus.NewRegistry())
	m.CoreCommandsApplied.WithLabelValues("BuyTokens").Inc()
	m.SetChannelMetrics("persist", 5, 10)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CoreCommandsApplied.WithLabelValues("BuyTokens")))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.ChannelUtilization.WithLabelValues("persist")))

	// A second instance on its own registry must not collide.
	_ = observability.NewMetricsWith(prometheus.NewRegistry())
}

func TestReadiness(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.AddProbe("redis", func() error { return errors.New("connection refused") })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")

	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
