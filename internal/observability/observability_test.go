package observability_test

import (
	"PerpSettle/internal/observability"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// =============================================================================
// Test: Health
// =============================================================================

func TestReadiness(t *testing.T) {
	cases := []struct {
		name       string
		ready      bool
		probeErr   error
		wantStatus int
		wantBody   string
	}{
		{"not ready", false, nil, http.StatusServiceUnavailable, "not_ready"},
		{"ready", true, nil, http.StatusOK, `"ready"`},
		{"probe failing", true, errors.New("connection refused"), http.StatusServiceUnavailable, "connection refused"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := observability.NewHealthChecker()
			h.SetReady(tc.ready)
			h.AddProbe("postgres", func(context.Context) error { return tc.probeErr })

			rec := httptest.NewRecorder()
			h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != tc.wantStatus {
				t.Errorf("status: got %d, want %d", rec.Code, tc.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tc.wantBody) {
				t.Errorf("body %q does not contain %q", rec.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestLiveness_AlwaysOK(t *testing.T) {
	h := observability.NewHealthChecker()
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "alive") {
		t.Errorf("liveness: %d %s", rec.Code, rec.Body.String())
	}
}

func TestCheck_ReportsFailuresByName(t *testing.T) {
	h := observability.NewHealthChecker()
	h.AddProbe("redis", func(context.Context) error { return errors.New("timeout") })
	h.AddProbe("nats", func(context.Context) error { return nil })

	failures := h.Check(context.Background())
	if len(failures) != 1 || failures["redis"] != "timeout" {
		t.Errorf("failures: %v", failures)
	}
}

// =============================================================================
// Test: Logging
// =============================================================================

func TestLogger_TagsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf, "sequencer")
	logger.Info().Int64("sequence", 7).Msg("started")

	out := buf.String()
	for _, want := range []string{`"component":"sequencer"`, `"sequence":7`, `"message":"started"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q missing %s", out, want)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"":      zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"loud":  zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := observability.ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

// =============================================================================
// Test: Metrics
// =============================================================================

func TestMetrics_ChannelGauges(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	m.SetChannelMetrics("persist", 256, 1024)

	if got := promtest.ToFloat64(m.ChannelSize.WithLabelValues("persist")); got != 256 {
		t.Errorf("size: got %v", got)
	}
	if got := promtest.ToFloat64(m.ChannelUtilization.WithLabelValues("persist")); got != 0.25 {
		t.Errorf("utilization: got %v", got)
	}
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	// Each core in a test process registers on its own registry.
	observability.NewMetrics(prometheus.NewRegistry())
	observability.NewMetrics(prometheus.NewRegistry())
}
