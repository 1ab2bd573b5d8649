package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordOpen("PAPER")
		m.RecordFallback("GMX", "open")
		m.RecordPersistFailure("redis")
		m.SetLedger(decimal.NewFromInt(1), decimal.NewFromInt(2), 3)
	})
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.RecordFallback("GMX", "open")
	m.RecordFallback("GMX", "open")
	m.RecordLiquidation()
	m.SetLedger(decimal.NewFromInt(1500), decimal.NewFromInt(100000), 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.venueFallbacks.WithLabelValues("GMX", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.liquidations))
	assert.Equal(t, 1500.0, testutil.ToFloat64(m.openInterest))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "perpengine_venue_fallbacks_total"))
}
