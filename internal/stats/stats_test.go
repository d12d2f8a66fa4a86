package stats

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	s := New()
	s.IncMeasureRequests()
	s.IncMeasureRequests()
	s.IncDeviceCreation()
	s.IncDeviceRemoval()
	s.IncCommand("queued")
	s.ObserveBroker("update", 204, 15*time.Millisecond)
	s.ObserveBroker("update", 0, time.Second)
	s.SetAlarm("ORION-ALARM", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(s.measureRequests))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.deviceCreation))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.deviceRemoval))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.commands.WithLabelValues("queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.brokerRequests.WithLabelValues("update", "204")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.brokerRequests.WithLabelValues("update", "0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.alarms.WithLabelValues("ORION-ALARM")))

	s.SetAlarm("ORION-ALARM", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(s.alarms.WithLabelValues("ORION-ALARM")))
}

func TestNilStats(t *testing.T) {
	var s *Stats
	assert.NotPanics(t, func() {
		s.IncMeasureRequests()
		s.IncDeviceCreation()
		s.IncDeviceRemoval()
		s.IncCommand("pushed")
		s.ObserveBroker("query", 200, time.Millisecond)
		s.SetAlarm("MONGO-ALARM", true)
	})
}

func TestHandler(t *testing.T) {
	s := New()
	s.IncDeviceCreation()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "iota_device_creation_requests_total 1"))
}
