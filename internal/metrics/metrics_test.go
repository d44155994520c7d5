package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.ScanFinished("regular", "ok", time.Second)
		r.ProviderCall("snapshot", time.Second, errors.New("boom"))
		r.SignalInsert(true)
		r.Notification("sent")
		r.TierSizes(map[string]int{"high": 1})
	})
}

func TestCountersRecord(t *testing.T) {
	r := New()

	r.SignalInsert(true)
	r.SignalInsert(false)
	r.SignalInsert(false)
	r.ProviderCall("snapshot", 10*time.Millisecond, errors.New("timeout"))
	r.Enqueued("scan_queue", 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.SignalsStored.WithLabelValues("inserted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.SignalsStored.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ProviderRequests.WithLabelValues("snapshot", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.JobsEnqueued.WithLabelValues("scan_queue")))
}

func TestHandlerExposesNamespace(t *testing.T) {
	r := New()
	r.Notification("sent")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `ffalerts_notifications_total{outcome="sent"} 1`))
}
