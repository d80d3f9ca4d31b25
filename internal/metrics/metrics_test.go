package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.scans, "scans counter should be initialized")
	assert.NotNil(t, collector.lookups, "lookups counter should be initialized")
	assert.NotNil(t, collector.lookupLatency, "lookupLatency histogram should be initialized")
	assert.NotNil(t, collector.items, "items gauge should be initialized")
}

func TestNewCollectorDefaultRegistry(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	assert.NotPanics(t, func() { NewCollector(nil) })
}

func TestRecordScanAndPhotoEye(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	for i := 0; i < 3; i++ {
		c.RecordScan()
	}
	c.RecordPhotoEye("matched")
	c.RecordPhotoEye("orphan")
	c.RecordPhotoEye("orphan")

	assert.Equal(t, 3.0, testutil.ToFloat64(c.scans))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.photoEyes.WithLabelValues("matched")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.photoEyes.WithLabelValues("orphan")))
}

func TestRecordLookup(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordLookup("ok", 120*time.Millisecond)
	c.RecordLookup("cache_hit", 0)
	c.RecordReauth()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.lookups.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.lookups.WithLabelValues("cache_hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reauths))
	assert.Equal(t, 1, testutil.CollectAndCount(c.lookupLatency))
}

func TestActuationAndErrored(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordActuation(true)
	c.RecordActuation(false)
	c.RecordErrored("actuation_failure")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.actuations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.actuations.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errored.WithLabelValues("actuation_failure")))
}

func TestGauges(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.UpdateItemStats(2, 1, 4, 3)
	c.SetBeltSpeed(20)
	c.SetBreakerOpen(true)
	c.SetEventsDropped(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.items.WithLabelValues("pending")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.items.WithLabelValues("routed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.queueDepth))
	assert.Equal(t, 20.0, testutil.ToFloat64(c.beltSpeed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerOpen))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.eventsDropped))

	c.SetBreakerOpen(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.breakerOpen))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.RecordScan()
	c.ObserveTick(time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sortline_scans_total 1")
	assert.Contains(t, string(body), "sortline_tick_duration_seconds_count 1")
}
