package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordCall(t *testing.T) {
	m := NewMetrics("test", prometheus.NewRegistry())

	m.RecordCall("orders.create", 201, "", 12)
	m.RecordCall("orders.create", 400, "INVALID_ARGUMENT", 3)
	m.RecordCall("orders.create", 304, "", 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("orders.create", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("orders.create", "4xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("orders.create", "3xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallErrors.WithLabelValues("orders.create", "INVALID_ARGUMENT")))
}

func TestRecordCacheAndViolations(t *testing.T) {
	m := NewMetrics("test", prometheus.NewRegistry())

	m.RecordCacheLookup("orders.get", true)
	m.RecordCacheLookup("orders.get", false)
	m.RecordCacheLookup("orders.get", false)
	m.RecordViolation("orders.createTwice", "multiple_data_store_operations")
	m.RecordRemoteCall("orders.get", false)
	m.RecordJob("orders.purge", "succeeded")
	m.RecordCacheStore("orders.get")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("orders.get", "hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("orders.get", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TxSafetyViolations.WithLabelValues("orders.createTwice", "multiple_data_store_operations")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RemoteCalls.WithLabelValues("orders.get", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CachedResponses.WithLabelValues("orders.get")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobExecutions.WithLabelValues("orders.purge", "succeeded")))
}

func TestSeparateRegistries(t *testing.T) {
	// 同一进程内可创建多组指标而不冲突
	assert.NotPanics(t, func() {
		NewMetrics("test", prometheus.NewRegistry())
		NewMetrics("test", prometheus.NewRegistry())
	})
}
