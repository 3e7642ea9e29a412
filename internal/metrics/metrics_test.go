package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subvalidator/internal/types"
)

func invalidResult(reason string) types.ValidationResult {
	return types.ValidationResult{IsValid: false, Reason: &reason}
}

func TestPrometheus_CacheCounters(t *testing.T) {
	m := NewPrometheus()

	m.CacheHit()
	m.CacheHit()
	m.CacheMiss()
	m.FetchFailed(types.ErrCodeNotFoundCompany)
	m.Evicted(3)
	m.Evicted(0)
	m.Size(7)
	m.Computed(invalidResult(types.ReasonStorageExceeded))
	m.Computed(types.ValidationResult{IsValid: true})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetchErrors.WithLabelValues("not_found_company")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.evictions))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.cacheEntries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.verdicts.WithLabelValues("false", "Storage_limit_exceeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.verdicts.WithLabelValues("true", "none")))
}

func TestPrometheus_HandlerExposesMetrics(t *testing.T) {
	m := NewPrometheus()
	m.RecordRequest(http.MethodPost, "/api/subscription/validate-daily", "200", 12*time.Millisecond)
	m.RecordWebhook("customer.subscription.updated", "applied")
	m.BreakerStateChanged("subscription-store", gobreaker.StateClosed, gobreaker.StateOpen)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, `subvalidator_http_requests_total{method="POST",route="/api/subscription/validate-daily",status="200"} 1`)
	assert.Contains(t, body, `subvalidator_store_breaker_state{breaker="subscription-store"} 2`)
	assert.Contains(t, body, `subvalidator_webhook_events_total{outcome="applied",type="customer.subscription.updated"} 1`)
}

func TestSanitizeLabel(t *testing.T) {
	assert.Equal(t, "unknown", sanitizeLabel(""))
	assert.Equal(t, "a_b", sanitizeLabel("a b"))
	assert.Len(t, sanitizeLabel(strings.Repeat("x", 100)), maxLabelLen)
}

type fakeCloudWatch struct {
	mu     sync.Mutex
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (f *fakeCloudWatch) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, f.err
}

func datumsByName(in *cloudwatch.PutMetricDataInput) map[string]cwtypes.MetricDatum {
	out := make(map[string]cwtypes.MetricDatum)
	for _, d := range in.MetricData {
		out[aws.ToString(d.MetricName)] = d
	}
	return out
}

func TestCloudWatch_FlushAggregatesAndResets(t *testing.T) {
	client := &fakeCloudWatch{}
	m := NewCloudWatch(client, "", nil)

	m.CacheHit()
	m.CacheHit()
	m.CacheMiss()
	m.FetchFailed(types.ErrCodeUpstreamStore)
	m.Computed(invalidResult(types.ReasonSubscriptionInactive))
	m.Size(4)
	m.RecordRequest(http.MethodGet, "/api/subscription/cache-stats", "200", 5*time.Millisecond)

	require.NoError(t, m.Flush(context.Background()))
	require.Len(t, client.inputs, 1)
	assert.Equal(t, types.MetricNamespace, aws.ToString(client.inputs[0].Namespace))

	got := datumsByName(client.inputs[0])
	assert.Equal(t, 2.0, aws.ToFloat64(got[types.MetricCacheHit].Value))
	assert.Equal(t, 1.0, aws.ToFloat64(got[types.MetricCacheMiss].Value))
	assert.Equal(t, 1.0, aws.ToFloat64(got[types.MetricCacheFetchError].Value))
	assert.Equal(t, 1.0, aws.ToFloat64(got[types.MetricVerdictInvalid].Value))
	assert.Equal(t, 4.0, aws.ToFloat64(got[types.MetricCacheSize].Value))
	assert.Equal(t, []float64{5}, got[types.MetricAPILatency].Values)

	require.NoError(t, m.Flush(context.Background()))
	second := datumsByName(client.inputs[1])
	assert.NotContains(t, second, types.MetricCacheHit, "counters reset after flush")
	assert.Contains(t, second, types.MetricCacheSize, "size is a gauge and is re-sent")
}

func TestCloudWatch_FlushError(t *testing.T) {
	client := &fakeCloudWatch{err: errors.New("throttled")}
	m := NewCloudWatch(client, "Custom", nil)
	m.CacheHit()

	assert.Error(t, m.Flush(context.Background()))
}

func TestCloudWatch_FlushNothingRecorded(t *testing.T) {
	client := &fakeCloudWatch{}
	m := NewCloudWatch(client, "", nil)

	require.NoError(t, m.Flush(context.Background()))
	assert.Empty(t, client.inputs)
}
