package metrics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"subvalidator/internal/types"
)

// CloudWatchClient abstracts PutMetricData for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatch aggregates activity in memory and publishes it on Flush.
// Recording never performs I/O so it is safe on the request path.
type CloudWatch struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	evicted   atomic.Int64
	size      atomic.Int64
	sizeSeen  atomic.Bool
	fetchErrs sync.Map // types.ErrorCode -> *atomic.Int64
	invalid   sync.Map // reason -> *atomic.Int64

	mu        sync.Mutex
	latencies map[string][]float64 // endpoint -> milliseconds
}

// NewCloudWatch creates a CloudWatch emitter. An empty namespace uses
// types.MetricNamespace.
func NewCloudWatch(client CloudWatchClient, ns string, logger *slog.Logger) *CloudWatch {
	if ns == "" {
		ns = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatch{
		client:    client,
		namespace: ns,
		logger:    logger,
		latencies: make(map[string][]float64),
	}
}

func (m *CloudWatch) CacheHit()  { m.hits.Add(1) }
func (m *CloudWatch) CacheMiss() { m.misses.Add(1) }

func (m *CloudWatch) FetchFailed(code types.ErrorCode) {
	counter(&m.fetchErrs, string(code)).Add(1)
}

func (m *CloudWatch) Computed(result types.ValidationResult) {
	if !result.IsValid {
		counter(&m.invalid, result.ReasonText()).Add(1)
	}
}

func (m *CloudWatch) Evicted(n int) { m.evicted.Add(int64(n)) }

func (m *CloudWatch) Size(n int) {
	m.size.Store(int64(n))
	m.sizeSeen.Store(true)
}

// RecordRequest implements core.MetricsCollector.
func (m *CloudWatch) RecordRequest(_, endpoint, _ string, duration time.Duration) {
	m.mu.Lock()
	m.latencies[endpoint] = append(m.latencies[endpoint], float64(duration.Milliseconds()))
	m.mu.Unlock()
}

func counter(m *sync.Map, key string) *atomic.Int64 {
	if v, ok := m.Load(key); ok {
		return v.(*atomic.Int64)
	}
	v, _ := m.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// maxDatumsPerCall is the PutMetricData limit.
const maxDatumsPerCall = 1000

// Flush publishes and resets everything recorded since the last flush.
func (m *CloudWatch) Flush(ctx context.Context) error {
	data := m.drain()
	for start := 0; start < len(data); start += maxDatumsPerCall {
		end := min(start+maxDatumsPerCall, len(data))
		_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(m.namespace),
			MetricData: data[start:end],
		})
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to publish cache metrics",
				"error", err.Error(),
				"datums", end-start,
			)
			return err
		}
	}
	return nil
}

// Run flushes every interval until ctx is done, then flushes once more.
func (m *CloudWatch) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			_ = m.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			_ = m.Flush(ctx)
		}
	}
}

func (m *CloudWatch) drain() []cwtypes.MetricDatum {
	var data []cwtypes.MetricDatum
	addCount := func(name string, v int64, dims ...cwtypes.Dimension) {
		if v == 0 {
			return
		}
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Value:      aws.Float64(float64(v)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims,
		})
	}

	addCount(types.MetricCacheHit, m.hits.Swap(0))
	addCount(types.MetricCacheMiss, m.misses.Swap(0))
	addCount(types.MetricCacheEvicted, m.evicted.Swap(0))
	m.fetchErrs.Range(func(k, v any) bool {
		addCount(types.MetricCacheFetchError, v.(*atomic.Int64).Swap(0), dim(types.DimCode, k.(string)))
		return true
	})
	m.invalid.Range(func(k, v any) bool {
		addCount(types.MetricVerdictInvalid, v.(*atomic.Int64).Swap(0), dim(types.DimReason, k.(string)))
		return true
	})
	if m.sizeSeen.Load() {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricCacheSize),
			Value:      aws.Float64(float64(m.size.Load())),
			Unit:       cwtypes.StandardUnitCount,
		})
	}

	m.mu.Lock()
	latencies := m.latencies
	m.latencies = make(map[string][]float64)
	m.mu.Unlock()
	for endpoint, values := range latencies {
		if len(values) == 0 {
			continue
		}
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricAPILatency),
			Values:     values,
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: []cwtypes.Dimension{dim(types.DimEndpoint, endpoint)},
		})
	}
	return data
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}
