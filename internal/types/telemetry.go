package types

// Metric names shared by the Prometheus and CloudWatch backends.
const (
	MetricCacheHit        = "CacheHit"
	MetricCacheMiss       = "CacheMiss"
	MetricCacheFetchError = "CacheFetchError"
	MetricCacheEvicted    = "CacheEvicted"
	MetricCacheSize       = "CacheSize"
	MetricAPILatency      = "APILatency"
	MetricVerdictInvalid  = "VerdictInvalid"

	DimEndpoint = "Endpoint"
	DimReason   = "Reason"
	DimCode     = "ErrorCode"

	MetricNamespace = "SubscriptionValidator"
)
