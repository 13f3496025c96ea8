package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.providerRequestsTotal)
	assert.NotNil(t, collector.providerTokensUsed)
	assert.NotNil(t, collector.failoverAttemptsTotal)
	assert.NotNil(t, collector.quotaCooldownActive)
}

func TestCollectorRecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("openai-chat", 200, 100*time.Millisecond, 1024, 2048)
	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)

	collector.RecordHTTPRequest("openai-chat", 429, 50*time.Millisecond, 512, 0)
	newCount := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.GreaterOrEqual(t, newCount, count)
}

func TestCollectorRecordProviderAttempt(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordProviderAttempt("openai#primary", "success", 500*time.Millisecond)
	collector.RecordProviderTokens("openai#primary", "estimated", 120)
	collector.RecordProviderTokens("openai#primary", "actual", 150)

	assert.Greater(t, testutil.CollectAndCount(collector.providerRequestsTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.providerTokensUsed), 0)
}

func TestCollectorRecordFailoverOutcomes(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordFailoverAttempt("retryable")
	collector.RecordFailoverAttempt("success")
	collector.RecordFailoverExhausted("chat-default")

	assert.Greater(t, testutil.CollectAndCount(collector.failoverAttemptsTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.failoverExhaustedTotal), 0)
}

func TestCollectorQuotaGauges(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.SetQuotaCooldownActive("openai#primary", true)
	collector.RecordQuotaBlacklisted("openai#primary")
	collector.SetRouterPoolEligibleRatio("pool1", 0.5)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.quotaCooldownActive.WithLabelValues("openai#primary")))
	assert.Greater(t, testutil.CollectAndCount(collector.quotaBlacklistedTotal), 0)
	assert.Equal(t, 0.5, testutil.ToFloat64(collector.routerPoolEligibleRatio.WithLabelValues("pool1")))
}

func TestCollectorRecordCacheOperation(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordCacheHit("redis")
	collector.RecordCacheMiss("redis")

	assert.Greater(t, testutil.CollectAndCount(collector.cacheHits), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.cacheMisses), 0)
}

func TestCollectorConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			collector.RecordHTTPRequest("openai-chat", 200, 100*time.Millisecond, 1024, 2048)
			collector.RecordProviderAttempt("openai#primary", "success", 500*time.Millisecond)
			collector.RecordCacheHit("redis")
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Greater(t, testutil.CollectAndCount(collector.httpRequestsTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.providerRequestsTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.cacheHits), 0)
}

func TestCollectorMetricsRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	registry.MustRegister(collector.httpRequestsTotal)
	registry.MustRegister(collector.httpRequestDuration)

	collector.RecordHTTPRequest("openai-chat", 200, 100*time.Millisecond, 0, 0)

	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)
}
