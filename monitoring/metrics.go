package monitoring

import (
	"sync"
	"time"
)

type MetricType int

const (
	Counter MetricType = iota
	Gauge
)

type Metric struct {
	Name      string
	Type      MetricType
	Value     float64
	Timestamp time.Time
}

type MetricsCollector struct {
	metrics map[string]*Metric
	mu      sync.RWMutex
}

func CreateMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics: make(map[string]*Metric),
	}
}

func (mc *MetricsCollector) IncrementCounter(name string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if metric, exists := mc.metrics[name]; exists {
		metric.Value++
		metric.Timestamp = time.Now()
		return
	}
	mc.metrics[name] = &Metric{
		Name:      name,
		Type:      Counter,
		Value:     1,
		Timestamp: time.Now(),
	}
}

func (mc *MetricsCollector) SetGauge(name string, value float64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics[name] = &Metric{
		Name:      name,
		Type:      Gauge,
		Value:     value,
		Timestamp: time.Now(),
	}
}

func (mc *MetricsCollector) GetValue(name string) float64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if metric, exists := mc.metrics[name]; exists {
		return metric.Value
	}
	return 0
}

func (mc *MetricsCollector) Snapshot() map[string]float64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	snapshot := make(map[string]float64, len(mc.metrics))
	for name, metric := range mc.metrics {
		snapshot[name] = metric.Value
	}
	return snapshot
}

// Metric names used across the publish and delivery paths.
const (
	MetricClaimsWon          = "idempotency_claims_won"
	MetricClaimsReplayed     = "idempotency_claims_replayed"
	MetricClaimsReaped       = "idempotency_claims_reaped"
	MetricDeliveriesSent     = "deliveries_sent"
	MetricDeliveriesRetried  = "deliveries_retried"
	MetricDeliveriesFailed   = "deliveries_failed"
	MetricDeliveryQueueDepth = "delivery_queue_depth"
)
