package mqttbridge

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics creates named instruments. Implementations must be safe for
// concurrent use and return the same instrument for the same name and labels.
type Metrics interface {
	Counter(name string, labels MetricLabels) Counter
	Gauge(name string, labels MetricLabels) Gauge
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter is a monotonically increasing counter.
type Counter interface {
	Inc()
	Add(delta float64)
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	Set(value float64)
	Add(delta float64)
}

// Histogram tracks the distribution of values.
type Histogram interface {
	Observe(value float64)
}

// NoOpMetrics is a no-op implementation of Metrics. It is the client default.
type NoOpMetrics struct{}

func (NoOpMetrics) Counter(string, MetricLabels) Counter     { return noOpInstrument{} }
func (NoOpMetrics) Gauge(string, MetricLabels) Gauge         { return noOpInstrument{} }
func (NoOpMetrics) Histogram(string, MetricLabels) Histogram { return noOpInstrument{} }

type noOpInstrument struct{}

func (noOpInstrument) Inc()            {}
func (noOpInstrument) Add(float64)     {}
func (noOpInstrument) Set(float64)     {}
func (noOpInstrument) Observe(float64) {}

// Client metric names.
const (
	MetricConnects          = "mqtt_client_connects_total"
	MetricConnectFailures   = "mqtt_client_connect_failures_total"
	MetricDisconnects       = "mqtt_client_disconnects_total"
	MetricConnectionsLost   = "mqtt_client_connections_lost_total"
	MetricReconnectAttempts = "mqtt_client_reconnect_attempts_total"
	MetricMessagesSent      = "mqtt_client_messages_sent_total"
	MetricMessagesReceived  = "mqtt_client_messages_received_total"
	MetricRetries           = "mqtt_client_publish_retries_total"
	MetricDeliveryFailures  = "mqtt_client_delivery_failures_total"
	MetricInflight          = "mqtt_client_inflight"
	MetricSubscriptions     = "mqtt_client_subscriptions"
	MetricPublishLatency    = "mqtt_client_publish_latency_seconds"
)

// Metric label names.
const (
	LabelQoS        = "qos"
	LabelReasonCode = "reason_code"
)

// clientMetrics records the client's standard metrics.
type clientMetrics struct {
	m Metrics
}

func qosLabels(qos byte) MetricLabels {
	return MetricLabels{LabelQoS: strconv.Itoa(int(qos))}
}

func (c clientMetrics) connected()          { c.m.Counter(MetricConnects, nil).Inc() }
func (c clientMetrics) disconnected()       { c.m.Counter(MetricDisconnects, nil).Inc() }
func (c clientMetrics) connectionLost()     { c.m.Counter(MetricConnectionsLost, nil).Inc() }
func (c clientMetrics) reconnectAttempt()   { c.m.Counter(MetricReconnectAttempts, nil).Inc() }
func (c clientMetrics) retry()              { c.m.Counter(MetricRetries, nil).Inc() }
func (c clientMetrics) deliveryFailed()     { c.m.Counter(MetricDeliveryFailures, nil).Inc() }
func (c clientMetrics) inflight(n int)      { c.m.Gauge(MetricInflight, nil).Set(float64(n)) }
func (c clientMetrics) subscriptions(n int) { c.m.Gauge(MetricSubscriptions, nil).Set(float64(n)) }

func (c clientMetrics) connectFailed(reason ReasonCode) {
	c.m.Counter(MetricConnectFailures, MetricLabels{LabelReasonCode: reason.String()}).Inc()
}

func (c clientMetrics) sent(qos byte) {
	c.m.Counter(MetricMessagesSent, qosLabels(qos)).Inc()
}

func (c clientMetrics) received(qos byte) {
	c.m.Counter(MetricMessagesReceived, qosLabels(qos)).Inc()
}

func (c clientMetrics) publishLatency(qos byte, d time.Duration) {
	c.m.Histogram(MetricPublishLatency, qosLabels(qos)).Observe(d.Seconds())
}

// MemoryMetrics keeps every instrument in memory. It is meant for tests and
// for inspecting a client from a debug endpoint.
type MemoryMetrics struct {
	mu          sync.Mutex
	instruments map[string]*memoryInstrument
}

// NewMemoryMetrics creates a new in-memory metrics instance.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{instruments: make(map[string]*memoryInstrument)}
}

func (m *MemoryMetrics) Counter(name string, labels MetricLabels) Counter {
	return m.instrument(name, labels)
}

func (m *MemoryMetrics) Gauge(name string, labels MetricLabels) Gauge {
	return m.instrument(name, labels)
}

func (m *MemoryMetrics) Histogram(name string, labels MetricLabels) Histogram {
	return m.instrument(name, labels)
}

// Value returns the current value of a counter or gauge, or the sum of a histogram.
func (m *MemoryMetrics) Value(name string, labels MetricLabels) float64 {
	return m.instrument(name, labels).value()
}

// Count returns how many times an instrument was updated.
func (m *MemoryMetrics) Count(name string, labels MetricLabels) uint64 {
	return m.instrument(name, labels).count.Load()
}

func (m *MemoryMetrics) instrument(name string, labels MetricLabels) *memoryInstrument {
	key := metricKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.instruments[key]
	if !ok {
		in = &memoryInstrument{}
		m.instruments[key] = in
	}
	return in
}

func metricKey(name string, labels MetricLabels) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("|" + k + "=" + labels[k])
	}
	return b.String()
}

type memoryInstrument struct {
	bits  atomic.Uint64
	count atomic.Uint64
}

func (i *memoryInstrument) Inc()              { i.Add(1) }
func (i *memoryInstrument) Observe(v float64) { i.Add(v) }

func (i *memoryInstrument) Add(delta float64) {
	i.count.Add(1)
	for {
		old := i.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if i.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (i *memoryInstrument) Set(v float64) {
	i.count.Add(1)
	i.bits.Store(math.Float64bits(v))
}

func (i *memoryInstrument) value() float64 {
	return math.Float64frombits(i.bits.Load())
}
