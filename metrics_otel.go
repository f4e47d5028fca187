package mqttbridge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics exports client metrics through an OpenTelemetry meter.
// Instruments are created lazily on first use and cached by name.
type OTelMetrics struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	gauges     map[string]metric.Float64Gauge
	histograms map[string]metric.Float64Histogram
	values     map[string]*atomic.Uint64
	err        error
}

// NewOTelMetrics creates an OpenTelemetry backed Metrics. A nil meter uses
// the global meter provider.
func NewOTelMetrics(meter metric.Meter) *OTelMetrics {
	if meter == nil {
		meter = otel.Meter("github.com/vitalvas/mqttbridge")
	}
	return &OTelMetrics{
		meter:      meter,
		counters:   make(map[string]metric.Float64Counter),
		gauges:     make(map[string]metric.Float64Gauge),
		histograms: make(map[string]metric.Float64Histogram),
		values:     make(map[string]*atomic.Uint64),
	}
}

// Err returns the first instrument creation error, if any.
func (o *OTelMetrics) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *OTelMetrics) recordErr(name string, err error) {
	if o.err == nil {
		o.err = fmt.Errorf("failed to create instrument %s: %w", name, err)
	}
}

func (o *OTelMetrics) Counter(name string, labels MetricLabels) Counter {
	o.mu.Lock()
	defer o.mu.Unlock()

	c, ok := o.counters[name]
	if !ok {
		var err error
		c, err = o.meter.Float64Counter(otelName(name), metric.WithDescription(name))
		if err != nil {
			o.recordErr(name, err)
			return noOpInstrument{}
		}
		o.counters[name] = c
	}
	return &otelCounter{c: c, opt: metric.WithAttributes(otelAttributes(labels)...)}
}

func (o *OTelMetrics) Gauge(name string, labels MetricLabels) Gauge {
	o.mu.Lock()
	defer o.mu.Unlock()

	g, ok := o.gauges[name]
	if !ok {
		var err error
		g, err = o.meter.Float64Gauge(otelName(name), metric.WithDescription(name))
		if err != nil {
			o.recordErr(name, err)
			return noOpInstrument{}
		}
		o.gauges[name] = g
	}

	key := metricKey(name, labels)
	v, ok := o.values[key]
	if !ok {
		v = &atomic.Uint64{}
		o.values[key] = v
	}
	return &otelGauge{g: g, value: v, opt: metric.WithAttributes(otelAttributes(labels)...)}
}

func (o *OTelMetrics) Histogram(name string, labels MetricLabels) Histogram {
	o.mu.Lock()
	defer o.mu.Unlock()

	h, ok := o.histograms[name]
	if !ok {
		var err error
		h, err = o.meter.Float64Histogram(otelName(name), metric.WithDescription(name), metric.WithUnit("s"))
		if err != nil {
			o.recordErr(name, err)
			return noOpInstrument{}
		}
		o.histograms[name] = h
	}
	return &otelHistogram{h: h, opt: metric.WithAttributes(otelAttributes(labels)...)}
}

// otelName turns "mqtt_client_connects_total" into "mqtt.client.connects.total".
func otelName(name string) string {
	return strings.ReplaceAll(name, "_", ".")
}

func otelAttributes(labels MetricLabels) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })
	return attrs
}

type otelCounter struct {
	c   metric.Float64Counter
	opt metric.MeasurementOption
}

func (c *otelCounter) Inc() { c.Add(1) }

func (c *otelCounter) Add(delta float64) {
	if delta < 0 {
		return
	}
	c.c.Add(context.Background(), delta, c.opt)
}

type otelGauge struct {
	g     metric.Float64Gauge
	value *atomic.Uint64
	opt   metric.MeasurementOption
}

func (g *otelGauge) Set(v float64) {
	g.value.Store(math.Float64bits(v))
	g.g.Record(context.Background(), v, g.opt)
}

func (g *otelGauge) Add(delta float64) {
	for {
		old := g.value.Load()
		next := math.Float64frombits(old) + delta
		if g.value.CompareAndSwap(old, math.Float64bits(next)) {
			g.g.Record(context.Background(), next, g.opt)
			return
		}
	}
}

type otelHistogram struct {
	h   metric.Float64Histogram
	opt metric.MeasurementOption
}

func (h *otelHistogram) Observe(v float64) {
	h.h.Record(context.Background(), v, h.opt)
}
