package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/gpufleet/gpufleet"

var (
	meterOnce sync.Once
	meter     metric.Meter

	instMu     sync.Mutex
	counters   = map[string]metric.Float64Counter{}
	histograms = map[string]metric.Float64Histogram{}
	gauges     = map[string]metric.Float64Gauge{}
)

func getMeter() metric.Meter {
	meterOnce.Do(func() {
		meter = otel.Meter(instrumentationName)
	})
	return meter
}

// labelAttrs converts alternating key/value label pairs. A trailing odd label
// is dropped.
func labelAttrs(labels []string) []attribute.KeyValue {
	n := len(labels) / 2
	out := make([]attribute.KeyValue, 0, n)
	for i := 0; i+1 < len(labels); i += 2 {
		out = append(out, attribute.String(labels[i], labels[i+1]))
	}
	return out
}

// Counter increments the named counter by one. Instrument creation errors are
// swallowed: metrics never fail an operation.
func Counter(ctx context.Context, name string, labels ...string) {
	instMu.Lock()
	c, ok := counters[name]
	if !ok {
		var err error
		c, err = getMeter().Float64Counter(name)
		if err != nil {
			instMu.Unlock()
			return
		}
		counters[name] = c
	}
	instMu.Unlock()
	c.Add(ctx, 1, metric.WithAttributes(labelAttrs(labels)...))
}

// Histogram records a value in the named histogram.
func Histogram(ctx context.Context, name string, value float64, labels ...string) {
	instMu.Lock()
	h, ok := histograms[name]
	if !ok {
		var err error
		h, err = getMeter().Float64Histogram(name)
		if err != nil {
			instMu.Unlock()
			return
		}
		histograms[name] = h
	}
	instMu.Unlock()
	h.Record(ctx, value, metric.WithAttributes(labelAttrs(labels)...))
}

// Gauge records the current value of the named gauge.
func Gauge(ctx context.Context, name string, value float64, labels ...string) {
	instMu.Lock()
	g, ok := gauges[name]
	if !ok {
		var err error
		g, err = getMeter().Float64Gauge(name)
		if err != nil {
			instMu.Unlock()
			return
		}
		gauges[name] = g
	}
	instMu.Unlock()
	g.Record(ctx, value, metric.WithAttributes(labelAttrs(labels)...))
}

// AddSpanEvent attaches an event to the active span, if any.
func AddSpanEvent(ctx context.Context, name string, labels ...string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(labelAttrs(labels)...))
}

// RecordSpanError marks the active span as failed and records err.
func RecordSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
