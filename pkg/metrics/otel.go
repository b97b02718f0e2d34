package metrics

import (
	"context"
	"maps"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// instruments is shared by a handler and every handler derived from it with WithTags.
type instruments struct {
	meter otelmetric.Meter

	int64CountersMtx sync.Mutex
	int64Counters    map[string]otelmetric.Int64Counter
	int64HistosMtx   sync.Mutex
	int64Histos      map[string]otelmetric.Int64Histogram
	int64GaugesMtx   sync.Mutex
	int64Gauges      map[string]*syncInt64Gauge
}

type otelHandler struct {
	*instruments
	tags map[string]string
}

// attrs merges the handler's default tags with tags. Tags given at the call site win.
func attrs(defaults map[string]string, tags map[string]string) attribute.Set {
	kvs := make([]attribute.KeyValue, 0, len(defaults)+len(tags))
	for k, v := range defaults {
		if _, ok := tags[k]; ok {
			continue
		}
		kvs = append(kvs, attribute.String(k, v))
	}
	for k, v := range tags {
		kvs = append(kvs, attribute.String(k, v))
	}
	return attribute.NewSet(kvs...)
}

type otelInt64Histogram struct {
	h    otelmetric.Int64Histogram
	tags map[string]string
}

func (o *otelInt64Histogram) Record(ctx context.Context, value int64, tags map[string]string) {
	o.h.Record(ctx, value, otelmetric.WithAttributeSet(attrs(o.tags, tags)))
}

var _ Int64Histogram = (*otelInt64Histogram)(nil)

type otelInt64Counter struct {
	c    otelmetric.Int64Counter
	tags map[string]string
}

func (o *otelInt64Counter) Add(ctx context.Context, value int64, tags map[string]string) {
	o.c.Add(ctx, value, otelmetric.WithAttributeSet(attrs(o.tags, tags)))
}

var _ Int64Counter = (*otelInt64Counter)(nil)

// syncInt64Gauge remembers the last value observed per attribute set and reports them on collection.
type syncInt64Gauge struct {
	mtx    sync.Mutex
	values map[attribute.Distinct]gaugeValue
	gauge  otelmetric.Int64ObservableGauge
}

type gaugeValue struct {
	value int64
	set   attribute.Set
}

func (s *syncInt64Gauge) observe(set attribute.Set, value int64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.values[set.Equivalent()] = gaugeValue{value: value, set: set}
}

func (s *syncInt64Gauge) report(observer otelmetric.Observer) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, v := range s.values {
		observer.ObserveInt64(s.gauge, v.value, otelmetric.WithAttributeSet(v.set))
	}
}

func newSyncInt64Gauge(meter otelmetric.Meter, name string, description string, unit Unit) *syncInt64Gauge {
	g, err := meter.Int64ObservableGauge(name, otelmetric.WithDescription(description), otelmetric.WithUnit(string(unit)))
	if err != nil {
		panic(err)
	}

	return &syncInt64Gauge{gauge: g, values: make(map[attribute.Distinct]gaugeValue)}
}

type taggedGauge struct {
	g    *syncInt64Gauge
	tags map[string]string
}

func (t *taggedGauge) Observe(_ context.Context, value int64, tags map[string]string) {
	t.g.observe(attrs(t.tags, tags), value)
}

var _ Int64Gauge = (*taggedGauge)(nil)

func (h *otelHandler) Int64Histogram(name string, description string, unit Unit) Int64Histogram {
	h.int64HistosMtx.Lock()
	defer h.int64HistosMtx.Unlock()

	name = strings.ToLower(name)

	c, ok := h.int64Histos[name]
	var err error
	if !ok {
		c, err = h.meter.Int64Histogram(name, otelmetric.WithDescription(description), otelmetric.WithUnit(string(unit)))
		if err != nil {
			panic(err)
		}
		h.int64Histos[name] = c
	}

	return &otelInt64Histogram{h: c, tags: h.tags}
}

func (h *otelHandler) Int64Counter(name string, description string, unit Unit) Int64Counter {
	h.int64CountersMtx.Lock()
	defer h.int64CountersMtx.Unlock()

	name = strings.ToLower(name)

	c, ok := h.int64Counters[name]
	var err error
	if !ok {
		c, err = h.meter.Int64Counter(name, otelmetric.WithDescription(description), otelmetric.WithUnit(string(unit)))
		if err != nil {
			panic(err)
		}
		h.int64Counters[name] = c
	}

	return &otelInt64Counter{c: c, tags: h.tags}
}

func (h *otelHandler) Int64Gauge(name string, description string, unit Unit) Int64Gauge {
	h.int64GaugesMtx.Lock()
	defer h.int64GaugesMtx.Unlock()

	name = strings.ToLower(name)

	if g, ok := h.int64Gauges[name]; ok {
		return &taggedGauge{g: g, tags: h.tags}
	}

	newGauge := newSyncInt64Gauge(h.meter, name, description, unit)

	_, err := h.meter.RegisterCallback(func(_ context.Context, observer otelmetric.Observer) error {
		newGauge.report(observer)
		return nil
	}, newGauge.gauge)

	if err != nil {
		panic(err)
	}

	h.int64Gauges[name] = newGauge

	return &taggedGauge{g: newGauge, tags: h.tags}
}

// WithTags returns a handler whose instruments add tags to every measurement.
func (h *otelHandler) WithTags(tags map[string]string) Handler {
	merged := maps.Clone(h.tags)
	if merged == nil {
		merged = make(map[string]string, len(tags))
	}
	maps.Copy(merged, tags)
	return &otelHandler{instruments: h.instruments, tags: merged}
}

func NewOtelHandler(_ context.Context, provider otelmetric.MeterProvider, name string) Handler {
	return &otelHandler{
		instruments: &instruments{
			meter:         provider.Meter(name),
			int64Counters: make(map[string]otelmetric.Int64Counter),
			int64Histos:   make(map[string]otelmetric.Int64Histogram),
			int64Gauges:   make(map[string]*syncInt64Gauge),
		},
	}
}

var _ Handler = (*otelHandler)(nil)
