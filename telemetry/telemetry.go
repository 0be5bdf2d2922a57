package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the sync runtime.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with the redraw path and store notification callbacks.
type Collector interface {
	IncHotReload(file string)
	IncRecordPut(path, outcome string)
	IncUpdateDropped(path, reason string)
	IncAssetResolve(outcome string)
	ObserveAssetResolve(d time.Duration)
	SetConnectionState(state int)
	IncRedraw(reason string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)               {}
func (noopCollector) IncRecordPut(string, string)       {}
func (noopCollector) IncUpdateDropped(string, string)   {}
func (noopCollector) IncAssetResolve(string)            {}
func (noopCollector) ObserveAssetResolve(time.Duration) {}
func (noopCollector) SetConnectionState(int)            {}
func (noopCollector) IncRedraw(string)                  {}

// PrometheusCollector exposes telemetry counters via Prometheus.
type PrometheusCollector struct {
	hotReloads      *prometheus.CounterVec
	recordPuts      *prometheus.CounterVec
	updatesDropped  *prometheus.CounterVec
	assetResolves   *prometheus.CounterVec
	assetLatency    prometheus.Histogram
	connectionState prometheus.Gauge
	redraws         *prometheus.CounterVec
}

// NewPrometheusCollector registers the required metrics with the provided registerer.
//
// Registering twice against the same registerer reuses the metrics that are
// already present.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	var err error
	p := &PrometheusCollector{}
	if p.hotReloads, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wearsync_config_hot_reload_total",
		Help: "Number of hot reload operations triggered per configuration source file.",
	}, []string{"file"})); err != nil {
		return nil, err
	}
	if p.recordPuts, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wearsync_record_put_total",
		Help: "Number of record writes per path and outcome.",
	}, []string{"path", "outcome"})); err != nil {
		return nil, err
	}
	if p.updatesDropped, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wearsync_update_dropped_total",
		Help: "Number of received records dropped because the payload was malformed.",
	}, []string{"path", "reason"})); err != nil {
		return nil, err
	}
	if p.assetResolves, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wearsync_asset_resolve_total",
		Help: "Number of asset resolutions per outcome.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if p.assetLatency, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wearsync_asset_resolve_seconds",
		Help:    "Time spent resolving and decoding an asset.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})); err != nil {
		return nil, err
	}
	if p.connectionState, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wearsync_connection_state",
		Help: "Peer connection state (0 disconnected, 1 connecting, 2 connected).",
	})); err != nil {
		return nil, err
	}
	if p.redraws, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wearsync_redraw_total",
		Help: "Number of display redraws per trigger.",
	}, []string{"reason"})); err != nil {
		return nil, err
	}
	return p, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) (T, error) {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return collector, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// IncRecordPut records the outcome of a record write.
func (p *PrometheusCollector) IncRecordPut(path, outcome string) {
	if p == nil || p.recordPuts == nil {
		return
	}
	p.recordPuts.WithLabelValues(path, outcome).Inc()
}

// IncUpdateDropped records a received record that could not be applied.
func (p *PrometheusCollector) IncUpdateDropped(path, reason string) {
	if p == nil || p.updatesDropped == nil {
		return
	}
	p.updatesDropped.WithLabelValues(path, reason).Inc()
}

// IncAssetResolve records the outcome of an asset resolution.
func (p *PrometheusCollector) IncAssetResolve(outcome string) {
	if p == nil || p.assetResolves == nil {
		return
	}
	p.assetResolves.WithLabelValues(outcome).Inc()
}

// ObserveAssetResolve records how long an asset resolution took.
func (p *PrometheusCollector) ObserveAssetResolve(d time.Duration) {
	if p == nil || p.assetLatency == nil {
		return
	}
	p.assetLatency.Observe(d.Seconds())
}

// SetConnectionState updates the connection state gauge.
func (p *PrometheusCollector) SetConnectionState(state int) {
	if p == nil || p.connectionState == nil {
		return
	}
	p.connectionState.Set(float64(state))
}

// IncRedraw counts a redraw for the given trigger.
func (p *PrometheusCollector) IncRedraw(reason string) {
	if p == nil || p.redraws == nil {
		return
	}
	p.redraws.WithLabelValues(reason).Inc()
}
