package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.IncHotReload("config.yaml")
	collector.IncRecordPut("/Sync", "ok")
	collector.ObserveAssetResolve(time.Second)
}

func TestPrometheusCollectorRegistersAndReusesCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.NotNil(t, collector)

	collector.IncHotReload("a.yaml")

	family := gatherFamily(t, reg, "wearsync_config_hot_reload_total")
	requireCounterValue(t, family, 1)

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, collector.hotReloads, again.hotReloads)

	again.IncHotReload("a.yaml")
	requireCounterValue(t, gatherFamily(t, reg, "wearsync_config_hot_reload_total"), 2)
}

func TestPrometheusCollectorSyncMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.IncRecordPut("/Sync", "not_connected")
	collector.IncUpdateDropped("/weather-data", "malformed")
	collector.IncAssetResolve("ok")
	collector.ObserveAssetResolve(200 * time.Millisecond)
	collector.SetConnectionState(2)
	collector.IncRedraw("tick")
	collector.IncRedraw("tick")

	requireCounterValue(t, gatherFamily(t, reg, "wearsync_record_put_total"), 1)
	requireCounterValue(t, gatherFamily(t, reg, "wearsync_update_dropped_total"), 1)
	requireCounterValue(t, gatherFamily(t, reg, "wearsync_asset_resolve_total"), 1)
	requireCounterValue(t, gatherFamily(t, reg, "wearsync_redraw_total"), 2)

	gauge := gatherFamily(t, reg, "wearsync_connection_state")
	require.Len(t, gauge.Metric, 1)
	require.Equal(t, float64(2), gauge.Metric[0].GetGauge().GetValue())

	hist := gatherFamily(t, reg, "wearsync_asset_resolve_seconds")
	require.Len(t, hist.Metric, 1)
	require.Equal(t, uint64(1), hist.Metric[0].GetHistogram().GetSampleCount())
}

func TestNilPrometheusCollectorIsSafe(t *testing.T) {
	var collector *PrometheusCollector
	collector.IncRedraw("tick")
	collector.SetConnectionState(1)
}

func gatherFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	t.Fatalf("metric family %s not gathered", name)
	return nil
}

func requireCounterValue(t *testing.T, mf *dto.MetricFamily, value float64) {
	t.Helper()
	require.Len(t, mf.Metric, 1)
	require.NotNil(t, mf.Metric[0].Counter)
	require.Equal(t, value, mf.Metric[0].Counter.GetValue())
}
