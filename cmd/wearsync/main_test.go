package main

import (
	"bytes"
	"context"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/wearsync/config"
	"github.com/timzifer/wearsync/telemetry"
)

const loopbackConfig = `
name: demo
connection:
  driver: loopback
display:
  tick_interval: 50ms
  reconnect_min: 10ms
  reconnect_max: 100ms
companion:
  min_temp: -2
  max_temp: 5
  description: Cloudy
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wearsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCheckPrintsSummary(t *testing.T) {
	cfgPath = writeConfig(t, loopbackConfig)
	t.Cleanup(func() { cfgPath = "config.yaml" })

	var out bytes.Buffer
	checkCmd.SetOut(&out)
	require.NoError(t, runCheck(checkCmd, nil))
	require.Contains(t, out.String(), "Driver: loopback")
	require.Contains(t, out.String(), "Topic prefix: wearsync (qos 1)")
	require.Contains(t, out.String(), "completed successfully")
}

func TestLoadConfigRejectsMissingBroker(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "connection:\n  driver: mqtt\n"))
	require.ErrorContains(t, err, "broker")
}

func TestNewTelemetryCollector(t *testing.T) {
	c, err := newTelemetryCollector(config.TelemetryConfig{}, false, nil)
	require.NoError(t, err)
	require.Equal(t, telemetry.Noop(), c)

	reg := prometheus.NewRegistry()
	c, err = newTelemetryCollector(config.TelemetryConfig{}, true, reg)
	require.NoError(t, err)
	require.IsType(t, &telemetry.PrometheusCollector{}, c)

	_, err = newTelemetryCollector(config.TelemetryConfig{Enabled: true, Provider: "statsd"}, false, reg)
	require.Error(t, err)
}

func TestRunWatchLoopbackRendersWeather(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, loopbackConfig))
	require.NoError(t, err)

	watchSnapshot = filepath.Join(t.TempDir(), "face.png")
	watchSize = 160
	t.Cleanup(func() { watchSnapshot, watchSize = "", 320 })

	var logs bytes.Buffer
	logger := zerolog.New(zerolog.SyncWriter(&logs)).Level(zerolog.DebugLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, runWatch(ctx, cfg, logger, telemetry.Noop()))

	require.Contains(t, logs.String(), `"temperature":"-2 - 5"`)
	require.Contains(t, logs.String(), "companion: weather published")

	f, err := os.Open(watchSnapshot)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	require.Equal(t, 160, img.Bounds().Dx())
}
