package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/timzifer/wearsync/config"
)

// Setup creates a zerolog logger according to the provided configuration.
// A non-empty instance name is attached to every entry and to the Loki
// stream labels so several peers can share one Loki tenant.
func Setup(cfg config.LoggingConfig, instance string) (zerolog.Logger, func(), error) {
	return setup(cfg, instance, os.Stdout)
}

func setup(cfg config.LoggingConfig, instance string, out io.Writer) (zerolog.Logger, func(), error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	stdout := out
	if strings.EqualFold(cfg.Format, "text") {
		stdout = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	writers := []io.Writer{stdout}
	cleanup := func() {}

	if cfg.Loki.Enabled {
		lokiWriter, closer, err := newLokiWriter(cfg.Loki, instance)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		writers = append(writers, lokiWriter)
		cleanup = func() {
			closer()
		}
	}

	multi := zerolog.MultiLevelWriter(writers...)
	ctx := zerolog.New(multi).With().Timestamp()
	if instance != "" {
		ctx = ctx.Str("instance", instance)
	}
	return ctx.Logger().Level(level), cleanup, nil
}

func newLokiWriter(cfg config.LokiConfig, instance string) (io.Writer, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("loki url is required")
	}
	lokiCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(lokiCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create loki client: %w", err)
	}

	writer := &lokiWriter{client: client, labels: lokiLabels(cfg.Labels, instance)}
	cleanup := func() {
		client.Stop()
	}
	return writer, cleanup, nil
}

func lokiLabels(raw map[string]string, instance string) model.LabelSet {
	labels := model.LabelSet{"app": "wearsync"}
	if instance != "" {
		labels["instance"] = model.LabelValue(instance)
	}
	for k, v := range raw {
		labels[model.LabelName(k)] = model.LabelValue(v)
	}
	return labels
}

// lokiWriter pushes each entry to Loki, split into one stream per level.
type lokiWriter struct {
	client *loki.Client
	labels model.LabelSet
}

func (l *lokiWriter) Write(p []byte) (int, error) {
	return l.push(l.labels, p)
}

func (l *lokiWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level == zerolog.NoLevel {
		return l.push(l.labels, p)
	}
	return l.push(l.labels.Merge(model.LabelSet{"level": model.LabelValue(level.String())}), p)
}

func (l *lokiWriter) push(labels model.LabelSet, p []byte) (int, error) {
	entry := strings.TrimSpace(string(p))
	if entry == "" {
		return len(p), nil
	}
	err := l.client.Handle(labels, time.Now(), entry)
	return len(p), err
}
