package display

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/wearsync/telemetry"
)

// Option customises a Controller.
type Option func(*settings)

type settings struct {
	logger        zerolog.Logger
	telemetry     telemetry.Collector
	now           func() time.Time
	tickInterval  time.Duration
	listeners     Listeners
	reconnectMin  time.Duration
	reconnectMax  time.Duration
	resyncTimeout time.Duration
	queueSize     int
	initial       []Event
}

func defaultSettings() settings {
	return settings{
		logger:        zerolog.Nop(),
		telemetry:     telemetry.Noop(),
		now:           time.Now,
		tickInterval:  time.Second,
		reconnectMin:  time.Second,
		reconnectMax:  time.Minute,
		resyncTimeout: 30 * time.Second,
		queueSize:     64,
	}
}

// WithLogger provides a custom logger instance for the controller.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithTelemetry reports redraws to the collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(s *settings) {
		if collector != nil {
			s.telemetry = collector
		}
	}
}

// WithClock overrides the wall clock used for frames and tick alignment.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval sets the interactive redraw interval.
func WithTickInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithListeners installs the host listeners registered while visible.
func WithListeners(l Listeners) Option {
	return func(s *settings) {
		s.listeners = l
	}
}

// WithReconnectBackoff bounds the delay between connection attempts.
func WithReconnectBackoff(lo, hi time.Duration) Option {
	return func(s *settings) {
		if lo > 0 {
			s.reconnectMin = lo
		}
		if hi >= s.reconnectMin {
			s.reconnectMax = hi
		}
	}
}

// WithInitialEvents queues events that are applied before anything else,
// e.g. the display properties reported by the host at startup.
func WithInitialEvents(events ...Event) Option {
	return func(s *settings) {
		s.initial = append(s.initial, events...)
	}
}
