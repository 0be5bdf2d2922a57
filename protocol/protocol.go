// Package protocol maps the two weather sync topics onto store records.
package protocol

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/wearsync/runtime/peer"
	"github.com/timzifer/wearsync/runtime/records"
	"github.com/timzifer/wearsync/telemetry"
)

// StateReader exposes the peer connection state.
type StateReader interface {
	State() peer.State
}

// Option customises a Protocol.
type Option func(*Protocol)

// WithLogger provides a custom logger instance.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Protocol) {
		p.logger = logger
	}
}

// WithTelemetry reports dropped updates and writes to the collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(p *Protocol) {
		if collector != nil {
			p.telemetry = collector
		}
	}
}

// WithClock overrides the clock used to stamp resync requests.
func WithClock(now func() time.Time) Option {
	return func(p *Protocol) {
		if now != nil {
			p.now = now
		}
	}
}

// Protocol speaks the resync and weather topics over a record store.
type Protocol struct {
	store     records.Store
	conn      StateReader
	logger    zerolog.Logger
	telemetry telemetry.Collector
	now       func() time.Time
}

// New creates a protocol bound to store. conn may be nil, in which case the
// store alone decides whether writes can proceed.
func New(store records.Store, conn StateReader, opts ...Option) *Protocol {
	p := &Protocol{
		store:     store,
		conn:      conn,
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RequestResync asks the companion to republish the current weather. The
// request is not queued when the peer is unreachable.
func (p *Protocol) RequestResync(ctx context.Context) error {
	if p.conn != nil && p.conn.State() != peer.Connected {
		p.logger.Debug().Msg("sync: resync skipped, peer not connected")
		p.telemetry.IncRecordPut(PathSync, "not_connected")
		return records.ErrNotConnected
	}
	ack, err := p.store.Put(ctx, PathSync, EncodeResyncRequest(p.now()))
	if err != nil {
		p.logger.Warn().Err(err).Msg("sync: resync request failed")
		return err
	}
	p.logger.Debug().Int64("version", ack.Version).Msg("sync: resync requested")
	return nil
}

// OnWeatherUpdate delivers decoded weather updates to fn. Malformed records
// are logged and dropped; consecutive duplicates of the same version are
// suppressed.
func (p *Protocol) OnWeatherUpdate(fn func(WeatherUpdate)) func() {
	var (
		mu   sync.Mutex
		last int64
	)
	return p.store.Subscribe(PathWeather, func(rec records.Record) {
		mu.Lock()
		dup := rec.Version != 0 && rec.Version == last
		last = rec.Version
		mu.Unlock()
		if dup {
			return
		}
		update, err := DecodeWeatherUpdate(rec)
		if err != nil {
			p.drop(rec, err)
			return
		}
		fn(update)
	})
}

// OnResyncRequest delivers resync requests issued by the peripheral.
func (p *Protocol) OnResyncRequest(fn func(time.Time)) func() {
	return p.store.Subscribe(PathSync, func(rec records.Record) {
		at, err := DecodeResyncRequest(rec)
		if err != nil {
			p.drop(rec, err)
			return
		}
		fn(at)
	})
}

// PublishWeather writes u as the current weather record.
func (p *Protocol) PublishWeather(ctx context.Context, u WeatherUpdate) (records.Ack, error) {
	fields, err := EncodeWeatherUpdate(u)
	if err != nil {
		return records.Ack{}, err
	}
	ack, err := p.store.Put(ctx, PathWeather, fields)
	if err != nil {
		p.logger.Warn().Err(err).Msg("sync: publish weather failed")
		return records.Ack{}, err
	}
	p.logger.Debug().Int64("version", ack.Version).Str("description", u.Description).Msg("sync: weather published")
	return ack, nil
}

func (p *Protocol) drop(rec records.Record, err error) {
	reason := "malformed"
	if !errors.Is(err, ErrMalformedPayload) {
		reason = "error"
	}
	p.logger.Warn().Err(err).Str("path", rec.Path).Int64("version", rec.Version).Msg("sync: dropping record")
	p.telemetry.IncUpdateDropped(rec.Path, reason)
}
