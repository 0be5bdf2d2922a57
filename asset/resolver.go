// Package asset turns asset references into decoded images.
package asset

import (
	"bytes"
	"context"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/semaphore"

	"github.com/timzifer/wearsync/runtime/records"
	"github.com/timzifer/wearsync/telemetry"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultWorkers    = 2
	defaultBackoffMin = 100 * time.Millisecond
	defaultBackoffMax = 5 * time.Second
)

// Result is delivered once per Resolve call.
type Result struct {
	Ref   records.AssetReference
	Image image.Image
	Err   error
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithLogger provides a custom logger instance.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithTelemetry reports outcomes and latency to the collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(r *Resolver) {
		if collector != nil {
			r.telemetry = collector
		}
	}
}

// WithTimeout bounds a single resolution.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithWorkers limits the number of concurrent fetches.
func WithWorkers(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithBackoff sets the wait between attempts while the store is unreachable.
func WithBackoff(lo, hi time.Duration) Option {
	return func(r *Resolver) {
		if lo > 0 {
			r.backoffMin = lo
		}
		if hi >= r.backoffMin {
			r.backoffMax = hi
		}
	}
}

// Resolver fetches asset bytes from a store and decodes them off the caller's
// goroutine.
type Resolver struct {
	store      records.Store
	logger     zerolog.Logger
	telemetry  telemetry.Collector
	timeout    time.Duration
	workers    int
	backoffMin time.Duration
	backoffMax time.Duration

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// New creates a resolver reading from store.
func New(store records.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:      store,
		logger:     zerolog.Nop(),
		telemetry:  telemetry.Noop(),
		timeout:    defaultTimeout,
		workers:    defaultWorkers,
		backoffMin: defaultBackoffMin,
		backoffMax: defaultBackoffMax,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.sem = semaphore.NewWeighted(int64(r.workers))
	return r
}

// Resolve starts fetching ref and returns immediately. done runs exactly once
// on a worker goroutine.
func (r *Resolver) Resolve(ctx context.Context, ref records.AssetReference, done func(Result)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		start := time.Now()
		img, err := r.fetch(ctx, ref)
		r.report(ref, err, time.Since(start))
		done(Result{Ref: ref, Image: img, Err: err})
	}()
}

// Wait blocks until every started resolution has delivered its result.
func (r *Resolver) Wait() {
	r.wg.Wait()
}

func (r *Resolver) fetch(ctx context.Context, ref records.AssetReference) (image.Image, error) {
	if ref.IsZero() {
		return nil, &Error{Kind: InvalidReference, Ref: ref}
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, &Error{Kind: ConnectionTimeout, Ref: ref, Err: err}
	}
	defer r.sem.Release(1)

	wait := &backoff.Backoff{Min: r.backoffMin, Max: r.backoffMax, Factor: 2, Jitter: true}
	var last error
	for {
		data, err := r.store.ResolveAsset(ctx, ref)
		if err == nil {
			return decode(ref, data)
		}
		if errors.Is(err, records.ErrUnknownAsset) {
			return nil, &Error{Kind: InvalidReference, Ref: ref, Err: err}
		}
		if ctx.Err() != nil {
			if last != nil {
				err = last
			}
			return nil, &Error{Kind: ConnectionTimeout, Ref: ref, Err: err}
		}
		last = err

		delay := wait.Duration()
		r.logger.Debug().Err(err).Str("asset", ref.ID).Dur("retry_in", delay).Msg("asset: fetch deferred")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &Error{Kind: ConnectionTimeout, Ref: ref, Err: err}
		case <-timer.C:
		}
	}
}

func decode(ref records.AssetReference, data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Kind: DecodeFailed, Ref: ref, Err: err}
	}
	return img, nil
}

func (r *Resolver) report(ref records.AssetReference, err error, elapsed time.Duration) {
	r.telemetry.ObserveAssetResolve(elapsed)
	if err == nil {
		r.telemetry.IncAssetResolve("ok")
		r.logger.Debug().Str("asset", ref.ID).Dur("elapsed", elapsed).Msg("asset: resolved")
		return
	}
	outcome := "error"
	var aerr *Error
	if errors.As(err, &aerr) {
		outcome = aerr.Kind.String()
	}
	r.telemetry.IncAssetResolve(outcome)
	r.logger.Warn().Err(err).Str("asset", ref.ID).Msg("asset: resolve failed")
}
