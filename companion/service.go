// Package companion implements the phone side of the sync: it answers resync
// requests by publishing the current weather together with its icon.
package companion

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/wearsync/protocol"
	"github.com/timzifer/wearsync/runtime/records"
)

// Publisher is the companion half of the sync protocol.
type Publisher interface {
	OnResyncRequest(fn func(time.Time)) func()
	PublishWeather(ctx context.Context, u protocol.WeatherUpdate) (records.Ack, error)
}

// Option customises a Service.
type Option func(*Service)

// WithLogger provides a custom logger instance for the service.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithPublishTimeout bounds a single refresh including the icon upload.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Service publishes weather whenever it is triggered. Triggers arriving while
// a refresh runs collapse into a single follow-up refresh.
type Service struct {
	proto   Publisher
	assets  records.AssetPublisher
	source  WeatherSource
	logger  zerolog.Logger
	timeout time.Duration
	kick    chan struct{}

	// Owned by Run.
	iconSum [sha256.Size]byte
	iconRef records.AssetReference
}

// New creates a service. Nothing is published until Run is called.
func New(proto Publisher, assets records.AssetPublisher, source WeatherSource, opts ...Option) *Service {
	s := &Service{
		proto:   proto,
		assets:  assets,
		source:  source,
		logger:  zerolog.Nop(),
		timeout: 30 * time.Second,
		kick:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger schedules a refresh. Call it whenever the link (re)connects.
func (s *Service) Trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run answers resync requests until ctx is cancelled. One refresh is
// scheduled right away.
func (s *Service) Run(ctx context.Context) error {
	cancel := s.proto.OnResyncRequest(func(at time.Time) {
		s.logger.Debug().Time("requested_at", at).Msg("companion: resync requested")
		s.Trigger()
	})
	defer cancel()

	s.Trigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.kick:
			if err := s.refresh(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("companion: refresh failed")
			}
		}
	}
}

func (s *Service) refresh(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	report, err := s.source.Current(ctx)
	if err != nil {
		return fmt.Errorf("weather source: %w", err)
	}
	icon, err := s.upload(ctx, report.Icon)
	if err != nil {
		return err
	}
	ack, err := s.proto.PublishWeather(ctx, protocol.WeatherUpdate{
		MinTemp:     report.MinTemp,
		MaxTemp:     report.MaxTemp,
		Description: report.Description,
		Icon:        icon,
	})
	if err != nil {
		return fmt.Errorf("publish weather: %w", err)
	}
	s.logger.Info().
		Int64("version", ack.Version).
		Float64("min_temp", report.MinTemp).
		Float64("max_temp", report.MaxTemp).
		Str("icon", icon.ID).
		Msg("companion: weather published")
	return nil
}

// upload stores the icon unless the same bytes were uploaded before.
func (s *Service) upload(ctx context.Context, data []byte) (records.AssetReference, error) {
	sum := sha256.Sum256(data)
	if !s.iconRef.IsZero() && sum == s.iconSum {
		return s.iconRef, nil
	}
	ref, err := s.assets.CreateAsset(ctx, data)
	if err != nil {
		return records.AssetReference{}, fmt.Errorf("upload icon: %w", err)
	}
	s.iconSum, s.iconRef = sum, ref
	return ref, nil
}
