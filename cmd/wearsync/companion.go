package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/timzifer/wearsync/companion"
	"github.com/timzifer/wearsync/config"
	"github.com/timzifer/wearsync/protocol"
	"github.com/timzifer/wearsync/telemetry"
)

var companionCmd = &cobra.Command{
	Use:   "companion",
	Short: "Run the companion that publishes weather",
	Long: `Run the companion peer.

The companion answers resync requests from the watch by publishing the
weather report configured in the companion section, uploading the icon
as an asset.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context(), runCompanion)
	},
}

func runCompanion(ctx context.Context, cfg *config.Config, logger zerolog.Logger, collector telemetry.Collector) error {
	store, err := newMQTTBackend(cfg, "companion", logger, collector)
	if err != nil {
		return err
	}
	return runCompanionPeer(ctx, store, cfg, logger, collector)
}

// runCompanionPeer keeps a companion service running on store until ctx ends.
func runCompanionPeer(ctx context.Context, store backend, cfg *config.Config, logger zerolog.Logger, collector telemetry.Collector) error {
	logger = logger.With().Str("peer", "companion").Logger()
	source, err := companion.NewStaticSource(cfg.Companion)
	if err != nil {
		return err
	}
	conn := newConnection(store, cfg, logger, collector)
	proto := protocol.New(store, conn, protocol.WithLogger(logger), protocol.WithTelemetry(collector))
	svc := companion.New(proto, store, source, companion.WithLogger(logger))

	var up atomic.Bool
	down := make(chan struct{}, 1)
	conn.OnConnected(func() {
		up.Store(true)
		svc.Trigger()
	})
	onDown := func(error) {
		select {
		case down <- struct{}{}:
		default:
		}
	}
	conn.OnConnectionFailed(onDown)
	conn.OnSuspended(onDown)
	defer conn.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error {
		retry := &backoff.Backoff{
			Min:    cfg.Display.ReconnectMin.Duration,
			Max:    cfg.Display.ReconnectMax.Duration,
			Factor: 2,
			Jitter: true,
		}
		conn.Connect(gctx)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-down:
			}
			if up.Swap(false) {
				retry.Reset()
			}
			delay := retry.Duration()
			logger.Warn().Dur("retry_in", delay).Msg("companion: link down")
			timer := time.NewTimer(delay)
			select {
			case <-gctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			conn.Connect(gctx)
		}
	})
	return g.Wait()
}
