package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/timzifer/wearsync/asset"
	"github.com/timzifer/wearsync/config"
	"github.com/timzifer/wearsync/display"
	"github.com/timzifer/wearsync/internal/liveview"
	"github.com/timzifer/wearsync/protocol"
	"github.com/timzifer/wearsync/render"
	"github.com/timzifer/wearsync/runtime/records"
	"github.com/timzifer/wearsync/telemetry"
)

var (
	watchLoopback bool
	watchAmbient  bool
	watchSnapshot string
	watchSize     int

	liveViewEnabled bool
	liveViewListen  string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the watch face",
	Long: `Run the watch face peer.

The face connects to the sync channel, subscribes to weather updates and asks
the companion for a refresh on every connect. With --loopback the companion
runs in the same process on an in-memory channel.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context(), runWatch)
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchLoopback, "loopback", false, "Run the companion in-process over an in-memory channel")
	watchCmd.Flags().BoolVar(&watchAmbient, "ambient", false, "Start in ambient mode")
	watchCmd.Flags().StringVar(&watchSnapshot, "snapshot", "", "Write the last rendered face to this PNG file on exit")
	watchCmd.Flags().IntVar(&watchSize, "size", 320, "Face size in pixels for --snapshot and the live view")
	watchCmd.Flags().BoolVar(&liveViewEnabled, "live-view", false, "Serve a browser preview of the face")
	watchCmd.Flags().StringVar(&liveViewListen, "live-view-listen", ":18080", "Listen address for the live view")
}

func runWatch(ctx context.Context, cfg *config.Config, logger zerolog.Logger, collector telemetry.Collector) error {
	g, gctx := errgroup.WithContext(ctx)

	var store, phone backend
	if watchLoopback || cfg.Connection.Driver == "loopback" {
		hub := records.NewHub()
		watch := hub.Endpoint("watch", records.WithMaxPayload(cfg.Sync.MaxPayloadBytes))
		phone = hub.Endpoint("phone", records.WithMaxPayload(cfg.Sync.MaxPayloadBytes))
		store = watch
	} else {
		var err error
		store, err = newMQTTBackend(cfg, "watch", logger, collector)
		if err != nil {
			return err
		}
	}

	conn := newConnection(store, cfg, logger, collector)
	feed := protocol.New(store, conn, protocol.WithLogger(logger), protocol.WithTelemetry(collector))
	resolver := asset.New(store,
		asset.WithLogger(logger),
		asset.WithTelemetry(collector),
		asset.WithTimeout(cfg.Display.AssetTimeout.Duration),
		asset.WithWorkers(cfg.Display.AssetWorkers),
	)

	logRenderer := render.NewLogRenderer(logger)
	canvas := render.NewCanvas(watchSize, watchSize)
	raster := watchSnapshot != "" || liveViewEnabled
	renderer := display.RendererFunc(func(f display.Frame) {
		logRenderer.Draw(f)
		if raster {
			canvas.Draw(f)
		}
	})

	ctrl := display.New(conn, feed, resolver, renderer,
		display.WithLogger(logger),
		display.WithTelemetry(collector),
		display.WithTickInterval(cfg.Display.TickInterval.Duration),
		display.WithReconnectBackoff(cfg.Display.ReconnectMin.Duration, cfg.Display.ReconnectMax.Duration),
		display.WithInitialEvents(
			display.PropertiesChanged{LowBitAmbient: cfg.Display.LowBitAmbient},
			display.AmbientChanged{Ambient: watchAmbient},
			display.VisibilityChanged{Visible: true},
		),
	)
	if liveViewEnabled {
		live := liveview.New(ctrl, canvas, logger)
		if err := live.Start(liveViewListen); err != nil {
			return fmt.Errorf("start live view: %w", err)
		}
		defer live.Close()
	}

	if phone != nil {
		g.Go(func() error { return runCompanionPeer(gctx, phone, cfg, logger, collector) })
	}
	g.Go(func() error {
		err := ctrl.Run(gctx)
		resolver.Wait()
		return err
	})

	err := g.Wait()
	if watchSnapshot != "" {
		if werr := writeSnapshot(watchSnapshot, canvas); werr != nil {
			logger.Error().Err(werr).Msg("failed to write face snapshot")
		}
	}
	return err
}

func writeSnapshot(path string, canvas *render.Canvas) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if err := canvas.WritePNG(f); err != nil {
		f.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return f.Close()
}
