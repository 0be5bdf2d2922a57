package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfgPath       string
	metricsListen string
)

var rootCmd = &cobra.Command{
	Use:   "wearsync",
	Short: "Keep a watch face in sync with weather from a companion device",
	Long: `wearsync runs either side of the weather sync channel.

The watch side renders the face and asks the companion for fresh weather
whenever it connects. The companion side answers those requests by
publishing the current report together with its icon.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "Path to a configuration file or directory")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(companionCmd)
	rootCmd.AddCommand(checkCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("wearsync stopped")
		os.Exit(1)
	}
}
