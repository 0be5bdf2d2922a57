package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/timzifer/wearsync/config"
	"github.com/timzifer/wearsync/drivers/mqtt"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and exit",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Sources:")
	for _, src := range cfg.Sources {
		fmt.Fprintf(out, "  - %s\n", src)
	}
	fmt.Fprintf(out, "Driver: %s\n", cfg.Connection.Driver)
	if cfg.Connection.Driver == "mqtt" {
		fmt.Fprintf(out, "  Broker: %s\n", cfg.Connection.Broker)
	}
	fmt.Fprintf(out, "Topic prefix: %s (qos %d)\n", cfg.Sync.TopicPrefix, cfg.Sync.QoSLevel())
	fmt.Fprintf(out, "Tick interval: %s, asset timeout: %s\n",
		cfg.Display.TickInterval.Duration, cfg.Display.AssetTimeout.Duration)
	fmt.Fprintln(out, "Configuration check completed successfully.")
	return nil
}

// loadConfig reads and validates the configuration, including the transport
// settings derived from it.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if watchLoopback {
		cfg.Connection.Driver = "loopback"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	if cfg.Connection.Driver == "mqtt" {
		if err := mqtt.SettingsFromConfig(cfg.Connection, cfg.Sync).Validate(); err != nil {
			return nil, fmt.Errorf("configuration invalid: %w", err)
		}
	}
	return cfg, nil
}
