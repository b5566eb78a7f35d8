package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shaunagostinho/dashbridge/internal/engine"
)

type sendFlags struct {
	configPath string
	demo       bool
	timeout    time.Duration
}

func newSendCmd() *cobra.Command {
	flags := &sendFlags{}

	cmd := &cobra.Command{
		Use:   "send <command> [args...]",
		Short: "Send one command to the MCU",
		Long: fmt.Sprintf(`Open the MCU link, complete the firmware handshake, write one command
and print its receipt as JSON.

Commands: %v`, engine.CommandNames()),
		Example: `  # Cycle the LCD
  dashbridge send lcd-cycle

  # Force LCD brightness
  dashbridge send lcd-brightness 0x80

  # Replace the PID subscription
  dashbridge send pids 0x0C 0x0D 0x05`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := engine.ParseCommand(args[0], args[1:])
			if err != nil {
				return err
			}
			return sendCommand(cmd, flags, c)
		},
	}

	cmd.Flags().StringVar(&flags.configPath, "config", defaultConfigPath, "Path to config file")
	cmd.Flags().BoolVar(&flags.demo, "demo", false, "Send to a simulated MCU")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 2*time.Minute, "Give up if the handshake takes longer")
	return cmd
}

func sendCommand(cmd *cobra.Command, flags *sendFlags, c engine.Command) error {
	cfg, log, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	defer log.Sync()

	// A one-shot command must not replace the service's subscription.
	cfg.Stream.PIDs = nil
	cfg.Stream.AnnounceReady = false

	b, err := openBridge(cfg, flags.demo, log, nil)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
	defer cancel()
	if err := b.eng.Start(ctx); err != nil {
		return err
	}

	receipt, err := b.eng.Execute(c)
	if err != nil {
		log.Error("command failed", zap.String("command", c.Name), zap.Error(err))
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(receipt)
}
