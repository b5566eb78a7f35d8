package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shaunagostinho/dashbridge/internal/metrics"
	"github.com/shaunagostinho/dashbridge/internal/server"
)

type runFlags struct {
	configPath string
	demo       bool
	listenAddr string
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bridge service",
		Long: `Open the MCU link, verify the firmware and serve the live channel vector
on /ws, the command and config API on /api and Prometheus metrics on /metrics.

When the MCU sends POWER_DISABLE the bridge acknowledges it and shuts the
host down. Press Ctrl+C to stop.`,
		Example: `  # Run against the MCU on the configured port
  dashbridge run

  # Run with a simulated MCU
  dashbridge run --demo --listen :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(flags)
		},
	}

	cmd.Flags().StringVar(&flags.configPath, "config", defaultConfigPath, "Path to config file")
	cmd.Flags().BoolVar(&flags.demo, "demo", false, "Run with a simulated MCU")
	cmd.Flags().StringVar(&flags.listenAddr, "listen", "", "Override listen address (e.g. :8080)")
	return cmd
}

func runBridge(flags *runFlags) error {
	cfg, log, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	defer log.Sync()

	if flags.listenAddr != "" {
		cfg.Server.ListenAddr = flags.listenAddr
	}
	if flags.demo && len(cfg.Stream.PIDs) == 0 {
		cfg.Stream.PIDs = demoPIDs
	}
	log.Info("dashbridge starting", zap.String("version", version), zap.Bool("demo", flags.demo))

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", zap.Stringer("signal", sig))
		cancel()
	}()

	reg := metrics.NewRegistry()
	b, err := openBridge(cfg, flags.demo, log, metrics.New(reg))
	if err != nil {
		return err
	}
	defer b.Close()

	srv := server.New(cfg, b.eng, reg, log)
	if err := srv.Run(ctx); err != nil {
		log.Error("server exited", zap.Error(err))
		return err
	}
	return nil
}
