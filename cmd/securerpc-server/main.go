// Package main provides the CLI entry point for the securerpc server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coinstash/securerpc/internal/config"
	"github.com/coinstash/securerpc/internal/dispatch"
	"github.com/coinstash/securerpc/internal/keystore"
	"github.com/coinstash/securerpc/internal/logging"
	"github.com/coinstash/securerpc/internal/metrics"
	"github.com/coinstash/securerpc/internal/transport"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "securerpc-server",
		Short:   "securerpc server - accepts handshakes and dispatches messages",
		Version: Version,
	}
	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string
	var addr string
	var keyPath string
	var logLevel string
	var logFormat string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				cfg = loaded
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Address = addr
			}
			if cmd.Flags().Changed("key") {
				cfg.Server.SigningKeyPath = keyPath
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Logging.Format = logFormat
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
			m := metrics.Default()

			signingKey, created, err := keystore.LoadOrCreateSigningKey(cfg.Server.SigningKeyPath)
			if err != nil {
				return fmt.Errorf("failed to load signing key: %w", err)
			}
			if created {
				logger.Info("generated a new signing key", logging.KeyComponent, "keystore")
			}

			fmt.Printf("Listening on %s (max frame %s, handshake timeout %s)\n",
				cfg.Server.Address,
				humanize.Bytes(uint64(cfg.Server.MaxFrameSize)),
				cfg.Server.HandshakeTimeout)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				fmt.Printf("\nreceived signal %v, shutting down...\n", sig)
				cancel()
			}()

			opts := transport.Options{
				HandshakeTimeout: cfg.Server.HandshakeTimeout,
				MaxFrameSize:     cfg.Server.MaxFrameSize,
				Logger:           logger,
				Metrics:          m,
			}

			return transport.Serve(ctx, cfg.Server.Address, signingKey, dispatch.EchoDispatcher{}, opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "Bind address (overrides config)")
	cmd.Flags().StringVar(&keyPath, "key", "", "Signing key path (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "Log format: text, json")

	return cmd
}
