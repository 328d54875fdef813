// Package main provides the CLI entry point for the securerpc client.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/coinstash/securerpc/internal/config"
	"github.com/coinstash/securerpc/internal/keystore"
	"github.com/coinstash/securerpc/internal/logging"
	"github.com/coinstash/securerpc/internal/metrics"
	"github.com/coinstash/securerpc/internal/protocol"
	"github.com/coinstash/securerpc/internal/transport"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "securerpc-client",
		Short:   "securerpc client - connects, completes a handshake, and sends one ping",
		Version: Version,
	}
	rootCmd.AddCommand(pingCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func pingCmd() *cobra.Command {
	var configPath string
	var addr string
	var peerKeyPath string
	var logLevel string
	var logFormat string

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Connect to a server and exchange a single Ping/Pong",
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
				cfg.Client.ServerAddress = addr
			}
			if cmd.Flags().Changed("peer-key") {
				cfg.Client.PeerSigningKeyPath = peerKeyPath
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

			peerKey, err := keystore.LoadPeerPublicKey(cfg.Client.PeerSigningKeyPath)
			if err != nil {
				return fmt.Errorf("failed to load peer signing key: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Client.HandshakeTimeout*2)
			defer cancel()

			opts := transport.Options{
				HandshakeTimeout: cfg.Client.HandshakeTimeout,
				MaxFrameSize:     cfg.Client.MaxFrameSize,
				Logger:           logger,
				Metrics:          m,
			}

			session, err := transport.Connect(ctx, cfg.Client.ServerAddress, peerKey, opts)
			if err != nil {
				return fmt.Errorf("connect failed: %w", err)
			}
			defer session.Close()

			fmt.Printf("connected to %s (max frame %s)\n", session.RemoteAddr(), humanize.Bytes(uint64(cfg.Client.MaxFrameSize)))

			if err := session.Send(protocol.Ping{}); err != nil {
				return fmt.Errorf("send failed: %w", err)
			}

			reply, err := session.Receive()
			if err != nil {
				return fmt.Errorf("receive failed: %w", err)
			}

			switch msg := reply.(type) {
			case protocol.Pong:
				fmt.Println("received Pong")
			case protocol.ErrorMessage:
				return fmt.Errorf("server returned an error: %s", msg.Text)
			default:
				return fmt.Errorf("unexpected reply type %T", msg)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "Server address (overrides config)")
	cmd.Flags().StringVar(&peerKeyPath, "peer-key", "", "Path to the server's pinned public signing key (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "Log format: text, json")

	return cmd
}
