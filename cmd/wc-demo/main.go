package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/walletconnect/relay-core/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "wc-demo",
	Short: "wc-demo - WalletConnect relay-core demonstration CLI",
	Long: `wc-demo drives a relay-core Core against a live relay endpoint.

This tool supports:
- Creating a pairing URI (printed, then the command exits)
- Pairing with a URI printed by another wc-demo instance
- Pinging an active pairing
- Disconnecting a pairing
- Listing pairings held in the local store`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.SetDefaultLogger(logger.NewLogger(os.Stderr, logger.ParseLevel(logLevel)))
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&relayURL, "relay-url", "wss://relay.walletconnect.com", "relay WebSocket URL")
	rootCmd.PersistentFlags().StringVar(&postgresDSN, "postgres", "", "postgres host:port/dbname (empty uses an in-memory store)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error, fatal")
}

var (
	relayURL    string
	postgresDSN string
	logLevel    string
)
