package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping <topic>",
	Short: "Ping an active pairing and wait for the peer's pong",
	Args:  cobra.ExactArgs(1),
	RunE:  runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
}

func runPing(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	c, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Pairing().Ping(ctx, args[0]); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "pong")
	return nil
}
