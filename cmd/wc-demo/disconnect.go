package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <topic>",
	Short: "Disconnect a pairing",
	Args:  cobra.ExactArgs(1),
	RunE:  runDisconnect,
}

func init() {
	rootCmd.AddCommand(disconnectCmd)
}

func runDisconnect(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	c, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Pairing().Disconnect(ctx, args[0]); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "disconnected")
	return nil
}
