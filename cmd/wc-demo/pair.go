package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var pairActivate bool

var pairCmd = &cobra.Command{
	Use:   "pair <uri>",
	Short: "Pair with a wc: URI printed by another instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runPair,
}

func init() {
	pairCmd.Flags().BoolVar(&pairActivate, "activate", false, "mark the pairing active immediately instead of waiting for a session settle")
	rootCmd.AddCommand(pairCmd)
}

func runPair(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	c, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	rec, err := c.Pairing().Pair(ctx, args[0], pairActivate)
	if err != nil {
		return fmt.Errorf("pair: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "paired topic=%s active=%v\n", rec.Topic, rec.Active)
	return nil
}
