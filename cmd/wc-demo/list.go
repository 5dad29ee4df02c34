package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List pairings held in the local store",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	c, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, rec := range c.Pairing().List() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\tactive=%v\texpiry=%d\n", rec.Topic, rec.Active, rec.Expiry)
	}
	return nil
}
