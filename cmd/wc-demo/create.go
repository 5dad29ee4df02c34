package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new pairing and print its wc: URI",
	RunE:  runCreate,
}

func init() {
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	c, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	rec, uri, err := c.Pairing().Create(ctx)
	if err != nil {
		return fmt.Errorf("create pairing: %w", err)
	}

	fmt.Println(uri)
	fmt.Fprintf(cmd.OutOrStdout(), "topic: %s\n", rec.Topic)
	return nil
}
