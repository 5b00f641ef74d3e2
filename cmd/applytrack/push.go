package main

import (
	"context"

	"github.com/spf13/cobra"
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload every local record to the cloud copy and mark it synced",
	Args:  cobra.NoArgs,
	RunE:  runPush,
}

func init() {
	rootCmd.AddCommand(pushCmd)
}

func runPush(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		result, err := a.engine.Push(ctx)
		if err != nil {
			return err
		}
		return writeJSON(cmd, result)
	})
}
