package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewHealthCmd creates the "health" subcommand.
func NewHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check backend reachability",
		Args:  cobra.NoArgs,
		RunE:  runHealth,
	}
}

func runHealth(cmd *cobra.Command, _ []string) error {
	client, err := setupClient(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if err := client.Health(cmd.Context()); err != nil {
		return serviceError("backend health check", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Backend %s is healthy.\n", client.API().BaseURL())
	return nil
}
