package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "status <key>",
		Short:        "Show the state of an operation",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				state, err := a.ops.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				return printJSON(cmd.OutOrStdout(), state)
			})
		},
	}
}

func newForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "forget <key>",
		Short:        "Delete the cached state of an operation",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				if err := a.ops.Forget(cmd.Context(), args[0]); err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Forgot operation %s\n", args[0])

				return nil
			})
		},
	}
}
