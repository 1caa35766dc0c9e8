package cmd

import (
	perrors "github.com/jmgilman/go/errors"
	"github.com/spf13/cobra"

	"github.com/Norgate-AV/fitscache/internal/opcache"
	"github.com/Norgate-AV/fitscache/internal/operation"
)

func newSubmitCmd() *cobra.Command {
	submitCmd := &cobra.Command{
		Use:   "submit <operation>",
		Short: "Submit an operation",
		Long: `Submit an operation for execution. An operation already running or
completed with the same input is not started again; the key of the existing
result is returned instead.`,
		Args:         cobra.ExactArgs(1),
		RunE:         runSubmit,
		SilenceUsage: true,
	}

	submitCmd.Flags().StringP("input", "i", "", "Operation input as JSON")
	submitCmd.Flags().StringP("file", "f", "", "File holding the operation input as JSON")

	return submitCmd
}

type submitResult struct {
	Key     string         `json:"key"`
	Started bool           `json:"started"`
	State   *opcache.State `json:"state"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	if _, ok := operation.Default().Get(args[0]); !ok {
		return perrors.Newf(perrors.CodeNotImplemented, "Operation not implemented: %s", args[0])
	}

	input, err := readInput(cmd)
	if err != nil {
		return err
	}

	return withApp(cmd, func(a *app) error {
		inv, err := opcache.NewInvocation(args[0], input)
		if err != nil {
			return err
		}

		started, err := a.ops.Submit(cmd.Context(), inv)
		if err != nil {
			return err
		}

		state, err := a.ops.Get(cmd.Context(), inv.Key)
		if err != nil {
			return err
		}

		return printJSON(cmd.OutOrStdout(), submitResult{Key: inv.Key, Started: started, State: state})
	})
}
