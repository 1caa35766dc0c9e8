package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Norgate-AV/fitscache/internal/operation"
)

func newOperationsCmd() *cobra.Command {
	operationsCmd := &cobra.Command{
		Use:          "operations",
		Short:        "List the available operations",
		Args:         cobra.NoArgs,
		RunE:         runOperations,
		SilenceUsage: true,
	}

	operationsCmd.Flags().Bool("json", false, "Print the input wizards as JSON")

	return operationsCmd
}

func runOperations(cmd *cobra.Command, args []string) error {
	registry := operation.Default()

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		wizards := make(map[string]operation.Wizard)
		for _, op := range registry.All() {
			wizards[op.Name()] = op.Wizard()
		}

		return printJSON(cmd.OutOrStdout(), wizards)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, op := range registry.All() {
		fmt.Fprintf(w, "%s\t%s\n", op.Name(), op.Description())
	}

	return w.Flush()
}
