package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Norgate-AV/fitscache/internal/storage"
)

func newCacheCmd() *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the FITS file cache",
	}

	fetchCmd := &cobra.Command{
		Use:          "fetch <basename>",
		Short:        "Fetch a frame into the cache and print its path",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			source, _ := cmd.Flags().GetString("source")

			return withApp(cmd, func(a *app) error {
				path, err := a.files.GetFits(cmd.Context(), args[0], source)
				if err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), path)

				return nil
			})
		},
	}
	fetchCmd.Flags().String("source", storage.SourceArchive, "Source of the frame (archive or datalab)")

	cacheCmd.AddCommand(
		fetchCmd,
		&cobra.Command{
			Use:          "add <path>",
			Short:        "Move a local file into the cache",
			Args:         cobra.ExactArgs(1),
			SilenceUsage: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(a *app) error {
					path, err := a.files.AddFile(cmd.Context(), args[0])
					if err != nil {
						return err
					}

					fmt.Fprintln(cmd.OutOrStdout(), path)

					return nil
				})
			},
		},
		&cobra.Command{
			Use:          "reconcile",
			Short:        "Bring the cache bookkeeping in line with the files on disk",
			Args:         cobra.NoArgs,
			SilenceUsage: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(a *app) error {
					if err := a.files.Reconcile(cmd.Context()); err != nil {
						return err
					}

					return printStats(cmd, a)
				})
			},
		},
		&cobra.Command{
			Use:          "clear",
			Short:        "Clear the cache bookkeeping; files are kept until the next reconcile",
			Args:         cobra.NoArgs,
			SilenceUsage: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(a *app) error {
					return a.files.Clear(cmd.Context())
				})
			},
		},
		&cobra.Command{
			Use:          "stats",
			Short:        "Show cache usage",
			Args:         cobra.NoArgs,
			SilenceUsage: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(a *app) error {
					return printStats(cmd, a)
				})
			},
		},
	)

	return cacheCmd
}

func printStats(cmd *cobra.Command, a *app) error {
	stats, err := a.files.Stats(cmd.Context())
	if err != nil {
		return err
	}

	return printJSON(cmd.OutOrStdout(), stats)
}
