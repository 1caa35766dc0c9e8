package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Norgate-AV/fitscache/internal/version"
)

// NewRootCmd builds the fitscache command tree
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fitscache",
		Short: "Distributed FITS file and operation result cache",
		Long: `fitscache runs data operations on FITS images once per distinct input,
caches their results in a shared store, and keeps a size-bounded LRU cache
of downloaded frames on each worker volume.`,
		SilenceUsage: true,
	}

	rootCmd.Version = fmt.Sprintf("%s (%s) %s", version.Version, version.Commit, version.BuildTime)

	flags := rootCmd.PersistentFlags()
	flags.String("config-dir", "", "Directory holding the global config file")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("log-format", "", "Log format (console or json)")
	flags.BoolP("verbose", "v", false, "Verbose output")
	flags.String("store", "", "Shared store backend (redis or bolt)")
	flags.String("redis-url", "", "Redis URL for the redis store")
	flags.String("bolt-path", "", "Database file for the bolt store")
	flags.String("container-type", "", "Container class sharing one file cache")
	flags.String("cache-dir", "", "Directory of the FITS file cache")

	rootCmd.AddCommand(
		newWorkerCmd(),
		newSubmitCmd(),
		newStatusCmd(),
		newForgetCmd(),
		newOperationsCmd(),
		newCacheCmd(),
	)

	return rootCmd
}

func Execute() {
	err := NewRootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
