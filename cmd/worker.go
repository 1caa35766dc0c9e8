package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Norgate-AV/fitscache/internal/config"
)

func newWorkerCmd() *cobra.Command {
	workerCmd := &cobra.Command{
		Use:          "worker",
		Short:        "Run a worker",
		Long:         `Reconcile the file cache, then execute queued operations until interrupted.`,
		Args:         cobra.NoArgs,
		RunE:         runWorker,
		SilenceUsage: true,
	}

	workerCmd.Flags().Int("concurrency", config.DefaultConcurrency, "Number of operations run at once")
	workerCmd.Flags().Int("max-retries", config.DefaultMaxRetries, "Retries of a retryable failure")
	workerCmd.Flags().String("queue-name", "", "Task queue to consume")

	return workerCmd
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(cmd, func(a *app) error {
		a.log.Info().
			Str("store", a.cfg.Store).
			Str("container_type", a.cfg.ContainerType).
			Str("cache_dir", a.cfg.CacheDir).
			Int64("max_bytes", a.cfg.FilecacheTotalSize).
			Msg("starting worker")

		return a.worker().Run(ctx)
	})
}
