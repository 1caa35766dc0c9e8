package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Norgate-AV/fitscache/internal/config"
	"github.com/Norgate-AV/fitscache/internal/filecache"
	"github.com/Norgate-AV/fitscache/internal/kv"
	"github.com/Norgate-AV/fitscache/internal/logging"
	"github.com/Norgate-AV/fitscache/internal/opcache"
	"github.com/Norgate-AV/fitscache/internal/operation"
	"github.com/Norgate-AV/fitscache/internal/storage"
	"github.com/Norgate-AV/fitscache/internal/worker"
)

const archiveTimeout = 10 * time.Minute

// app holds the components a command works with
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	store    kv.Store
	objects  storage.ObjectStore
	files    *filecache.FileCache
	queue    *worker.Queue
	ops      *opcache.Cache
	registry *operation.Registry
}

// loadConfig reads configuration for cmd from every source
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	viper.Reset()

	loader := config.NewLoader()
	if dir, _ := cmd.Flags().GetString("config-dir"); dir != "" {
		loader.GlobalDir = dir
	}

	cfg, err := loader.Load(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// newApp wires the store, file cache, operation cache and queue from config
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	store, err := kv.Open(cmd.Context(), cfg.Store, cfg.RedisURL, cfg.BoltPath)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		registry: operation.Default(),
	}

	archive := storage.NewArchiveClient(cfg.ArchiveAPI, cfg.ArchiveAPIToken, archiveTimeout)

	if cfg.ObjectStorageEnabled() {
		s3, err := storage.NewS3Store(storage.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			store.Close()
			return nil, err
		}

		a.objects = s3
	} else {
		log.Debug().Msg("object storage not configured, datalab source disabled")
	}

	a.files, err = filecache.New(store, storage.NewFetcher(archive, a.objects), filecache.Options{
		Dir:          cfg.CacheDir,
		Class:        cfg.ContainerType,
		MaxBytes:     cfg.FilecacheTotalSize,
		LockTTL:      cfg.LockTTL,
		LockWait:     cfg.LockWait,
		PollInterval: cfg.PollInterval,
		Timeout:      cfg.FitsTimeout,
	}, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	a.queue = worker.NewQueue(store, cfg.QueueName, log)
	a.ops = opcache.New(store, a.queue, opcache.Options{TTL: cfg.ResultTTL}, log)

	return a, nil
}

func (a *app) worker() *worker.Worker {
	return worker.New(a.queue, a.ops, a.registry, a.files, a.objects, worker.Config{
		Concurrency: a.cfg.Concurrency,
		MaxRetries:  a.cfg.MaxRetries,
	}, a.log)
}

func (a *app) Close() error {
	return a.store.Close()
}

// withApp runs fn with a wired app and closes it afterwards
func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	defer func() {
		if err := a.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		}
	}()

	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

// readInput parses the invocation input from --input or --file
func readInput(cmd *cobra.Command) (opcache.Input, error) {
	raw, _ := cmd.Flags().GetString("input")
	path, _ := cmd.Flags().GetString("file")

	if raw != "" && path != "" {
		return nil, fmt.Errorf("--input and --file are mutually exclusive")
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}

		raw = string(data)
	}

	input := opcache.Input{}
	if raw == "" {
		return input, nil
	}

	if err := opcache.DecodeInput([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("invalid input JSON: %w", err)
	}

	return input, nil
}
