// Package filecache provides a byte-bounded LRU cache of downloaded FITS files
// shared by every process of a deployment class.
//
// Files live on a volume all processes can see; the bookkeeping lives in the
// shared kv.Store:
//
//  1. one hash per file (<class>_filecache_entry:<source>:<basename>) holding
//     its path, state and size
//  2. an LRU list of file keys (<class>_filecache_list), head is most recent
//  3. a running total of ready bytes (<class>_filecache_size)
//
// Every bookkeeping change happens under the class lease
// (<class>_filecache_lock). Downloads happen outside it: a pending entry tells
// other processes someone is already fetching the file, and they poll until it
// becomes ready or their timeout runs out.
package filecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Norgate-AV/fitscache/internal/kv"
)

const (
	// DefaultMaxBytes is the default byte budget (10 GiB)
	DefaultMaxBytes int64 = 10 << 30

	// DefaultClass is the default deployment class
	DefaultClass = "worker"

	DefaultLockTTL          = 5 * time.Second
	DefaultReconcileLockTTL = 60 * time.Second
	DefaultLockWait         = 10 * time.Second
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultTimeout          = 30 * time.Second
)

// Downloader fetches a file from its source to destPath
type Downloader interface {
	Download(ctx context.Context, basename, source, destPath string) error
}

// Options configures a FileCache. Zero values take the defaults above.
type Options struct {
	// Dir is the shared cache volume
	Dir string

	// Class scopes the bookkeeping keys (e.g. "worker", "web")
	Class string

	MaxBytes         int64
	LockTTL          time.Duration
	ReconcileLockTTL time.Duration
	LockWait         time.Duration
	PollInterval     time.Duration

	// Timeout bounds how long GetFits waits on another process's download
	Timeout time.Duration
}

func (o *Options) setDefaults() {
	if o.Class == "" {
		o.Class = DefaultClass
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.LockTTL <= 0 {
		o.LockTTL = DefaultLockTTL
	}
	if o.ReconcileLockTTL <= 0 {
		o.ReconcileLockTTL = DefaultReconcileLockTTL
	}
	if o.LockWait <= 0 {
		o.LockWait = DefaultLockWait
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
}

// FileCache is safe for concurrent use by many goroutines and processes
type FileCache struct {
	store    kv.Store
	fetch    Downloader
	opts     Options
	log      zerolog.Logger
	inflight singleflight.Group
}

// New creates a file cache over store, creating the cache directory if needed
func New(store kv.Store, fetch Downloader, opts Options, log zerolog.Logger) (*FileCache, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}

	opts.setDefaults()

	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache directory: %w", err)
	}

	opts.Dir = dir

	// Ensure cache directory exists
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &FileCache{
		store: store,
		fetch: fetch,
		opts:  opts,
		log:   log.With().Str("component", "filecache").Str("class", opts.Class).Logger(),
	}, nil
}

// Dir returns the absolute cache directory
func (c *FileCache) Dir() string {
	return c.opts.Dir
}

// MaxBytes returns the byte budget
func (c *FileCache) MaxBytes() int64 {
	return c.opts.MaxBytes
}

func (c *FileCache) lockKey() string { return c.opts.Class + "_filecache_lock" }
func (c *FileCache) listKey() string { return c.opts.Class + "_filecache_list" }
func (c *FileCache) sizeKey() string { return c.opts.Class + "_filecache_size" }

func (c *FileCache) entryKey(key FileKey) string {
	return c.opts.Class + "_filecache_entry:" + key.String()
}

func (c *FileCache) pathFor(key FileKey) string {
	return filepath.Join(c.opts.Dir, key.FileName())
}

// withLock runs fn under the class lease
func (c *FileCache) withLock(ctx context.Context, ttl time.Duration, fn func() error) error {
	err := kv.WithLock(ctx, c.store, c.lockKey(), ttl, c.opts.LockWait, fn)
	if errors.Is(err, kv.ErrLockNotObtained) {
		return perrors.Wrapf(err, perrors.CodeUnavailable, "file cache lock not obtained within %s", c.opts.LockWait)
	}

	return err
}

// GetFits returns the local path of a source file, downloading it if no
// process has it yet. It waits at most the configured timeout for a download
// running elsewhere.
func (c *FileCache) GetFits(ctx context.Context, basename, source string) (string, error) {
	key := NewFileKey(source, basename)
	if key.Basename == "" || key.Source == "" {
		return "", perrors.New(perrors.CodeInvalidInput, "basename and source are required")
	}

	// The shared attempt outlives any one caller; each caller still stops
	// waiting on its own context.
	ch := c.inflight.DoChan(key.String(), func() (any, error) {
		return c.waitForFile(context.WithoutCancel(ctx), key)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}

		return res.Val.(string), nil
	}
}

// waitForFile polls resolve until the file is ready or the timeout passes
func (c *FileCache) waitForFile(ctx context.Context, key FileKey) (string, error) {
	log := c.log.With().Str("file_key", key.String()).Logger()
	deadline := time.Now().Add(c.opts.Timeout)

	for {
		path, err := c.resolve(ctx, key)
		if err != nil {
			// A busy lease counts as "not yet", the deadline still bounds us
			if !errors.Is(err, kv.ErrLockNotObtained) {
				return "", err
			}

			log.Debug().Msg("file cache lock busy")
		} else if path != "" {
			return path, nil
		}

		if !time.Now().Before(deadline) {
			log.Error().Dur("timeout", c.opts.Timeout).Msg("timed out waiting for file")
			return "", perrors.WithClassification(
				perrors.Newf(perrors.CodeTimeout, "Failed to retrieve %s within %s", key.Basename, c.opts.Timeout),
				perrors.ClassificationPermanent,
			)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.opts.PollInterval):
		}
	}
}

// resolve makes one attempt at the file. It returns "" with no error when
// another process is still downloading it.
func (c *FileCache) resolve(ctx context.Context, key FileKey) (string, error) {
	log := c.log.With().Str("file_key", key.String()).Logger()

	var (
		path    string
		claimed *Entry
	)

	err := c.withLock(ctx, c.opts.LockTTL, func() error {
		entry, err := c.loadEntry(ctx, key)
		if err != nil {
			return err
		}

		if entry != nil {
			if entry.State == StatePending {
				log.Debug().Msg("download in progress elsewhere")
				return nil
			}

			if _, ok := fileSize(entry.Path); ok {
				log.Debug().Msg("cache hit")
				path = entry.Path
				return c.promote(ctx, key)
			}

			// Bookkeeping outlived the file
			log.Warn().Str("path", entry.Path).Msg("cached file is missing, downloading again")
			if err := c.dropEntry(ctx, entry); err != nil {
				return err
			}
		}

		claimed = &Entry{Key: key, Path: c.pathFor(key), State: StatePending}
		if err := c.saveEntry(ctx, claimed); err != nil {
			return err
		}

		return c.promote(ctx, key)
	})
	if err != nil {
		return "", err
	}

	if claimed == nil {
		return path, nil
	}

	return c.download(ctx, claimed)
}

// download fetches a claimed entry outside the lease and finalizes it
func (c *FileCache) download(ctx context.Context, entry *Entry) (string, error) {
	log := c.log.With().Str("file_key", entry.Key.String()).Logger()
	partPath := entry.Path + partSuffix

	log.Info().Msg("downloading file")
	start := time.Now()

	size, err := c.fetchTo(ctx, entry, partPath)
	if err != nil {
		log.Error().Err(err).Msg("download failed")
		c.abandon(ctx, entry, partPath)
		return "", err
	}

	if err := c.finalize(ctx, entry, size); err != nil {
		log.Error().Err(err).Msg("failed to finalize download")
		return "", err
	}

	log.Info().Int64("size", size).Dur("took", time.Since(start)).Msg("download complete")

	return entry.Path, nil
}

func (c *FileCache) fetchTo(ctx context.Context, entry *Entry, partPath string) (int64, error) {
	if err := c.fetch.Download(ctx, entry.Key.Basename, entry.Key.Source, partPath); err != nil {
		return 0, err
	}

	if err := os.Rename(partPath, entry.Path); err != nil {
		return 0, perrors.Wrap(err, perrors.CodeInternal, "failed to move download into place")
	}

	size, ok := fileSize(entry.Path)
	if !ok {
		return 0, perrors.Newf(perrors.CodeInternal, "downloaded file %s disappeared", entry.Path)
	}

	return size, nil
}

// abandon removes a failed download so the next caller starts fresh
func (c *FileCache) abandon(ctx context.Context, entry *Entry, partPath string) {
	ctx = context.WithoutCancel(ctx)

	if err := removeFile(partPath); err != nil {
		c.log.Warn().Err(err).Str("path", partPath).Msg("failed to remove partial download")
	}

	err := c.withLock(ctx, c.opts.LockTTL, func() error {
		if err := c.store.Del(ctx, c.entryKey(entry.Key)); err != nil {
			return err
		}

		return c.store.LRem(ctx, c.listKey(), entry.Key.String())
	})
	if err != nil {
		// Reconcile drops the stale pending entry later
		c.log.Error().Err(err).Str("file_key", entry.Key.String()).Msg("failed to remove pending entry")
	}
}

// finalize marks a downloaded entry ready and evicts down to the budget
func (c *FileCache) finalize(ctx context.Context, entry *Entry, size int64) error {
	return c.withLock(ctx, c.opts.LockTTL, func() error {
		current, err := c.loadEntry(ctx, entry.Key)
		if err != nil {
			return err
		}

		switch {
		case current == nil:
			// Cleared or reconciled away while we downloaded
			if err := c.promote(ctx, entry.Key); err != nil {
				return err
			}
		case current.State == StateReady:
			// Already counted
			if err := c.dropEntry(ctx, current); err != nil {
				return err
			}
			if err := c.promote(ctx, entry.Key); err != nil {
				return err
			}
		}

		entry.State = StateReady
		entry.Size = size
		if err := c.saveEntry(ctx, entry); err != nil {
			return err
		}

		if _, err := c.store.IncrBy(ctx, c.sizeKey(), size); err != nil {
			return fmt.Errorf("failed to update total size: %w", err)
		}

		return c.evict(ctx, 0, entry.Key)
	})
}

// AddFile admits a locally produced file, moving it into the cache directory.
// Older entries are evicted first so the new file fits the budget.
func (c *FileCache) AddFile(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", perrors.Wrapf(err, perrors.CodeInvalidInput, "cannot add %s to the file cache", path)
	}

	if !info.Mode().IsRegular() {
		return "", perrors.Newf(perrors.CodeInvalidInput, "%s is not a regular file", path)
	}

	name := filepath.Base(path)
	key := KeyFromFileName(name)
	dest := filepath.Join(c.opts.Dir, name)
	log := c.log.With().Str("file_key", key.String()).Logger()

	if src, err := filepath.Abs(path); err != nil || src != dest {
		if err := moveFile(path, dest); err != nil {
			return "", perrors.Wrapf(err, perrors.CodeInternal, "failed to move %s into the file cache", name)
		}
	}

	size := info.Size()

	err = c.withLock(ctx, c.opts.LockTTL, func() error {
		existing, err := c.loadEntry(ctx, key)
		if err != nil {
			return err
		}

		// Replacing an entry: take it out before eviction can touch its file
		if existing != nil {
			if err := c.dropEntry(ctx, existing); err != nil {
				return err
			}
		}

		if err := c.evict(ctx, size, FileKey{}); err != nil {
			return err
		}

		entry := &Entry{Key: key, Path: dest, State: StateReady, Size: size}
		if err := c.saveEntry(ctx, entry); err != nil {
			return err
		}

		if _, err := c.store.IncrBy(ctx, c.sizeKey(), size); err != nil {
			return fmt.Errorf("failed to update total size: %w", err)
		}

		return c.promote(ctx, key)
	})
	if err != nil {
		return "", err
	}

	log.Info().Int64("size", size).Msg("added file to cache")

	return dest, nil
}

// evict removes ready entries from the LRU tail until total+incoming fits
// the budget. Pending entries and the protected key are set aside and put
// back at the tail in their original order. Must hold the lease.
func (c *FileCache) evict(ctx context.Context, incoming int64, protect FileKey) (err error) {
	total, err := c.totalSize(ctx)
	if err != nil {
		return err
	}

	var kept []string
	defer func() {
		for i := len(kept) - 1; i >= 0; i-- {
			if pushErr := c.store.RPush(ctx, c.listKey(), kept[i]); pushErr != nil && err == nil {
				err = fmt.Errorf("failed to restore LRU tail: %w", pushErr)
			}
		}
	}()

	for total+incoming > c.opts.MaxBytes {
		tail, err := c.store.RPop(ctx, c.listKey())
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to pop LRU tail: %w", err)
		}

		if tail == protect.String() {
			kept = append(kept, tail)
			continue
		}

		key, err := ParseFileKey(tail)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed LRU element")
			continue
		}

		entry, err := c.loadEntry(ctx, key)
		if err != nil {
			kept = append(kept, tail)
			return err
		}

		if entry == nil {
			continue
		}

		// Still downloading elsewhere; it holds no bytes yet
		if entry.State == StatePending {
			kept = append(kept, tail)
			continue
		}

		if err := c.store.Del(ctx, c.entryKey(key)); err != nil {
			kept = append(kept, tail)
			return fmt.Errorf("failed to delete entry: %w", err)
		}

		total, err = c.store.IncrBy(ctx, c.sizeKey(), -entry.Size)
		if err != nil {
			return fmt.Errorf("failed to update total size: %w", err)
		}

		if err := removeFile(entry.Path); err != nil {
			c.log.Warn().Err(err).Str("path", entry.Path).Msg("failed to delete evicted file")
		}

		c.log.Info().Str("file_key", tail).Int64("size", entry.Size).Int64("total", total).Msg("evicted file")
	}

	return nil
}

// dropEntry removes an entry from the bookkeeping without touching its file
func (c *FileCache) dropEntry(ctx context.Context, entry *Entry) error {
	if err := c.store.Del(ctx, c.entryKey(entry.Key)); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}

	if err := c.store.LRem(ctx, c.listKey(), entry.Key.String()); err != nil {
		return fmt.Errorf("failed to remove entry from LRU list: %w", err)
	}

	if entry.State == StateReady && entry.Size != 0 {
		if _, err := c.store.IncrBy(ctx, c.sizeKey(), -entry.Size); err != nil {
			return fmt.Errorf("failed to update total size: %w", err)
		}
	}

	return nil
}

// promote moves key to the head of the LRU list
func (c *FileCache) promote(ctx context.Context, key FileKey) error {
	if err := c.store.LRem(ctx, c.listKey(), key.String()); err != nil {
		return fmt.Errorf("failed to update LRU list: %w", err)
	}

	if err := c.store.LPush(ctx, c.listKey(), key.String()); err != nil {
		return fmt.Errorf("failed to update LRU list: %w", err)
	}

	return nil
}

func (c *FileCache) loadEntry(ctx context.Context, key FileKey) (*Entry, error) {
	fields, err := c.store.HGetAll(ctx, c.entryKey(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}

	return decodeEntry(key, fields)
}

func (c *FileCache) saveEntry(ctx context.Context, entry *Entry) error {
	if err := c.store.HSet(ctx, c.entryKey(entry.Key), entry.fields()); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}

	return nil
}

func (c *FileCache) totalSize(ctx context.Context) (int64, error) {
	raw, err := c.store.Get(ctx, c.sizeKey())
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read total size: %w", err)
	}

	total, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid total size %q: %w", raw, err)
	}

	return total, nil
}
