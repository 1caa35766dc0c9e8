package filecache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	perrors "github.com/jmgilman/go/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/fitscache/internal/kv"
)

// fakeDownloader writes a file of a fixed size and counts calls per key
type fakeDownloader struct {
	mu    sync.Mutex
	calls map[string]int
	sizes map[string]int
	gates map[string]chan struct{}
	delay time.Duration
	err   error
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{
		calls: make(map[string]int),
		sizes: make(map[string]int),
		gates: make(map[string]chan struct{}),
	}
}

// hold makes downloads of basename wait until the returned channel is closed
func (f *fakeDownloader) hold(basename string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	gate := make(chan struct{})
	f.gates[basename] = gate

	return gate
}

func (f *fakeDownloader) Download(ctx context.Context, basename, source, destPath string) error {
	f.mu.Lock()
	f.calls[source+":"+basename]++
	size, ok := f.sizes[basename]
	if !ok {
		size = 100
	}
	delay, err, gate := f.delay, f.err, f.gates[basename]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if delay > 0 {
		time.Sleep(delay)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(destPath, bytes.Repeat([]byte("x"), size), 0o644)
}

func (f *fakeDownloader) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[key]
}

func (f *fakeDownloader) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.err = err
}

// stores returns one fresh shared store per backend
func stores(t *testing.T) map[string]kv.Store {
	t.Helper()

	mr := miniredis.RunT(t)
	redisStore := kv.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { redisStore.Close() })

	boltStore, err := kv.NewBoltStore(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { boltStore.Close() })

	return map[string]kv.Store{
		kv.BackendRedis: redisStore,
		kv.BackendBolt:  boltStore,
	}
}

func newTestCache(t *testing.T, store kv.Store, fetch Downloader, dir string, maxBytes int64) *FileCache {
	t.Helper()

	c, err := New(store, fetch, Options{
		Dir:          dir,
		Class:        "test",
		MaxBytes:     maxBytes,
		PollInterval: 10 * time.Millisecond,
		Timeout:      2 * time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)

	return c
}

func listKeys(t *testing.T, c *FileCache) []string {
	t.Helper()

	keys, err := c.store.LRange(context.Background(), c.listKey())
	require.NoError(t, err)

	return keys
}

func TestGetFits_DownloadsOnceThenHits(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			fetch := newFakeDownloader()
			c := newTestCache(t, store, fetch, t.TempDir(), 1000)

			path, err := c.GetFits(ctx, "frame-a", "archive")
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(c.Dir(), "archive_frame-a.fits.fz"), path)
			assert.FileExists(t, path)

			// Display suffixes resolve to the same entry
			again, err := c.GetFits(ctx, "frame-a-large", "archive")
			require.NoError(t, err)
			assert.Equal(t, path, again)
			assert.Equal(t, 1, fetch.count("archive:frame-a"))

			stats, err := c.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Entries)
			assert.Equal(t, 0, stats.Pending)
			assert.Equal(t, int64(100), stats.TotalSize)
		})
	}
}

func TestGetFits_SameBasenameDifferentSources(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			fetch := newFakeDownloader()
			c := newTestCache(t, store, fetch, t.TempDir(), 1000)

			a, err := c.GetFits(ctx, "frame", "archive")
			require.NoError(t, err)

			b, err := c.GetFits(ctx, "frame", "datalab")
			require.NoError(t, err)

			assert.NotEqual(t, a, b)
			assert.Equal(t, []string{"datalab:frame", "archive:frame"}, listKeys(t, c))
		})
	}
}

func TestGetFits_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			fetch := newFakeDownloader()
			c := newTestCache(t, store, fetch, t.TempDir(), 300)

			paths := make(map[string]string)
			for _, basename := range []string{"a", "b", "c"} {
				path, err := c.GetFits(ctx, basename, "archive")
				require.NoError(t, err)
				paths[basename] = path
			}

			stats, err := c.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(300), stats.TotalSize)

			// A fourth file pushes out the oldest
			_, err = c.GetFits(ctx, "d", "archive")
			require.NoError(t, err)

			assert.NoFileExists(t, paths["a"])
			assert.Equal(t, []string{"archive:d", "archive:c", "archive:b"}, listKeys(t, c))

			// Touching b makes c the oldest
			_, err = c.GetFits(ctx, "b", "archive")
			require.NoError(t, err)

			_, err = c.GetFits(ctx, "e", "archive")
			require.NoError(t, err)

			assert.NoFileExists(t, paths["c"])
			assert.FileExists(t, paths["b"])
			assert.Equal(t, []string{"archive:e", "archive:b", "archive:d"}, listKeys(t, c))

			stats, err = c.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(300), stats.TotalSize)
			assert.Equal(t, 1, fetch.count("archive:b"))
		})
	}
}

func TestGetFits_OversizeFileEvictsEverythingElse(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			fetch := newFakeDownloader()
			fetch.sizes["huge"] = 500
			c := newTestCache(t, store, fetch, t.TempDir(), 300)

			small, err := c.GetFits(ctx, "small", "archive")
			require.NoError(t, err)

			huge, err := c.GetFits(ctx, "huge", "archive")
			require.NoError(t, err)

			assert.FileExists(t, huge)
			assert.NoFileExists(t, small)
			assert.Equal(t, []string{"archive:huge"}, listKeys(t, c))

			stats, err := c.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(500), stats.TotalSize)
		})
	}
}

func TestGetFits_FailureLeavesNoPendingEntry(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			fetch := newFakeDownloader()
			fetch.fail(perrors.New(perrors.CodeNetwork, "archive unreachable"))
			c := newTestCache(t, store, fetch, t.TempDir(), 1000)

			_, err := c.GetFits(ctx, "frame", "archive")
			require.Error(t, err)
			assert.Equal(t, perrors.CodeNetwork, perrors.GetCode(err))

			stats, err := c.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, stats.Entries)
			assert.Equal(t, 0, stats.Pending)

			matches, err := filepath.Glob(filepath.Join(c.Dir(), "*"+partSuffix))
			require.NoError(t, err)
			assert.Empty(t, matches)

			// The next caller starts a fresh download
			fetch.fail(nil)
			path, err := c.GetFits(ctx, "frame", "archive")
			require.NoError(t, err)
			assert.FileExists(t, path)
			assert.Equal(t, 2, fetch.count("archive:frame"))
		})
	}
}

func TestGetFits_ConcurrentProcessesDownloadOnce(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			fetch := newFakeDownloader()
			fetch.delay = 200 * time.Millisecond
			dir := t.TempDir()

			// Two caches over one store and volume behave like two processes
			first := newTestCache(t, store, fetch, dir, 1000)
			second := newTestCache(t, store, fetch, dir, 1000)

			var wg sync.WaitGroup
			results := make([]string, 4)
			errs := make([]error, 4)
			for i := range results {
				c := first
				if i%2 == 1 {
					c = second
				}

				wg.Add(1)
				go func(i int, c *FileCache) {
					defer wg.Done()
					results[i], errs[i] = c.GetFits(ctx, "shared", "archive")
				}(i, c)
			}

			wg.Wait()

			for i := range results {
				require.NoError(t, errs[i])
				assert.Equal(t, results[0], results[i])
			}

			assert.Equal(t, 1, fetch.count("archive:shared"))

			stats, err := first.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(100), stats.TotalSize)
		})
	}
}

func TestGetFits_EvictionSkipsRunningDownloads(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			fetch := newFakeDownloader()
			gate := fetch.hold("p")
			dir := t.TempDir()

			first := newTestCache(t, store, fetch, dir, 100)
			second := newTestCache(t, store, fetch, dir, 100)
			third := newTestCache(t, store, fetch, dir, 100)

			paths := make(chan string, 2)
			errs := make(chan error, 2)
			fetchP := func(c *FileCache) {
				path, err := c.GetFits(ctx, "p", "archive")
				paths <- path
				errs <- err
			}

			go fetchP(first)

			pKey := NewFileKey("archive", "p")
			require.Eventually(t, func() bool {
				entry, err := first.loadEntry(ctx, pKey)
				return err == nil && entry != nil && entry.State == StatePending
			}, time.Second, 5*time.Millisecond)

			// Filling the budget evicts "a" but leaves the running download alone
			_, err := second.GetFits(ctx, "a", "archive")
			require.NoError(t, err)
			_, err = second.GetFits(ctx, "b", "archive")
			require.NoError(t, err)
			assert.Equal(t, []string{"archive:b", "archive:p"}, listKeys(t, second))

			go fetchP(third)
			time.Sleep(50 * time.Millisecond)
			close(gate)

			for range 2 {
				require.NoError(t, <-errs)
				assert.Equal(t, first.pathFor(pKey), <-paths)
			}
			assert.Equal(t, 1, fetch.count("archive:p"))

			stats, err := first.Stats(ctx)
			require.NoError(t, err)
			assert.LessOrEqual(t, stats.TotalSize, stats.MaxBytes)
			assert.Equal(t, 0, stats.Pending)
		})
	}
}

func TestGetFits_CancelledCallerDoesNotFailOthers(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			fetch := newFakeDownloader()
			gate := fetch.hold("shared")
			c := newTestCache(t, store, fetch, t.TempDir(), 1000)

			firstCtx, cancel := context.WithCancel(context.Background())
			firstErr := make(chan error, 1)
			go func() {
				_, err := c.GetFits(firstCtx, "shared", "archive")
				firstErr <- err
			}()

			key := NewFileKey("archive", "shared")
			require.Eventually(t, func() bool {
				entry, err := c.loadEntry(context.Background(), key)
				return err == nil && entry != nil && entry.State == StatePending
			}, time.Second, 5*time.Millisecond)

			type result struct {
				path string
				err  error
			}
			second := make(chan result, 1)
			go func() {
				path, err := c.GetFits(context.Background(), "shared", "archive")
				second <- result{path, err}
			}()

			cancel()
			assert.ErrorIs(t, <-firstErr, context.Canceled)

			close(gate)

			res := <-second
			require.NoError(t, res.err)
			assert.Equal(t, c.pathFor(key), res.path)
			assert.Equal(t, 1, fetch.count("archive:shared"))

			entry, err := c.loadEntry(context.Background(), key)
			require.NoError(t, err)
			require.NotNil(t, entry)
			assert.Equal(t, StateReady, entry.State)
		})
	}
}

func TestGetFits_TimesOutOnStuckDownload(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			fetch := newFakeDownloader()
			c, err := New(store, fetch, Options{
				Dir:          t.TempDir(),
				Class:        "test",
				PollInterval: 10 * time.Millisecond,
				Timeout:      200 * time.Millisecond,
			}, zerolog.Nop())
			require.NoError(t, err)

			// Another process claimed the file and never finished
			key := NewFileKey("archive", "stuck")
			pending := &Entry{Key: key, Path: c.pathFor(key), State: StatePending}
			require.NoError(t, c.saveEntry(ctx, pending))

			_, err = c.GetFits(ctx, "stuck", "archive")
			require.Error(t, err)
			assert.Equal(t, perrors.CodeTimeout, perrors.GetCode(err))
			assert.False(t, perrors.IsRetryable(err))
			assert.Contains(t, err.Error(), "Failed to retrieve stuck within 200ms")
			assert.Equal(t, 0, fetch.count("archive:stuck"))
		})
	}
}

func TestGetFits_MissingFileIsDownloadedAgain(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			fetch := newFakeDownloader()
			c := newTestCache(t, store, fetch, t.TempDir(), 1000)

			path, err := c.GetFits(ctx, "frame", "archive")
			require.NoError(t, err)
			require.NoError(t, os.Remove(path))

			path, err = c.GetFits(ctx, "frame", "archive")
			require.NoError(t, err)
			assert.FileExists(t, path)
			assert.Equal(t, 2, fetch.count("archive:frame"))

			stats, err := c.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(100), stats.TotalSize)
			assert.Equal(t, 1, stats.Entries)
		})
	}
}

func TestGetFits_RequiresBasenameAndSource(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			c := newTestCache(t, store, newFakeDownloader(), t.TempDir(), 1000)

			_, err := c.GetFits(context.Background(), "", "archive")
			assert.Equal(t, perrors.CodeInvalidInput, perrors.GetCode(err))

			_, err = c.GetFits(context.Background(), "frame", "")
			assert.Equal(t, perrors.CodeInvalidInput, perrors.GetCode(err))
		})
	}
}

func TestGetFits_LockUnavailable(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			c, err := New(store, newFakeDownloader(), Options{
				Dir:          t.TempDir(),
				Class:        "test",
				LockWait:     50 * time.Millisecond,
				PollInterval: 10 * time.Millisecond,
				Timeout:      150 * time.Millisecond,
			}, zerolog.Nop())
			require.NoError(t, err)

			lease, err := store.Lock(ctx, c.lockKey(), 5*time.Second, time.Second)
			require.NoError(t, err)
			defer lease.Release(ctx)

			// Waiting on a held lease still ends at the deadline
			_, err = c.GetFits(ctx, "frame", "archive")
			require.Error(t, err)
			assert.Equal(t, perrors.CodeTimeout, perrors.GetCode(err))
		})
	}
}

func TestAddFile(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			fetch := newFakeDownloader()
			c := newTestCache(t, store, fetch, t.TempDir(), 300)

			old, err := c.GetFits(ctx, "old", "archive")
			require.NoError(t, err)
			_, err = c.GetFits(ctx, "recent", "archive")
			require.NoError(t, err)

			src := filepath.Join(t.TempDir(), "datalab_9c8d4f-1.fits")
			require.NoError(t, os.WriteFile(src, bytes.Repeat([]byte("y"), 150), 0o644))

			path, err := c.AddFile(ctx, src)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(c.Dir(), "datalab_9c8d4f-1.fits"), path)
			assert.FileExists(t, path)
			assert.NoFileExists(t, src)

			// Room was made before admitting
			assert.NoFileExists(t, old)
			assert.Equal(t, []string{"datalab:9c8d4f-1", "archive:recent"}, listKeys(t, c))

			stats, err := c.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(250), stats.TotalSize)

			// Admitted files are hits for GetFits
			got, err := c.GetFits(ctx, "9c8d4f-1", "datalab")
			require.NoError(t, err)
			assert.Equal(t, path, got)
			assert.Equal(t, 0, fetch.count("datalab:9c8d4f-1"))
		})
	}
}

func TestAddFile_ReplacesExistingEntry(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			c := newTestCache(t, store, newFakeDownloader(), t.TempDir(), 1000)

			for _, size := range []int{100, 40} {
				src := filepath.Join(t.TempDir(), "datalab_out.fits")
				require.NoError(t, os.WriteFile(src, bytes.Repeat([]byte("y"), size), 0o644))

				_, err := c.AddFile(ctx, src)
				require.NoError(t, err)
			}

			stats, err := c.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Entries)
			assert.Equal(t, int64(40), stats.TotalSize)
		})
	}
}

func TestAddFile_KeyWithoutSource(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			c := newTestCache(t, store, newFakeDownloader(), t.TempDir(), 1000)

			src := filepath.Join(t.TempDir(), "scratch.fits")
			require.NoError(t, os.WriteFile(src, []byte("z"), 0o644))

			_, err := c.AddFile(ctx, src)
			require.NoError(t, err)
			assert.Equal(t, []string{"local:scratch"}, listKeys(t, c))

			_, err = c.AddFile(ctx, filepath.Join(t.TempDir(), "missing.fits"))
			assert.Equal(t, perrors.CodeInvalidInput, perrors.GetCode(err))
		})
	}
}

func TestNew_RequiresDir(t *testing.T) {
	_, err := New(nil, nil, Options{}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache directory is required")
}
