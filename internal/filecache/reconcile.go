package filecache

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Stats describes the shared bookkeeping
type Stats struct {
	Entries   int   `json:"entries"`
	Pending   int   `json:"pending"`
	TotalSize int64 `json:"total_size"`
	MaxBytes  int64 `json:"max_bytes"`
}

// Stats returns a snapshot of the bookkeeping. It does not take the lease.
func (c *FileCache) Stats(ctx context.Context) (*Stats, error) {
	keys, err := c.store.LRange(ctx, c.listKey())
	if err != nil {
		return nil, fmt.Errorf("failed to read LRU list: %w", err)
	}

	total, err := c.totalSize(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Entries: len(keys), TotalSize: total, MaxBytes: c.opts.MaxBytes}
	for _, raw := range keys {
		key, err := ParseFileKey(raw)
		if err != nil {
			continue
		}

		entry, err := c.loadEntry(ctx, key)
		if err != nil {
			return nil, err
		}

		if entry != nil && entry.State == StatePending {
			stats.Pending++
		}
	}

	return stats, nil
}

// Clear empties the bookkeeping and zeroes the total. Files stay on disk
// until the next Reconcile adopts or deletes them.
func (c *FileCache) Clear(ctx context.Context) error {
	return c.withLock(ctx, c.opts.LockTTL, func() error {
		return c.clearLocked(ctx)
	})
}

func (c *FileCache) clearLocked(ctx context.Context) error {
	keys, err := c.store.LRange(ctx, c.listKey())
	if err != nil {
		return fmt.Errorf("failed to read LRU list: %w", err)
	}

	doomed := []string{c.listKey()}
	for _, raw := range keys {
		if key, err := ParseFileKey(raw); err == nil {
			doomed = append(doomed, c.entryKey(key))
		}
	}

	if err := c.store.Del(ctx, doomed...); err != nil {
		return fmt.Errorf("failed to clear entries: %w", err)
	}

	if err := c.store.Set(ctx, c.sizeKey(), "0", 0); err != nil {
		return fmt.Errorf("failed to reset total size: %w", err)
	}

	c.log.Info().Int("entries", len(keys)).Msg("cleared file cache bookkeeping")

	return nil
}

// Reconcile brings the bookkeeping back in line with the files on disk.
// Running it twice in a row changes nothing the second time.
func (c *FileCache) Reconcile(ctx context.Context) error {
	return c.withLock(ctx, c.opts.ReconcileLockTTL, func() error {
		listing, err := scanDir(c.opts.Dir)
		if err != nil {
			return err
		}

		if len(listing.files) == 0 {
			c.log.Warn().Msg("no files found in the cache directory, clearing bookkeeping")
			return c.clearLocked(ctx)
		}

		exists, err := c.store.Exists(ctx, c.sizeKey())
		if err != nil {
			return fmt.Errorf("failed to read total size: %w", err)
		}

		keys, err := c.store.LRange(ctx, c.listKey())
		if err != nil {
			return fmt.Errorf("failed to read LRU list: %w", err)
		}

		if !exists || len(keys) == 0 {
			if err := c.rebuild(ctx, listing); err != nil {
				return err
			}
		} else if err := c.merge(ctx, keys, listing); err != nil {
			return err
		}

		return c.sweepParts(ctx, listing)
	})
}

// rebuild recreates the bookkeeping from the files alone, then evicts to budget
func (c *FileCache) rebuild(ctx context.Context, listing *dirListing) error {
	c.log.Info().Int("files", len(listing.files)).Msg("rebuilding file cache bookkeeping from disk")

	if err := c.clearLocked(ctx); err != nil {
		return err
	}

	keep := filePerKey(listing.files)

	for _, name := range sortedNames(listing.files) {
		key := KeyFromFileName(name)
		if keep[key] != name {
			if err := c.removeDuplicate(name, keep[key]); err != nil {
				return err
			}
			continue
		}

		size := listing.files[name]
		entry := &Entry{
			Key:   key,
			Path:  filepath.Join(c.opts.Dir, name),
			State: StateReady,
			Size:  size,
		}

		if err := c.saveEntry(ctx, entry); err != nil {
			return err
		}

		if err := c.store.LPush(ctx, c.listKey(), entry.Key.String()); err != nil {
			return fmt.Errorf("failed to update LRU list: %w", err)
		}

		if _, err := c.store.IncrBy(ctx, c.sizeKey(), size); err != nil {
			return fmt.Errorf("failed to update total size: %w", err)
		}
	}

	return c.evict(ctx, 0, FileKey{})
}

// merge drops entries whose files are gone and adopts unknown files at the
// LRU tail while they fit; files that do not fit are deleted
func (c *FileCache) merge(ctx context.Context, keys []string, listing *dirListing) error {
	known := make(map[string]bool)
	tracked := make(map[FileKey]string)
	var counted int64

	for _, raw := range keys {
		key, err := ParseFileKey(raw)
		if err != nil {
			c.log.Warn().Str("file_key", raw).Msg("dropping malformed LRU element")
			if err := c.store.LRem(ctx, c.listKey(), raw); err != nil {
				return fmt.Errorf("failed to update LRU list: %w", err)
			}
			continue
		}

		entry, err := c.loadEntry(ctx, key)
		if err != nil {
			return err
		}

		if entry == nil {
			if err := c.store.LRem(ctx, c.listKey(), raw); err != nil {
				return fmt.Errorf("failed to update LRU list: %w", err)
			}
			continue
		}

		name := filepath.Base(entry.Path)

		switch entry.State {
		case StatePending:
			// A live download keeps writing its part file
			if c.partIsLive(listing, name+partSuffix) {
				known[name] = true
				tracked[key] = name
				continue
			}
		case StateReady:
			if _, ok := listing.files[name]; ok {
				known[name] = true
				tracked[key] = name
				counted += entry.Size
				continue
			}
		}

		c.log.Warn().Str("file_key", raw).Str("state", string(entry.State)).Msg("dropping entry without a file")
		if err := c.dropEntry(ctx, entry); err != nil {
			return err
		}
	}

	total, err := c.totalSize(ctx)
	if err != nil {
		return err
	}

	if total != counted {
		c.log.Warn().Int64("recorded", total).Int64("counted", counted).Msg("total size drifted, correcting")
		if err := c.store.Set(ctx, c.sizeKey(), strconv.FormatInt(counted, 10), 0); err != nil {
			return fmt.Errorf("failed to correct total size: %w", err)
		}
		total = counted
	}

	preferred := filePerKey(listing.files)

	for _, name := range sortedNames(listing.files) {
		if known[name] {
			continue
		}

		key := KeyFromFileName(name)
		owner, ok := tracked[key]
		if !ok {
			owner = preferred[key]
		}

		if owner != name {
			if err := c.removeDuplicate(name, owner); err != nil {
				return err
			}
			continue
		}

		size := listing.files[name]
		path := filepath.Join(c.opts.Dir, name)

		if total+size > c.opts.MaxBytes {
			c.log.Info().Str("path", path).Int64("size", size).Msg("deleting file that does not fit the budget")
			if err := removeFile(path); err != nil {
				return fmt.Errorf("failed to delete %s: %w", name, err)
			}
			continue
		}

		entry := &Entry{Key: key, Path: path, State: StateReady, Size: size}
		if err := c.saveEntry(ctx, entry); err != nil {
			return err
		}

		tracked[key] = name

		if err := c.store.RPush(ctx, c.listKey(), entry.Key.String()); err != nil {
			return fmt.Errorf("failed to update LRU list: %w", err)
		}

		total, err = c.store.IncrBy(ctx, c.sizeKey(), size)
		if err != nil {
			return fmt.Errorf("failed to update total size: %w", err)
		}

		c.log.Info().Str("file_key", entry.Key.String()).Int64("size", size).Msg("adopted file")
	}

	return c.evict(ctx, 0, FileKey{})
}

// removeDuplicate deletes a file whose key is already served by owner
func (c *FileCache) removeDuplicate(name, owner string) error {
	c.log.Warn().Str("path", name).Str("kept", owner).Msg("deleting duplicate file for the same key")
	if err := removeFile(filepath.Join(c.opts.Dir, name)); err != nil {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}

	return nil
}

// filePerKey picks one file name for every key found on disk, preferring the
// name a download would have produced, then the first name in order
func filePerKey(files map[string]int64) map[FileKey]string {
	keep := make(map[FileKey]string)

	for _, name := range sortedNames(files) {
		key := KeyFromFileName(name)

		current, ok := keep[key]
		if !ok || (name == key.FileName() && current != name) {
			keep[key] = name
		}
	}

	return keep
}

// partIsLive reports whether a part file was written to recently enough that
// its download is probably still running
func (c *FileCache) partIsLive(listing *dirListing, name string) bool {
	modified, ok := listing.parts[name]
	return ok && time.Since(modified) < c.opts.Timeout
}

// sweepParts removes part files that no live pending entry is waiting on
func (c *FileCache) sweepParts(ctx context.Context, listing *dirListing) error {
	for _, name := range sortedParts(listing.parts) {
		key := KeyFromFileName(strings.TrimSuffix(name, partSuffix))

		entry, err := c.loadEntry(ctx, key)
		if err != nil {
			return err
		}

		if entry != nil && entry.State == StatePending && c.partIsLive(listing, name) {
			continue
		}

		c.log.Info().Str("path", name).Msg("removing leftover partial download")
		if err := removeFile(filepath.Join(c.opts.Dir, name)); err != nil {
			return fmt.Errorf("failed to delete %s: %w", name, err)
		}
	}

	return nil
}

func sortedParts(parts map[string]time.Time) []string {
	names := make([]string, 0, len(parts))
	for name := range parts {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func sortedNames(files map[string]int64) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
