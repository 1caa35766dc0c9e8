package filecache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/Norgate-AV/fitscache/internal/utils"
)

// dirListing is what scanDir found in the cache directory
type dirListing struct {
	// files maps complete file names to their size
	files map[string]int64

	// parts maps unfinished downloads to their last write time
	parts map[string]time.Time
}

// scanDir lists the regular files directly inside dir
func scanDir(dir string) (*dirListing, error) {
	listing := &dirListing{
		files: make(map[string]int64),
		parts: make(map[string]time.Time),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return listing, nil
		}
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info
			continue
		}

		name := entry.Name()
		if strings.HasSuffix(name, partSuffix) {
			listing.parts[name] = info.ModTime()
			continue
		}

		listing.files[name] = info.Size()
	}

	return listing, nil
}

// fileSize returns the size of a regular file, or false if it is missing
func fileSize(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}

	return info.Size(), true
}

// removeFile deletes path; a file that is already gone is not an error
func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return nil
}

// moveFile renames src to dst, copying when they are on different filesystems
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	if err := utils.CopyFile(src, dst); err != nil {
		return err
	}

	return os.Remove(src)
}
