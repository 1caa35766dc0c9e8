// Package storage talks to the places source files come from and outputs go
// to: the science archive (HTTP) and the operation bucket (S3).
package storage

import (
	"context"

	perrors "github.com/jmgilman/go/errors"

	"github.com/Norgate-AV/fitscache/internal/utils"
)

// Sources a file can be fetched from
const (
	SourceArchive = "archive"
	SourceDatalab = "datalab"
)

// FrameDownloader fetches archive frames
type FrameDownloader interface {
	Download(ctx context.Context, basename, destPath string) error
}

// ObjectStore reads and writes objects in the operation bucket
type ObjectStore interface {
	Download(ctx context.Context, key, destPath string) error
	Upload(ctx context.Context, key, path string) (string, error)
}

// Fetcher downloads a file from whichever source it belongs to
type Fetcher struct {
	archive FrameDownloader
	objects ObjectStore
}

// NewFetcher creates a fetcher. Either backend may be nil if unused.
func NewFetcher(archive FrameDownloader, objects ObjectStore) *Fetcher {
	return &Fetcher{archive: archive, objects: objects}
}

// DatalabKey is the object key of an operation output
// (e.g. "9c8d4f-1" -> "9c8d4f/9c8d4f-1.fits")
func DatalabKey(basename string) string {
	return utils.BasenamePrefix(basename) + "/" + basename + ".fits"
}

// Download writes the file to destPath
func (f *Fetcher) Download(ctx context.Context, basename, source, destPath string) error {
	switch source {
	case SourceArchive:
		if f.archive == nil {
			return perrors.New(perrors.CodeInvalidConfig, "archive source is not configured")
		}
		return f.archive.Download(ctx, basename, destPath)

	case SourceDatalab:
		if f.objects == nil {
			return perrors.New(perrors.CodeInvalidConfig, "object storage is not configured")
		}
		return f.objects.Download(ctx, DatalabKey(basename), destPath)

	default:
		return perrors.Newf(perrors.CodeInvalidInput, "Source %s not recognized", source)
	}
}
