package operation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	perrors "github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"

	"github.com/Norgate-AV/fitscache/internal/opcache"
	"github.com/Norgate-AV/fitscache/internal/storage"
	"github.com/Norgate-AV/fitscache/internal/utils"
)

// FileStore materializes input files and keeps published outputs local
type FileStore interface {
	GetFits(ctx context.Context, basename, source string) (string, error)
	AddFile(ctx context.Context, path string) (string, error)
}

// ProgressRecorder stores progress reported while running
type ProgressRecorder interface {
	SetProgress(ctx context.Context, key string, progress float64) error
}

// Deps are the services an execution reaches through
type Deps struct {
	Files    FileStore
	Objects  storage.ObjectStore
	Progress ProgressRecorder

	// WorkDir is scratch space owned by this execution
	WorkDir string

	Log zerolog.Logger
}

// Execution is the handle an operation runs with
type Execution struct {
	Key   string
	Name  string
	Input opcache.Input

	deps   Deps
	log    zerolog.Logger
	output *opcache.Output
}

// NewExecution prepares an execution of inv
func NewExecution(inv *opcache.Invocation, deps Deps) *Execution {
	return &Execution{
		Key:   inv.Key,
		Name:  inv.Name,
		Input: inv.Input,
		deps:  deps,
		log:   deps.Log.With().Str("cache_key", inv.Key).Str("operation", inv.Name).Logger(),
	}
}

// Log returns the execution's logger
func (e *Execution) Log() *zerolog.Logger {
	return &e.log
}

// InputFiles returns the file references under field
func (e *Execution) InputFiles(field string) ([]opcache.FileRef, error) {
	refs, err := e.Input.Files(field)
	if err != nil {
		return nil, perrors.Wrap(err, perrors.CodeInvalidInput, "invalid input files")
	}

	return refs, nil
}

// Fetch returns a local path for ref, downloading it through the file cache
func (e *Execution) Fetch(ctx context.Context, ref opcache.FileRef) (string, error) {
	if e.deps.Files == nil {
		return "", perrors.New(perrors.CodeInvalidConfig, "file cache is not configured")
	}

	source := ref.Source
	if source == "" {
		source = storage.SourceArchive
	}

	return e.deps.Files.GetFits(ctx, ref.Basename, source)
}

// Publish uploads the file at path as an operation output named basename and
// admits a copy to the file cache, so later operations read it locally
func (e *Execution) Publish(ctx context.Context, path, basename string) (opcache.Artifact, error) {
	if e.deps.Objects == nil {
		return opcache.Artifact{}, perrors.New(perrors.CodeInvalidConfig, "object storage is not configured")
	}

	url, err := e.deps.Objects.Upload(ctx, storage.DatalabKey(basename), path)
	if err != nil {
		return opcache.Artifact{}, err
	}

	artifact := opcache.Artifact{Basename: basename, Source: storage.SourceDatalab, FitsURL: url}

	if e.deps.Files != nil {
		dir, err := e.TempDir()
		if err != nil {
			return opcache.Artifact{}, perrors.Wrap(err, perrors.CodeInternal, "failed to stage output")
		}

		staged := filepath.Join(dir, storage.SourceDatalab+"_"+basename+".fits")
		if err := utils.CopyFile(path, staged); err != nil {
			return opcache.Artifact{}, perrors.Wrap(err, perrors.CodeInternal, "failed to stage output")
		}

		if _, err := e.deps.Files.AddFile(ctx, staged); err != nil {
			// The upload succeeded; a cold file cache only costs a download later
			e.log.Warn().Err(err).Str("basename", basename).Msg("failed to cache published output")
		}
	}

	e.log.Info().Str("basename", basename).Msg("published output")

	return artifact, nil
}

// SetProgress reports progress in [0, 1)
func (e *Execution) SetProgress(ctx context.Context, progress float64) error {
	if e.deps.Progress == nil {
		return nil
	}

	return e.deps.Progress.SetProgress(ctx, e.Key, progress)
}

// SetOutput records the result returned once Operate succeeds
func (e *Execution) SetOutput(out *opcache.Output) {
	e.output = out
}

// Output returns what the operation recorded, nil if nothing
func (e *Execution) Output() *opcache.Output {
	return e.output
}

// TempDir returns the execution's scratch directory, creating it if needed
func (e *Execution) TempDir() (string, error) {
	if e.deps.WorkDir == "" {
		return "", fmt.Errorf("execution has no work directory")
	}

	if err := os.MkdirAll(e.deps.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}

	return e.deps.WorkDir, nil
}
