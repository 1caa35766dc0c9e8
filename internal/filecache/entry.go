package filecache

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Norgate-AV/fitscache/internal/utils"
)

// State of a cache entry
type State string

const (
	// StatePending means some process is downloading the file right now
	StatePending State = "pending"

	// StateReady means the file is on disk and its size is counted
	StateReady State = "ready"
)

// fileSuffix is appended to every cached file name
const fileSuffix = ".fits.fz"

// partSuffix marks a download that has not finished yet
const partSuffix = ".part"

// defaultSource is used for files added by hand whose name carries no source
const defaultSource = "local"

// FileKey identifies one cached file: the same frame from two sources is two entries
type FileKey struct {
	Source   string
	Basename string
}

// NewFileKey builds a key, cleaning display suffixes off the basename
func NewFileKey(source, basename string) FileKey {
	return FileKey{Source: source, Basename: utils.CleanBasename(basename)}
}

// String is the key's form in the LRU list ("source:basename")
func (k FileKey) String() string {
	return k.Source + ":" + k.Basename
}

// FileName is the name the file is stored under in the cache directory
func (k FileKey) FileName() string {
	return k.Source + "_" + k.Basename + fileSuffix
}

// ParseFileKey reverses FileKey.String
func ParseFileKey(s string) (FileKey, error) {
	source, basename, ok := strings.Cut(s, ":")
	if !ok || source == "" || basename == "" {
		return FileKey{}, fmt.Errorf("malformed file key %q", s)
	}

	return FileKey{Source: source, Basename: basename}, nil
}

// KeyFromFileName derives the key of a file found in (or added to) the cache directory
func KeyFromFileName(name string) FileKey {
	stem := utils.Stem(name)
	if source, basename, ok := strings.Cut(stem, "_"); ok && source != "" && basename != "" {
		return FileKey{Source: source, Basename: basename}
	}

	return FileKey{Source: defaultSource, Basename: stem}
}

// Entry is the shared bookkeeping for one cached file
type Entry struct {
	Key FileKey

	// Path is the absolute path of the cached file
	Path string

	State State

	// Size in bytes; only meaningful once ready
	Size int64
}

// Entry hash fields
const (
	fieldPath  = "file_path"
	fieldState = "state"
	fieldSize  = "size"
)

func (e *Entry) fields() map[string]string {
	return map[string]string{
		fieldPath:  e.Path,
		fieldState: string(e.State),
		fieldSize:  strconv.FormatInt(e.Size, 10),
	}
}

// decodeEntry returns nil when the hash is empty (no entry)
func decodeEntry(key FileKey, fields map[string]string) (*Entry, error) {
	if len(fields) == 0 {
		return nil, nil
	}

	entry := &Entry{
		Key:   key,
		Path:  fields[fieldPath],
		State: State(fields[fieldState]),
	}

	if raw := fields[fieldSize]; raw != "" {
		size, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid size %q for %s: %w", raw, key, err)
		}

		entry.Size = size
	}

	switch entry.State {
	case StatePending, StateReady:
	default:
		return nil, fmt.Errorf("invalid state %q for %s", entry.State, key)
	}

	return entry, nil
}
