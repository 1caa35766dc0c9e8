package utils

import (
	"strings"
)

// displaySuffixes are appended to basenames of rendered previews
var displaySuffixes = []string{"-large", "-small"}

// CleanBasename strips display-only suffixes so previews resolve to their source frame
func CleanBasename(basename string) string {
	for _, suffix := range displaySuffixes {
		basename = strings.ReplaceAll(basename, suffix, "")
	}

	return strings.TrimSpace(basename)
}

// Stem returns a file name up to its first dot (e.g. "frame.fits.fz" -> "frame")
func Stem(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}

	return name
}

// BasenamePrefix returns the part of a basename before its first dash,
// which is the folder operation outputs are stored under
func BasenamePrefix(basename string) string {
	if i := strings.IndexByte(basename, '-'); i >= 0 {
		return basename[:i]
	}

	return basename
}
