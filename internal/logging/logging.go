// Package logging builds the root zerolog logger from configuration
package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Output formats
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New returns a logger writing to w at the given level.
// An empty level means info; an empty format means console.
func New(level, format string, w io.Writer) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
		}

		lvl = parsed
	}

	switch strings.ToLower(format) {
	case FormatJSON:
	case FormatConsole, "":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q (expected %s or %s)", format, FormatJSON, FormatConsole)
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}
