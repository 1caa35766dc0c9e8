package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanBasename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"ogg2m001-fs02-20240101-0042-e91", "ogg2m001-fs02-20240101-0042-e91"},
		{"ogg2m001-fs02-20240101-0042-e91-large", "ogg2m001-fs02-20240101-0042-e91"},
		{"ogg2m001-fs02-20240101-0042-e91-small", "ogg2m001-fs02-20240101-0042-e91"},
		{" frame-small ", "frame"},
		{"", ""},
	}

	for _, test := range tests {
		result := CleanBasename(test.input)
		assert.Equal(t, test.expected, result, "CleanBasename(%q)", test.input)
	}
}

func TestStem(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"archive_frame.fits.fz", "archive_frame"},
		{"frame.fits", "frame"},
		{"frame", "frame"},
		{".hidden", ""},
	}

	for _, test := range tests {
		result := Stem(test.input)
		assert.Equal(t, test.expected, result, "Stem(%q)", test.input)
	}
}

func TestBasenamePrefix(t *testing.T) {
	assert.Equal(t, "9c8d4f", BasenamePrefix("9c8d4f-2"))
	assert.Equal(t, "9c8d4f", BasenamePrefix("9c8d4f"))
	assert.Equal(t, "", BasenamePrefix("-x"))
}
