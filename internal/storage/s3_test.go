package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewS3Store_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  S3Config
		want string
	}{
		{"no endpoint", S3Config{AccessKey: "a", SecretKey: "b", Bucket: "c"}, "endpoint is required"},
		{"no credentials", S3Config{Endpoint: "localhost:9000", Bucket: "c"}, "access key and secret key"},
		{"no bucket", S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"}, "bucket is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewS3Store(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewS3Store_Defaults(t *testing.T) {
	s, err := NewS3Store(S3Config{
		Endpoint:  "localhost:9000",
		AccessKey: "a",
		SecretKey: "b",
		Bucket:    "datalab-operations",
	})
	require.NoError(t, err)

	assert.Equal(t, "datalab-operations", s.Bucket())
	assert.Equal(t, "us-east-1", s.region)
	assert.Equal(t, MaxPresignExpiry, s.urlExpiry)
}
