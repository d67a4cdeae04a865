package storageurl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want URL
	}{
		{"pipe", "-", URL{IsPipe: true, Scheme: "file"}},
		{"file scheme", "file:///tmp/data.bin", URL{Scheme: "file", Object: "/tmp/data.bin"}},
		{"bare absolute path", "/tmp/data.bin", URL{Scheme: "file", Object: "/tmp/data.bin"}},
		{"bare relative path", "data.bin", URL{Scheme: "file", Object: "data.bin"}},
		{"gcs object", "gs://bucket/path/to/obj", URL{Scheme: "gs", Bucket: "bucket", Object: "path/to/obj"}},
		{"s3 object", "s3://bucket/obj", URL{Scheme: "s3", Bucket: "bucket", Object: "obj"}},
		{"whole container", "gs://bucket", URL{Scheme: "gs", Bucket: "bucket"}},
		{"container trailing slash", "gs://bucket/", URL{Scheme: "gs", Bucket: "bucket"}},
		{"object with spaces kept verbatim", "gs://b/a b%20c", URL{Scheme: "gs", Bucket: "b", Object: "a b%20c"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, raw := range []string{"", "://bucket/obj", "gs://", "file://"} {
		_, err := Parse(raw)
		require.Error(t, err, "raw=%q", raw)
		assert.ErrorIs(t, err, ErrInvalidURL)
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, raw := range []string{
		"-",
		"/tmp/data.bin",
		"gs://bucket/path/to/obj",
		"s3://bucket/obj",
		"gs://bucket",
	} {
		u, err := Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, raw, u.String())
	}
}

func TestIsFileIsCloud(t *testing.T) {
	assert.True(t, File("/tmp/x").IsFile())
	assert.False(t, File("/tmp/x").IsCloud())
	assert.True(t, Pipe().IsFile())

	u, err := Parse("gs://b/o")
	require.NoError(t, err)
	assert.True(t, u.IsCloud())
	assert.False(t, u.IsFile())
}
