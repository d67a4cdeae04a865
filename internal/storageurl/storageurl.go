// Package storageurl models source and destination locations for transfers.
package storageurl

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidURL is returned when a raw location string cannot be parsed.
var ErrInvalidURL = errors.New("invalid storage URL")

// URL identifies a transfer endpoint: a local file, a pipe, or a cloud object.
type URL struct {
	IsPipe bool
	Scheme string // "file" for local paths; "gs", "s3", ... for cloud
	Bucket string
	Object string
}

// IsFile reports whether the URL refers to the local filesystem (or a pipe).
func (u URL) IsFile() bool {
	return u.Scheme == "file" || u.IsPipe
}

// IsCloud reports whether the URL refers to a cloud object.
func (u URL) IsCloud() bool {
	return !u.IsFile()
}

// String renders the URL back into its canonical form.
func (u URL) String() string {
	if u.IsPipe {
		return "-"
	}
	if u.Scheme == "file" {
		return u.Object
	}
	if u.Object == "" {
		return fmt.Sprintf("%s://%s", u.Scheme, u.Bucket)
	}
	return fmt.Sprintf("%s://%s/%s", u.Scheme, u.Bucket, u.Object)
}

// File returns a URL for a local filesystem path.
func File(path string) URL {
	return URL{Scheme: "file", Object: path}
}

// Pipe returns a URL for a stdin/stdout pipe endpoint.
func Pipe() URL {
	return URL{IsPipe: true, Scheme: "file"}
}

// Parse interprets a raw location string.
//
// Accepted forms:
//
//	-                       pipe (stdin or stdout depending on position)
//	file:///path or /path   local file
//	<scheme>://bucket/obj   cloud object; object may be empty (whole container)
//
// Object names are taken verbatim; they are not percent-decoded, since cloud
// object keys may legally contain characters that URL unescaping would mangle.
func Parse(raw string) (URL, error) {
	if raw == "" {
		return URL{}, fmt.Errorf("%w: empty location", ErrInvalidURL)
	}
	if raw == "-" {
		return Pipe(), nil
	}
	if path, ok := strings.CutPrefix(raw, "file://"); ok {
		if path == "" {
			return URL{}, fmt.Errorf("%w: empty file path in %q", ErrInvalidURL, raw)
		}
		return File(path), nil
	}

	idx := strings.Index(raw, "://")
	if idx < 0 {
		// Bare path, treated as a local file.
		return File(raw), nil
	}

	scheme := raw[:idx]
	rest := raw[idx+3:]
	if scheme == "" {
		return URL{}, fmt.Errorf("%w: missing scheme in %q", ErrInvalidURL, raw)
	}
	if rest == "" {
		return URL{}, fmt.Errorf("%w: missing bucket in %q", ErrInvalidURL, raw)
	}

	bucket, object, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return URL{}, fmt.Errorf("%w: missing bucket in %q", ErrInvalidURL, raw)
	}

	return URL{Scheme: scheme, Bucket: bucket, Object: object}, nil
}
