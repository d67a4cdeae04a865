// Package resource describes files and cloud objects exchanged between tasks.
package resource

import (
	"time"
)

// Resource holds the metadata a transfer task knows about one file or object.
// Cloud-side fields (Generation, ETag) are empty for local files.
type Resource struct {
	Name            string            // object name or file path
	Size            int64             // -1 when unknown (streaming sources)
	MD5             []byte            // raw digest bytes, nil when unknown
	CRC32C          []byte            // big-endian checksum bytes, nil when unknown
	ContentEncoding string            // as reported by the provider; may be stale
	Metadata        map[string]string // provider custom metadata
	Generation      string            // provider version token, "" when unsupported
	ETag            string
	Updated         time.Time
}

// HasDigest reports whether at least one content digest is known.
func (r *Resource) HasDigest() bool {
	return len(r.MD5) > 0 || len(r.CRC32C) > 0
}
