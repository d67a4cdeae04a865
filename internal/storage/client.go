// Package storage abstracts provider access behind one narrow client
// interface. The production implementation rides on gocloud.dev blob
// buckets; tests substitute fakes.
package storage

import (
	"context"
	"io"

	"github.com/cloudhaul/cloudhaul/internal/resource"
	"github.com/cloudhaul/cloudhaul/internal/storageurl"
)

// WriterOptions carries the metadata written alongside an object.
type WriterOptions struct {
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
}

// ObjectIterator walks a single-pass, non-restartable listing sequence.
type ObjectIterator interface {
	// Next returns the next object, or io.EOF when the sequence is
	// exhausted.
	Next(ctx context.Context) (*resource.Resource, error)
}

// Client is the provider-neutral surface the transfer tasks run against.
type Client interface {
	// Attrs fetches the metadata of one object.
	Attrs(ctx context.Context, u storageurl.URL) (*resource.Resource, error)

	// NewReader opens a ranged reader over an object. length < 0 reads
	// to the end.
	NewReader(ctx context.Context, u storageurl.URL, offset, length int64) (io.ReadCloser, error)

	// NewWriter opens a writer that creates or replaces an object when
	// closed.
	NewWriter(ctx context.Context, u storageurl.URL, opts *WriterOptions) (io.WriteCloser, error)

	// List returns an iterator over all objects under the URL's object
	// prefix.
	List(ctx context.Context, u storageurl.URL) (ObjectIterator, error)

	// ServerSideCopy copies src to dst within one provider without the
	// bytes transiting this client.
	ServerSideCopy(ctx context.Context, dst, src storageurl.URL) (*resource.Resource, error)

	// Compose concatenates the parts, in order, into dst.
	Compose(ctx context.Context, dst storageurl.URL, parts []storageurl.URL) (*resource.Resource, error)

	// Delete removes an object.
	Delete(ctx context.Context, u storageurl.URL) error

	// Close releases provider connections.
	Close() error
}
