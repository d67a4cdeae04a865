// Package transfer implements the concrete data-movement tasks and the
// factory that selects among them.
package transfer

import (
	"errors"
	"io"
	"os"

	"github.com/cloudhaul/cloudhaul/internal/resource"
	"github.com/cloudhaul/cloudhaul/internal/storage"
	"github.com/cloudhaul/cloudhaul/internal/storageurl"
	"github.com/cloudhaul/cloudhaul/internal/task"
)

var (
	// ErrLocalToLocal is returned for file→file pairs; local copies are
	// out of scope.
	ErrLocalToLocal = errors.New("local-to-local copy is not supported")

	// ErrACLNotPreservable is returned when ACL preservation is requested
	// across providers; cross-provider ACL semantics cannot be mapped.
	ErrACLNotPreservable = errors.New("cannot preserve ACLs across different providers")
)

// Options carries the per-run transfer settings. Constructed fresh per
// invocation; there are no package-level defaults beyond the zero checks in
// the tasks themselves.
type Options struct {
	ComponentSize      int64 // bytes per upload part / download slice
	ComponentThreshold int64 // transfers at or below this stay single-shot
	VerifyHashes       bool
	TrackerDir         string
	PreserveACL        bool

	// Pipe endpoints; default to os.Stdin / os.Stdout when nil.
	Stdin  io.Reader
	Stdout io.Writer
}

func (o Options) stdin() io.Reader {
	if o.Stdin != nil {
		return o.Stdin
	}
	return os.Stdin
}

func (o Options) stdout() io.Writer {
	if o.Stdout != nil {
		return o.Stdout
	}
	return os.Stdout
}

// NewCopyTask selects the task variant for one source/destination pair.
// Pure decision logic; no I/O happens until the task executes.
func NewCopyTask(client storage.Client, src, dst storageurl.URL, opts Options) (task.Task, error) {
	switch {
	case src.IsFile() && dst.IsFile():
		return nil, ErrLocalToLocal

	case src.IsCloud() && dst.IsFile():
		if dst.IsPipe {
			return &StreamingDownloadTask{client: client, src: src, opts: opts}, nil
		}
		return &FileDownloadTask{client: client, src: src, dst: dst, opts: opts}, nil

	case src.IsFile() && dst.IsCloud():
		if src.IsPipe {
			return &StreamingUploadTask{client: client, dst: dst, opts: opts}, nil
		}
		return &FileUploadTask{client: client, src: src, dst: dst, opts: opts}, nil

	default: // cloud → cloud
		if src.Scheme == dst.Scheme {
			return &IntraCloudCopyTask{client: client, src: src, dst: dst}, nil
		}
		if opts.PreserveACL {
			return nil, ErrACLNotPreservable
		}
		return &DaisyChainCopyTask{client: client, src: src, dst: dst, opts: opts}, nil
	}
}

// UploadedComponent identifies one finished part of a multi-part upload,
// consumed by the compose step.
type UploadedComponent struct {
	Index  int
	URL    storageurl.URL
	Size   int64
	CRC32C []byte
}

// APIDownloadResult is the provider response metadata for one downloaded
// slice, passed to the download-side join step.
type APIDownloadResult struct {
	Index  int
	Offset int64
	Length int64
	MD5    []byte
}

// createdResourceMessage builds the post-write metadata message dependents
// use to address the exact object version they depend on.
func createdResourceMessage(res *resource.Resource) task.Message {
	return task.Message{Topic: task.TopicCreatedResource, Payload: res}
}
