package transfer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cloudhaul/cloudhaul/internal/hashutil"
	"github.com/cloudhaul/cloudhaul/internal/storage"
	"github.com/cloudhaul/cloudhaul/internal/storageurl"
	"github.com/cloudhaul/cloudhaul/internal/task"
)

// StreamingUploadTask uploads from a pipe. The length is unknown up front,
// so the object is written sequentially in one pass; no multi-part expansion
// is possible.
type StreamingUploadTask struct {
	task.Base
	client storage.Client
	dst    storageurl.URL
	opts   Options
}

func (t *StreamingUploadTask) ParallelProcessingKey() any { return t.dst.String() }

func (t *StreamingUploadTask) Execute(ctx context.Context, rt *task.Runtime) (*task.Output, error) {
	w, err := t.client.NewWriter(ctx, t.dst, nil)
	if err != nil {
		return nil, err
	}

	digest := hashutil.NewDigester(hashutil.MD5)
	n, err := io.Copy(io.MultiWriter(w, digest), t.opts.stdin())
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("streaming upload to %s: %w", t.dst, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish streaming upload to %s: %w", t.dst, err)
	}

	recordTransfer("upload", n)
	rt.Publish(task.Event{Time: time.Now(), Kind: task.EventProgress, TaskName: "streaming_upload", Destination: t.dst.String(), Bytes: n})

	res, err := t.client.Attrs(ctx, t.dst)
	if err != nil {
		return nil, fmt.Errorf("read back %s after streaming upload: %w", t.dst, err)
	}

	rt.Logger().Info("streamed upload", "destination", t.dst.String(), "bytes", n)
	return &task.Output{
		Messages: []task.Message{
			{Topic: task.TopicMD5, Payload: digest.Sum()},
			createdResourceMessage(res),
		},
	}, nil
}

// StreamingDownloadTask writes an object to a pipe: strictly sequential,
// no seeking, so no slicing and no local temp file.
type StreamingDownloadTask struct {
	task.Base
	client storage.Client
	src    storageurl.URL
	opts   Options
}

func (t *StreamingDownloadTask) Execute(ctx context.Context, rt *task.Runtime) (*task.Output, error) {
	r, err := t.client.NewReader(ctx, t.src, 0, -1)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	digest := hashutil.NewDigester(hashutil.MD5)
	n, err := io.Copy(io.MultiWriter(t.opts.stdout(), digest), r)
	if err != nil {
		return nil, fmt.Errorf("streaming download of %s: %w", t.src, err)
	}

	recordTransfer("download", n)
	rt.Publish(task.Event{Time: time.Now(), Kind: task.EventProgress, TaskName: "streaming_download", Destination: "-", Bytes: n})
	rt.Logger().Info("streamed download", "source", t.src.String(), "bytes", n)

	return &task.Output{
		Messages: []task.Message{{Topic: task.TopicMD5, Payload: digest.Sum()}},
	}, nil
}
