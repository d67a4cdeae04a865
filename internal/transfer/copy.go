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

// IntraCloudCopyTask copies within one provider. The data never egresses
// through the client; the provider moves the bytes itself.
type IntraCloudCopyTask struct {
	task.Base
	client storage.Client
	src    storageurl.URL
	dst    storageurl.URL
}

func (t *IntraCloudCopyTask) ParallelProcessingKey() any { return t.dst.String() }

func (t *IntraCloudCopyTask) Execute(ctx context.Context, rt *task.Runtime) (*task.Output, error) {
	res, err := t.client.ServerSideCopy(ctx, t.dst, t.src)
	if err != nil {
		return nil, err
	}

	recordTransfer("copy", res.Size)
	rt.Publish(task.Event{Time: time.Now(), Kind: task.EventProgress, TaskName: "intra_cloud_copy", Destination: t.dst.String(), Bytes: res.Size})
	rt.Logger().Info("server-side copy", "source", t.src.String(), "destination", t.dst.String(), "bytes", res.Size)

	return &task.Output{
		Messages: []task.Message{createdResourceMessage(res)},
	}, nil
}

// DaisyChainCopyTask copies across providers by streaming the source bytes
// through this client into the destination. Nothing touches local disk.
type DaisyChainCopyTask struct {
	task.Base
	client storage.Client
	src    storageurl.URL
	dst    storageurl.URL
	opts   Options
}

func (t *DaisyChainCopyTask) ParallelProcessingKey() any { return t.dst.String() }

func (t *DaisyChainCopyTask) Execute(ctx context.Context, rt *task.Runtime) (*task.Output, error) {
	srcAttrs, err := t.client.Attrs(ctx, t.src)
	if err != nil {
		return nil, err
	}

	r, err := t.client.NewReader(ctx, t.src, 0, -1)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	w, err := t.client.NewWriter(ctx, t.dst, &storage.WriterOptions{
		ContentEncoding: srcAttrs.ContentEncoding,
		Metadata:        srcAttrs.Metadata,
	})
	if err != nil {
		return nil, err
	}

	digest := hashutil.NewDigester(hashutil.MD5)
	n, err := io.Copy(io.MultiWriter(w, digest), r)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("daisy-chain copy %s to %s: %w", t.src, t.dst, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish daisy-chain copy to %s: %w", t.dst, err)
	}

	if t.opts.VerifyHashes && srcAttrs.HasDigest() {
		if err := digest.Compare(srcAttrs.MD5, t.dst.String()); err != nil {
			return nil, err
		}
	}

	res, err := t.client.Attrs(ctx, t.dst)
	if err != nil {
		return nil, fmt.Errorf("read back %s after daisy-chain copy: %w", t.dst, err)
	}

	recordTransfer("copy", n)
	rt.Publish(task.Event{Time: time.Now(), Kind: task.EventProgress, TaskName: "daisy_chain_copy", Destination: t.dst.String(), Bytes: n})
	rt.Logger().Info("daisy-chain copy", "source", t.src.String(), "destination", t.dst.String(), "bytes", n)

	return &task.Output{
		Messages: []task.Message{
			{Topic: task.TopicMD5, Payload: digest.Sum()},
			createdResourceMessage(res),
		},
	}, nil
}
