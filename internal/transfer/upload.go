package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cloudhaul/cloudhaul/internal/hashutil"
	"github.com/cloudhaul/cloudhaul/internal/metrics"
	"github.com/cloudhaul/cloudhaul/internal/storage"
	"github.com/cloudhaul/cloudhaul/internal/storageurl"
	"github.com/cloudhaul/cloudhaul/internal/task"
	"github.com/cloudhaul/cloudhaul/internal/tracker"
)

// FileUploadTask copies a local file to a cloud object. Above the component
// threshold it expands into N part uploads plus a compose step; otherwise it
// uploads in one shot.
type FileUploadTask struct {
	task.Base
	client storage.Client
	src    storageurl.URL // local file
	dst    storageurl.URL
	opts   Options
}

func (t *FileUploadTask) ParallelProcessingKey() any { return t.dst.String() }

func (t *FileUploadTask) Execute(ctx context.Context, rt *task.Runtime) (*task.Output, error) {
	info, err := os.Stat(t.src.Object)
	if err != nil {
		return nil, fmt.Errorf("stat upload source %s: %w", t.src.Object, err)
	}
	size := info.Size()

	if t.opts.ComponentSize <= 0 || t.opts.ComponentThreshold <= 0 || size <= t.opts.ComponentThreshold {
		return t.uploadWhole(ctx, rt, size)
	}
	return t.uploadSliced(rt, size)
}

func (t *FileUploadTask) uploadWhole(ctx context.Context, rt *task.Runtime, size int64) (*task.Output, error) {
	f, err := os.Open(t.src.Object)
	if err != nil {
		return nil, fmt.Errorf("open upload source %s: %w", t.src.Object, err)
	}
	defer f.Close()

	w, err := t.client.NewWriter(ctx, t.dst, nil)
	if err != nil {
		return nil, err
	}

	digest := hashutil.NewDigester(hashutil.MD5)
	if _, err := io.Copy(io.MultiWriter(w, digest), f); err != nil {
		w.Close()
		return nil, fmt.Errorf("upload %s to %s: %w", t.src.Object, t.dst, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish upload to %s: %w", t.dst, err)
	}

	recordTransfer("upload", size)
	rt.Publish(task.Event{Time: time.Now(), Kind: task.EventProgress, TaskName: "upload", Destination: t.dst.String(), Bytes: size})

	res, err := t.client.Attrs(ctx, t.dst)
	if err != nil {
		return nil, fmt.Errorf("read back %s after upload: %w", t.dst, err)
	}

	rt.Logger().Info("uploaded", "source", t.src.Object, "destination", t.dst.String(), "bytes", size)
	return &task.Output{
		Messages: []task.Message{
			{Topic: task.TopicMD5, Payload: digest.Sum()},
			createdResourceMessage(res),
		},
	}, nil
}

// uploadSliced expands into a two-wavefront sub-graph: the part uploads,
// then one compose step dependent on all of them. Already-completed parts
// (per their component tracker files) are skipped on resume.
func (t *FileUploadTask) uploadSliced(rt *task.Runtime, size int64) (*task.Output, error) {
	numParts := int((size + t.opts.ComponentSize - 1) / t.opts.ComponentSize)

	st := &tracker.State{Destination: t.dst.String(), Kind: tracker.Upload}
	parts := make([]storageurl.URL, numParts)
	var partTasks []task.Task
	resumed := 0

	for i := 0; i < numParts; i++ {
		offset := int64(i) * t.opts.ComponentSize
		length := t.opts.ComponentSize
		if offset+length > size {
			length = size - offset
		}

		part := t.dst
		part.Object = fmt.Sprintf("%s.cloudhaul_part_%04d", t.dst.Object, i)
		parts[i] = part
		st.Components = append(st.Components, tracker.ComponentInfo{
			Index: i, Offset: offset, Length: length, Name: part.Object,
		})

		if componentDone(t.opts.TrackerDir, t.dst.String(), tracker.Upload, i) {
			resumed++
			continue
		}

		partTasks = append(partTasks, &UploadComponentTask{
			client:     t.client,
			localPath:  t.src.Object,
			part:       part,
			dest:       t.dst.String(),
			index:      i,
			offset:     offset,
			length:     length,
			trackerDir: t.opts.TrackerDir,
		})
	}

	if err := tracker.Save(t.opts.TrackerDir, st); err != nil {
		return nil, err
	}

	compose := &ComposeComponentsTask{
		client:     t.client,
		dst:        t.dst,
		parts:      parts,
		trackerDir: t.opts.TrackerDir,
	}

	deps := make([]task.Dependency, 0, len(partTasks))
	for _, pt := range partTasks {
		deps = append(deps, task.Dependency{Producer: pt, Consumer: compose})
	}

	rt.Logger().Info("sliced upload",
		"destination", t.dst.String(),
		"bytes", size,
		"components", numParts,
		"resumed", resumed,
	)

	return &task.Output{
		AdditionalTaskGroups: [][]task.Task{partTasks, {compose}},
		Dependencies:         deps,
	}, nil
}

// UploadComponentTask uploads one byte range of the source file to a
// temporary part object.
type UploadComponentTask struct {
	task.Base
	client     storage.Client
	localPath  string
	part       storageurl.URL
	dest       string // final destination, addresses the tracker files
	index      int
	offset     int64
	length     int64
	trackerDir string
}

func (t *UploadComponentTask) ParallelProcessingKey() any { return t.part.String() }

func (t *UploadComponentTask) Execute(ctx context.Context, rt *task.Runtime) (*task.Output, error) {
	f, err := os.Open(t.localPath)
	if err != nil {
		return nil, fmt.Errorf("open upload source %s: %w", t.localPath, err)
	}
	defer f.Close()

	w, err := t.client.NewWriter(ctx, t.part, nil)
	if err != nil {
		return nil, err
	}

	digest := hashutil.NewDigester(hashutil.CRC32C)
	section := io.NewSectionReader(f, t.offset, t.length)
	if _, err := io.Copy(io.MultiWriter(w, digest), section); err != nil {
		w.Close()
		return nil, fmt.Errorf("upload component %d of %s: %w", t.index, t.dest, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish component %d of %s: %w", t.index, t.dest, err)
	}

	if err := markComponentDone(t.trackerDir, t.dest, tracker.Upload, t.index); err != nil {
		rt.Logger().Warn("failed to record component tracker", "error", err)
	}

	recordTransfer("upload", t.length)
	rt.Publish(task.Event{Time: time.Now(), Kind: task.EventProgress, TaskName: "upload_component", Destination: t.dest, Bytes: t.length})

	sum := digest.Sum()
	return &task.Output{
		Messages: []task.Message{
			{Topic: task.TopicCRC32C, Payload: sum},
			{Topic: task.TopicUploadedComponent, Payload: UploadedComponent{
				Index: t.index, URL: t.part, Size: t.length, CRC32C: sum,
			}},
		},
	}, nil
}

// ComposeComponentsTask commits a multi-part upload: composes the parts into
// the destination, deletes the temporary part objects, and removes the
// tracker files.
type ComposeComponentsTask struct {
	task.Base
	client     storage.Client
	dst        storageurl.URL
	parts      []storageurl.URL
	trackerDir string
}

func (t *ComposeComponentsTask) ParallelProcessingKey() any { return t.dst.String() }

func (t *ComposeComponentsTask) Execute(ctx context.Context, rt *task.Runtime) (*task.Output, error) {
	res, err := t.client.Compose(ctx, t.dst, t.parts)
	if err != nil {
		return nil, fmt.Errorf("compose %d components into %s: %w", len(t.parts), t.dst, err)
	}

	for _, part := range t.parts {
		if err := t.client.Delete(ctx, part); err != nil && !storage.IsNotFound(err) {
			rt.Logger().Warn("failed to delete part object", "part", part.String(), "error", err)
		}
	}

	dest := t.dst.String()
	if err := tracker.DeleteIfPresent(tracker.Path(t.trackerDir, dest, tracker.Upload)); err != nil {
		rt.Logger().Warn("failed to delete tracker file", "error", err)
	}
	for i := range t.parts {
		p := tracker.ComponentPath(t.trackerDir, dest, tracker.Upload, i)
		if err := tracker.DeleteIfPresent(p); err != nil {
			rt.Logger().Warn("failed to delete component tracker file", "error", err)
		}
	}

	rt.Logger().Info("composed upload", "destination", dest, "components", len(t.parts))
	return &task.Output{
		Messages: []task.Message{createdResourceMessage(res)},
	}, nil
}

func componentDone(dir, dest string, kind tracker.Kind, index int) bool {
	_, err := os.Stat(tracker.ComponentPath(dir, dest, kind, index))
	return err == nil
}

func markComponentDone(dir, dest string, kind tracker.Kind, index int) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(tracker.ComponentPath(dir, dest, kind, index), []byte("done\n"), 0644)
}

func recordTransfer(direction string, bytes int64) {
	if m := metrics.Get(); m != nil {
		m.BytesTransferred.WithLabelValues(direction).Add(float64(bytes))
		m.TransferBytes.WithLabelValues(direction).Observe(float64(bytes))
	}
}
