package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cloudhaul/cloudhaul/internal/hashutil"
	"github.com/cloudhaul/cloudhaul/internal/resource"
	"github.com/cloudhaul/cloudhaul/internal/storage"
	"github.com/cloudhaul/cloudhaul/internal/storageurl"
	"github.com/cloudhaul/cloudhaul/internal/task"
	"github.com/cloudhaul/cloudhaul/internal/tracker"
)

// FileDownloadTask copies a cloud object to a local file. Above the
// component threshold it expands into N ranged slice downloads followed by a
// finalize step; otherwise it downloads in one shot through a temp file.
type FileDownloadTask struct {
	task.Base
	client storage.Client
	src    storageurl.URL
	dst    storageurl.URL // local file
	opts   Options
}

func (t *FileDownloadTask) ParallelProcessingKey() any { return t.dst.Object }

func (t *FileDownloadTask) Execute(ctx context.Context, rt *task.Runtime) (*task.Output, error) {
	attrs, err := t.client.Attrs(ctx, t.src)
	if err != nil {
		return nil, err
	}

	if t.opts.ComponentSize <= 0 || t.opts.ComponentThreshold <= 0 || attrs.Size <= t.opts.ComponentThreshold {
		return t.downloadWhole(ctx, rt, attrs)
	}
	return t.downloadSliced(rt, attrs)
}

func (t *FileDownloadTask) downloadWhole(ctx context.Context, rt *task.Runtime, attrs *resource.Resource) (*task.Output, error) {
	r, err := t.client.NewReader(ctx, t.src, 0, -1)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	tempPath := t.dst.Object + ".cloudhaul_tmp"
	f, err := os.Create(tempPath)
	if err != nil {
		return nil, fmt.Errorf("create download target %s: %w", tempPath, err)
	}

	digest := hashutil.NewDigester(hashutil.MD5)
	n, err := io.Copy(io.MultiWriter(f, digest), r)
	if err != nil {
		f.Close()
		os.Remove(tempPath)
		return nil, fmt.Errorf("download %s to %s: %w", t.src, t.dst.Object, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("close download target %s: %w", tempPath, err)
	}

	if t.opts.VerifyHashes && attrs.HasDigest() {
		if err := digest.Compare(attrs.MD5, t.dst.Object); err != nil {
			os.Remove(tempPath)
			return nil, err
		}
	}

	if err := os.Rename(tempPath, t.dst.Object); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("rename %s to %s: %w", tempPath, t.dst.Object, err)
	}

	recordTransfer("download", n)
	rt.Publish(task.Event{Time: time.Now(), Kind: task.EventProgress, TaskName: "download", Destination: t.dst.Object, Bytes: n})
	rt.Logger().Info("downloaded", "source", t.src.String(), "destination", t.dst.Object, "bytes", n)

	return &task.Output{
		Messages: []task.Message{{Topic: task.TopicMD5, Payload: digest.Sum()}},
	}, nil
}

// downloadSliced expands into the slice wavefront followed by the finalize
// wavefront. The destination file is preallocated so slices can write at
// their offsets concurrently.
func (t *FileDownloadTask) downloadSliced(rt *task.Runtime, attrs *resource.Resource) (*task.Output, error) {
	size := attrs.Size
	numSlices := int((size + t.opts.ComponentSize - 1) / t.opts.ComponentSize)

	dest := t.dst.Object
	generation := attrs.Generation
	if generation == "" {
		generation = attrs.ETag
	}

	resumable := false
	if prev, err := tracker.Load(t.opts.TrackerDir, dest, tracker.SlicedDownload); err == nil {
		// Resume only when the remote object hasn't changed underneath us.
		resumable = prev.Generation == generation && generation != ""
	}

	if !resumable {
		f, err := os.Create(dest)
		if err != nil {
			return nil, fmt.Errorf("create download target %s: %w", dest, err)
		}
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("preallocate %s: %w", dest, err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("close download target %s: %w", dest, err)
		}
	}

	st := &tracker.State{Destination: dest, Kind: tracker.SlicedDownload, Generation: generation}
	var sliceTasks []task.Task
	resumed := 0

	for i := 0; i < numSlices; i++ {
		offset := int64(i) * t.opts.ComponentSize
		length := t.opts.ComponentSize
		if offset+length > size {
			length = size - offset
		}
		st.Components = append(st.Components, tracker.ComponentInfo{Index: i, Offset: offset, Length: length})

		if resumable && componentDone(t.opts.TrackerDir, dest, tracker.DownloadComponent, i) {
			resumed++
			continue
		}

		sliceTasks = append(sliceTasks, &DownloadComponentTask{
			client:     t.client,
			src:        t.src,
			dest:       dest,
			index:      i,
			offset:     offset,
			length:     length,
			trackerDir: t.opts.TrackerDir,
		})
	}

	if err := tracker.Save(t.opts.TrackerDir, st); err != nil {
		return nil, err
	}

	finalize := &FinalizeSlicedDownloadTask{
		Dest:            dest,
		ExpectedMD5:     attrs.MD5,
		ContentEncoding: attrs.ContentEncoding,
		TrackerDir:      t.opts.TrackerDir,
		NumComponents:   numSlices,
		VerifyHashes:    t.opts.VerifyHashes,
	}

	deps := make([]task.Dependency, 0, len(sliceTasks))
	for _, s := range sliceTasks {
		deps = append(deps, task.Dependency{Producer: s, Consumer: finalize})
	}

	rt.Logger().Info("sliced download",
		"source", t.src.String(),
		"destination", dest,
		"bytes", size,
		"components", numSlices,
		"resumed", resumed,
	)

	return &task.Output{
		AdditionalTaskGroups: [][]task.Task{sliceTasks, {finalize}},
		Dependencies:         deps,
	}, nil
}

// DownloadComponentTask fetches one byte range and writes it at its offset
// in the preallocated destination file.
type DownloadComponentTask struct {
	task.Base
	client     storage.Client
	src        storageurl.URL
	dest       string
	index      int
	offset     int64
	length     int64
	trackerDir string
}

func (t *DownloadComponentTask) ParallelProcessingKey() any {
	return fmt.Sprintf("%s#%d", t.dest, t.index)
}

func (t *DownloadComponentTask) Execute(ctx context.Context, rt *task.Runtime) (*task.Output, error) {
	r, err := t.client.NewReader(ctx, t.src, t.offset, t.length)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	f, err := os.OpenFile(t.dest, os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open download target %s: %w", t.dest, err)
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s to %d: %w", t.dest, t.offset, err)
	}

	digest := hashutil.NewDigester(hashutil.MD5)
	n, err := io.Copy(io.MultiWriter(f, digest), r)
	if err != nil {
		return nil, fmt.Errorf("download component %d of %s: %w", t.index, t.dest, err)
	}
	if n != t.length {
		return nil, fmt.Errorf("download component %d of %s: short read, got %d of %d bytes", t.index, t.dest, n, t.length)
	}

	if err := markComponentDone(t.trackerDir, t.dest, tracker.DownloadComponent, t.index); err != nil {
		rt.Logger().Warn("failed to record component tracker", "error", err)
	}

	recordTransfer("download", n)
	rt.Publish(task.Event{Time: time.Now(), Kind: task.EventProgress, TaskName: "download_component", Destination: t.dest, Bytes: n})

	sum := digest.Sum()
	return &task.Output{
		Messages: []task.Message{
			{Topic: task.TopicMD5, Payload: sum},
			{Topic: task.TopicAPIDownloadResult, Payload: APIDownloadResult{
				Index: t.index, Offset: t.offset, Length: t.length, MD5: sum,
			}},
		},
	}, nil
}
