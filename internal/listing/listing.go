// Package listing produces a totally-ordered, duplicate-free snapshot of a
// container's contents without holding the whole listing in memory: objects
// are spooled into sorted chunk files, then merged k-way onto one output.
package listing

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cloudhaul/cloudhaul/internal/metrics"
	"github.com/cloudhaul/cloudhaul/internal/resource"
	"github.com/cloudhaul/cloudhaul/internal/storage"
	"github.com/cloudhaul/cloudhaul/internal/storageurl"
	"github.com/cloudhaul/cloudhaul/internal/task"
)

// ResourceExhaustedError reports that the merge would need more open chunk
// files than the configured descriptor budget. The remedy is part of the
// message because the fix is a config change, not a retry.
type ResourceExhaustedError struct {
	Required int
	Limit    int
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf(
		"merge requires %d open chunk files but only %d descriptors are budgeted; increase the listing chunk size to reduce the chunk-file count",
		e.Required, e.Limit)
}

// Encoder turns an object into its canonical comparison line: a string whose
// lexicographic order matches the desired total order.
type Encoder func(*resource.Resource) string

// DefaultEncoder orders by object name.
func DefaultEncoder(r *resource.Resource) string { return r.Name }

// FS is the scratch-file surface the task runs against; tests substitute a
// descriptor-counting fake.
type FS interface {
	Create(name string) (io.WriteCloser, error)
	Open(name string) (io.ReadCloser, error)
	Remove(name string) error
}

// OSFS is the real filesystem.
type OSFS struct{}

func (OSFS) Create(name string) (io.WriteCloser, error) { return os.Create(name) }
func (OSFS) Open(name string) (io.ReadCloser, error)    { return os.Open(name) }
func (OSFS) Remove(name string) error                   { return os.Remove(name) }

// GetSortedContainerContentsTask lists a container and writes its sorted,
// duplicate-free listing to OutputPath.
type GetSortedContainerContentsTask struct {
	task.Base
	Client       storage.Client
	Container    storageurl.URL
	OutputPath   string
	Encode       Encoder
	ChunkSize    int
	ScratchDir   string
	MaxOpenFiles int
	Scratch      FS // nil means OSFS
}

func (t *GetSortedContainerContentsTask) ParallelProcessingKey() any {
	return t.Container.String()
}

func (t *GetSortedContainerContentsTask) Execute(ctx context.Context, rt *task.Runtime) (*task.Output, error) {
	fs := t.Scratch
	if fs == nil {
		fs = OSFS{}
	}
	enc := t.Encode
	if enc == nil {
		enc = DefaultEncoder
	}
	log := rt.Logger().With("container", t.Container.String())

	iter, err := t.Client.List(ctx, t.Container)
	if err != nil {
		return nil, err
	}

	chunkPaths, total, err := t.writeChunks(ctx, fs, enc, iter, log)

	// Chunk files are transient whatever happens below; a failed close or
	// delete is logged, never fatal.
	defer func() {
		for _, p := range chunkPaths {
			if rmErr := fs.Remove(p); rmErr != nil {
				log.Warn("failed to delete chunk file", "path", p, "error", rmErr)
			}
		}
	}()

	if err != nil {
		return nil, err
	}

	if err := t.merge(fs, chunkPaths, log); err != nil {
		return nil, err
	}

	rt.Publish(task.Event{Time: time.Now(), Kind: task.EventDone, TaskName: "sorted_listing", Destination: t.OutputPath, Bytes: int64(total)})
	log.Info("listing sorted", "objects", total, "chunks", len(chunkPaths), "output", t.OutputPath)
	return nil, nil
}

// writeChunks drains the single-pass listing into sorted chunk files.
func (t *GetSortedContainerContentsTask) writeChunks(ctx context.Context, fs FS, enc Encoder, iter storage.ObjectIterator, log *slog.Logger) ([]string, int, error) {
	nameBase := chunkNameBase(t.Container.String())

	var (
		chunkPaths []string
		lines      []string
		total      int
	)

	flush := func() error {
		if len(lines) == 0 {
			return nil
		}
		path := filepath.Join(t.ScratchDir, fmt.Sprintf("%s_%06d.chunk", nameBase, len(chunkPaths)))
		if err := writeChunkFile(fs, path, lines); err != nil {
			return err
		}
		chunkPaths = append(chunkPaths, path)
		lines = lines[:0]
		if m := metrics.Get(); m != nil {
			m.ChunkFiles.Inc()
		}
		// A running count keeps very large containers observable.
		log.Info("chunk written", "chunk", len(chunkPaths), "objects_so_far", total)
		return nil
	}

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return chunkPaths, total, fmt.Errorf("list %s: %w", t.Container, err)
		}

		lines = append(lines, enc(obj))
		total++
		if m := metrics.Get(); m != nil {
			m.ObjectsListed.Inc()
		}

		if len(lines) >= t.ChunkSize {
			if err := flush(); err != nil {
				return chunkPaths, total, err
			}
		}
	}

	if err := flush(); err != nil {
		return chunkPaths, total, err
	}
	return chunkPaths, total, nil
}

// writeChunkFile sorts the lines and writes them with the trailing empty
// sentinel line.
func writeChunkFile(fs FS, path string, lines []string) error {
	sort.Strings(lines)

	w, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("create chunk file %s: %w", path, err)
	}

	bw := bufio.NewWriter(w)
	for _, line := range lines {
		bw.WriteString(line)
		bw.WriteByte('\n')
	}
	bw.WriteByte('\n') // sentinel

	if err := bw.Flush(); err != nil {
		w.Close()
		return fmt.Errorf("write chunk file %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close chunk file %s: %w", path, err)
	}
	return nil
}

// merge k-way merges the chunk files into the output file. Constant memory
// beyond one open reader and one buffered line per chunk.
func (t *GetSortedContainerContentsTask) merge(fs FS, chunkPaths []string, log *slog.Logger) error {
	// One descriptor per chunk reader plus the output writer.
	if t.MaxOpenFiles > 0 && len(chunkPaths)+1 > t.MaxOpenFiles {
		return &ResourceExhaustedError{Required: len(chunkPaths) + 1, Limit: t.MaxOpenFiles}
	}

	readers := make([]*chunkReader, 0, len(chunkPaths))
	defer func() {
		for _, r := range readers {
			if err := r.Close(); err != nil {
				log.Warn("failed to close chunk reader", "path", r.path, "error", err)
			}
		}
	}()

	for _, p := range chunkPaths {
		r, err := openChunkReader(fs, p)
		if err != nil {
			return err
		}
		readers = append(readers, r)
	}

	out, err := fs.Create(t.OutputPath)
	if err != nil {
		return fmt.Errorf("create listing output %s: %w", t.OutputPath, err)
	}
	bw := bufio.NewWriter(out)

	h := newMergeHeap(readers)
	var last string
	first := true

	for h.Len() > 0 {
		line, err := h.pop()
		if err != nil {
			out.Close()
			return err
		}

		// Duplicate-free total order: drop repeats of the last emitted line.
		if first || line != last {
			bw.WriteString(line)
			bw.WriteByte('\n')
			last = line
			first = false
		}
	}

	if err := bw.Flush(); err != nil {
		out.Close()
		return fmt.Errorf("write listing output %s: %w", t.OutputPath, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close listing output %s: %w", t.OutputPath, err)
	}
	return nil
}

func chunkNameBase(container string) string {
	sum := sha256.Sum256([]byte(container))
	return hex.EncodeToString(sum[:12])
}
