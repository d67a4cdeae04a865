package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/klauspost/compress/gzip"

	"github.com/cloudhaul/cloudhaul/internal/hashutil"
	"github.com/cloudhaul/cloudhaul/internal/task"
	"github.com/cloudhaul/cloudhaul/internal/tracker"
)

// FinalizeSlicedDownloadTask is the join step after a multi-part download:
// tracker cleanup, hash verification, and conditional decompression. It runs
// once per destination, after every component for that destination has
// retired (enforced by wavefront ordering); independent destinations
// finalize in parallel.
type FinalizeSlicedDownloadTask struct {
	task.Base
	Dest            string
	ExpectedMD5     []byte
	ContentEncoding string
	TrackerDir      string
	NumComponents   int
	VerifyHashes    bool
}

func (t *FinalizeSlicedDownloadTask) ParallelProcessingKey() any { return t.Dest }

// Hashing and decompression are CPU bound.
func (t *FinalizeSlicedDownloadTask) Pool() task.Pool { return task.PoolCPU }

func (t *FinalizeSlicedDownloadTask) Execute(ctx context.Context, rt *task.Runtime) (*task.Output, error) {
	log := rt.Logger().With("destination", t.Dest)

	// Tracker files go first so that no exit path below can leave them
	// behind. Deleting an absent file is a no-op.
	t.deleteTrackers(rt)

	if t.VerifyHashes && len(t.ExpectedMD5) > 0 {
		digest := hashutil.NewDigester(hashutil.MD5)
		f, err := os.Open(t.Dest)
		if err != nil {
			return nil, fmt.Errorf("open %s for verification: %w", t.Dest, err)
		}
		if _, err := io.Copy(digest, f); err != nil {
			f.Close()
			return nil, fmt.Errorf("read %s for verification: %w", t.Dest, err)
		}
		f.Close()

		if err := digest.Compare(t.ExpectedMD5, t.Dest); err != nil {
			// Never leave a silently corrupted file at the final path.
			if rmErr := os.Remove(t.Dest); rmErr != nil {
				log.Error("failed to remove corrupted download", "error", rmErr)
			} else {
				log.Warn("removed corrupted download after hash mismatch")
			}
			return nil, err
		}
		log.Debug("hash verified")
	}

	if err := t.maybeDecompress(log); err != nil {
		return nil, err
	}

	log.Info("finalized sliced download", "components", t.NumComponents)
	return nil, nil
}

func (t *FinalizeSlicedDownloadTask) deleteTrackers(rt *task.Runtime) {
	if err := tracker.DeleteIfPresent(tracker.Path(t.TrackerDir, t.Dest, tracker.SlicedDownload)); err != nil {
		rt.Logger().Warn("failed to delete tracker file", "error", err)
	}
	for i := 0; i < t.NumComponents; i++ {
		p := tracker.ComponentPath(t.TrackerDir, t.Dest, tracker.DownloadComponent, i)
		if err := tracker.DeleteIfPresent(p); err != nil {
			rt.Logger().Warn("failed to delete component tracker file", "error", err)
		}
	}
}

// maybeDecompress probes the on-disk bytes rather than trusting the
// content-encoding metadata: intermediaries strip or fabricate it. Only when
// the bytes actually open as gzip does the file get decompressed, into a
// temp sibling that atomically replaces the destination.
func (t *FinalizeSlicedDownloadTask) maybeDecompress(log *slog.Logger) error {
	if t.ContentEncoding != "gzip" {
		return nil
	}

	f, err := os.Open(t.Dest)
	if err != nil {
		return fmt.Errorf("open %s for decompression probe: %w", t.Dest, err)
	}

	zr, err := gzip.NewReader(f)
	if err == nil {
		var probe [1]byte
		_, err = zr.Read(probe[:])
	}
	if err != nil && err != io.EOF {
		// Metadata says gzip, bytes disagree. Leave them untouched.
		f.Close()
		log.Warn("content-encoding says gzip but data is not compressed, leaving as-is")
		return nil
	}

	// Restart the stream for the real pass.
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("rewind %s: %w", t.Dest, err)
	}
	zr, err = gzip.NewReader(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("reopen gzip stream for %s: %w", t.Dest, err)
	}

	tempPath := t.Dest + ".cloudhaul_gunzip"
	out, err := os.Create(tempPath)
	if err != nil {
		f.Close()
		return fmt.Errorf("create decompression target %s: %w", tempPath, err)
	}

	if _, err := io.Copy(out, zr); err != nil {
		out.Close()
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("decompress %s: %w", t.Dest, err)
	}
	if err := out.Close(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("close decompression target %s: %w", tempPath, err)
	}
	f.Close()

	if err := os.Rename(tempPath, t.Dest); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, t.Dest, err)
	}

	log.Debug("decompressed download")
	return nil
}
