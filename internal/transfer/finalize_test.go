package transfer

import (
	"bytes"
	"context"
	"crypto/md5"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudhaul/cloudhaul/internal/hashutil"
	"github.com/cloudhaul/cloudhaul/internal/task"
	"github.com/cloudhaul/cloudhaul/internal/tracker"
)

func writeSlicedTrackers(t *testing.T, dir, dest string, components int) {
	t.Helper()
	st := &tracker.State{Destination: dest, Kind: tracker.SlicedDownload}
	require.NoError(t, tracker.Save(dir, st))
	for i := 0; i < components; i++ {
		require.NoError(t, markComponentDone(dir, dest, tracker.DownloadComponent, i))
	}
}

func trackersRemain(dir, dest string, components int) bool {
	if _, err := os.Stat(tracker.Path(dir, dest, tracker.SlicedDownload)); err == nil {
		return true
	}
	for i := 0; i < components; i++ {
		if _, err := os.Stat(tracker.ComponentPath(dir, dest, tracker.DownloadComponent, i)); err == nil {
			return true
		}
	}
	return false
}

func TestFinalizeHashMismatchRemovesEverything(t *testing.T) {
	dir := t.TempDir()
	trackerDir := filepath.Join(dir, "trackers")
	dest := filepath.Join(dir, "out.bin")

	require.NoError(t, os.WriteFile(dest, []byte("corrupted content"), 0644))
	writeSlicedTrackers(t, trackerDir, dest, 3)

	wrong := md5.Sum([]byte("what should have been written"))
	ft := &FinalizeSlicedDownloadTask{
		Dest:          dest,
		ExpectedMD5:   wrong[:],
		TrackerDir:    trackerDir,
		NumComponents: 3,
		VerifyHashes:  true,
	}

	_, err := ft.Execute(context.Background(), &task.Runtime{})
	require.Error(t, err)
	var mismatch *hashutil.MismatchError
	assert.ErrorAs(t, err, &mismatch)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "corrupted file left at final path")
	assert.False(t, trackersRemain(trackerDir, dest, 3), "tracker files left behind after failure")
}

func TestFinalizeHappyPath(t *testing.T) {
	dir := t.TempDir()
	trackerDir := filepath.Join(dir, "trackers")
	dest := filepath.Join(dir, "out.bin")

	data := []byte("fully assembled download")
	require.NoError(t, os.WriteFile(dest, data, 0644))
	writeSlicedTrackers(t, trackerDir, dest, 2)

	sum := md5.Sum(data)
	ft := &FinalizeSlicedDownloadTask{
		Dest:          dest,
		ExpectedMD5:   sum[:],
		TrackerDir:    trackerDir,
		NumComponents: 2,
		VerifyHashes:  true,
	}

	_, err := ft.Execute(context.Background(), &task.Runtime{})
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.False(t, trackersRemain(trackerDir, dest, 2))

	// Running again must be a no-op, not an error.
	_, err = ft.Execute(context.Background(), &task.Runtime{})
	require.NoError(t, err)
}

func TestFinalizeDecompressesGzip(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.txt")

	plain := []byte("line one\nline two\nline three\n")
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(dest, buf.Bytes(), 0644))

	ft := &FinalizeSlicedDownloadTask{
		Dest:            dest,
		ContentEncoding: "gzip",
		TrackerDir:      filepath.Join(dir, "trackers"),
	}
	_, err = ft.Execute(context.Background(), &task.Runtime{})
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestFinalizeLeavesNonGzipBytesAlone(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.txt")

	// Metadata claims gzip but the bytes are plain.
	data := []byte("not actually compressed")
	require.NoError(t, os.WriteFile(dest, data, 0644))

	ft := &FinalizeSlicedDownloadTask{
		Dest:            dest,
		ContentEncoding: "gzip",
		TrackerDir:      filepath.Join(dir, "trackers"),
	}
	_, err := ft.Execute(context.Background(), &task.Runtime{})
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got, "untouched bytes expected when the probe fails")
}

func TestFinalizeSkipsVerificationWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	require.NoError(t, os.WriteFile(dest, []byte("whatever"), 0644))

	wrong := md5.Sum([]byte("different"))
	ft := &FinalizeSlicedDownloadTask{
		Dest:        dest,
		ExpectedMD5: wrong[:],
		TrackerDir:  filepath.Join(dir, "trackers"),
	}
	_, err := ft.Execute(context.Background(), &task.Runtime{})
	require.NoError(t, err)

	_, statErr := os.Stat(dest)
	assert.NoError(t, statErr)
}
