package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/cloudhaul/cloudhaul/internal/executor"
	"github.com/cloudhaul/cloudhaul/internal/storage"
	"github.com/cloudhaul/cloudhaul/internal/storageurl"
	"github.com/cloudhaul/cloudhaul/internal/task"
)

// newMemClient returns a client backed by in-memory buckets, one per key.
func newMemClient(t *testing.T, keys ...string) *storage.BlobClient {
	t.Helper()
	buckets := make(map[string]*blob.Bucket, len(keys))
	for _, key := range keys {
		b := memblob.OpenBucket(nil)
		t.Cleanup(func() { b.Close() })
		buckets[key] = b
	}
	return storage.NewBlobClientWithBuckets(buckets)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func writeObject(t *testing.T, client storage.Client, u storageurl.URL, data []byte) {
	t.Helper()
	w, err := client.NewWriter(context.Background(), u, nil)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func readObject(t *testing.T, client storage.Client, u storageurl.URL) []byte {
	t.Helper()
	r, err := client.NewReader(context.Background(), u, 0, -1)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func runTask(t *testing.T, tk task.Task) {
	t.Helper()
	e := executor.New(executor.Config{IOWorkers: 8, CPUWorkers: 2}, nil)
	e.Submit(context.Background(), tk)
	_, err := e.Wait()
	require.NoError(t, err)
}

func TestWholeFileUploadAndDownload(t *testing.T) {
	client := newMemClient(t, "mem://bkt")
	dir := t.TempDir()
	opts := Options{
		ComponentSize:      1 << 20,
		ComponentThreshold: 1 << 20,
		VerifyHashes:       true,
		TrackerDir:         filepath.Join(dir, "trackers"),
	}

	data := randomBytes(t, 1024)
	srcPath := filepath.Join(dir, "in.bin")
	require.NoError(t, os.WriteFile(srcPath, data, 0644))

	obj := mustParse(t, "mem://bkt/obj.bin")
	up, err := NewCopyTask(client, storageurl.File(srcPath), obj, opts)
	require.NoError(t, err)
	runTask(t, up)
	assert.Equal(t, data, readObject(t, client, obj))

	dstPath := filepath.Join(dir, "out.bin")
	down, err := NewCopyTask(client, obj, storageurl.File(dstPath), opts)
	require.NoError(t, err)
	runTask(t, down)

	got, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSlicedUploadComposesAndCleansUp(t *testing.T) {
	client := newMemClient(t, "mem://bkt")
	dir := t.TempDir()
	trackerDir := filepath.Join(dir, "trackers")
	opts := Options{
		ComponentSize:      256,
		ComponentThreshold: 512,
		TrackerDir:         trackerDir,
	}

	// 1000 bytes at 256 per component: four parts, last one short.
	data := randomBytes(t, 1000)
	srcPath := filepath.Join(dir, "in.bin")
	require.NoError(t, os.WriteFile(srcPath, data, 0644))

	obj := mustParse(t, "mem://bkt/big.bin")
	up, err := NewCopyTask(client, storageurl.File(srcPath), obj, opts)
	require.NoError(t, err)
	runTask(t, up)

	assert.Equal(t, data, readObject(t, client, obj))

	// Temporary part objects must be gone.
	for i := 0; i < 4; i++ {
		part := obj
		part.Object = fmt.Sprintf("%s.cloudhaul_part_%04d", obj.Object, i)
		_, err := client.Attrs(context.Background(), part)
		assert.True(t, storage.IsNotFound(err), "part %d still present", i)
	}

	entries, err := os.ReadDir(trackerDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "tracker files left after successful upload")
}

func TestSlicedDownloadAssemblesAndVerifies(t *testing.T) {
	client := newMemClient(t, "mem://bkt")
	dir := t.TempDir()
	trackerDir := filepath.Join(dir, "trackers")
	opts := Options{
		ComponentSize:      256,
		ComponentThreshold: 512,
		VerifyHashes:       true,
		TrackerDir:         trackerDir,
	}

	data := randomBytes(t, 1000)
	obj := mustParse(t, "mem://bkt/big.bin")
	writeObject(t, client, obj, data)

	dstPath := filepath.Join(dir, "out.bin")
	down, err := NewCopyTask(client, obj, storageurl.File(dstPath), opts)
	require.NoError(t, err)
	runTask(t, down)

	got, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	entries, err := os.ReadDir(trackerDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "tracker files left after successful download")
}

func TestStreamingUploadAndDownload(t *testing.T) {
	client := newMemClient(t, "mem://bkt")
	data := randomBytes(t, 2048)

	obj := mustParse(t, "mem://bkt/piped.bin")
	up, err := NewCopyTask(client, storageurl.Pipe(), obj, Options{Stdin: bytes.NewReader(data)})
	require.NoError(t, err)
	runTask(t, up)
	assert.Equal(t, data, readObject(t, client, obj))

	var out bytes.Buffer
	down, err := NewCopyTask(client, obj, storageurl.Pipe(), Options{Stdout: &out})
	require.NoError(t, err)
	runTask(t, down)
	assert.Equal(t, data, out.Bytes())
}

func TestDaisyChainCopyAcrossProviders(t *testing.T) {
	client := newMemClient(t, "mema://src", "memb://dst")
	data := randomBytes(t, 512)

	src := mustParse(t, "mema://src/obj")
	dst := mustParse(t, "memb://dst/obj")
	writeObject(t, client, src, data)

	ct, err := NewCopyTask(client, src, dst, Options{VerifyHashes: true})
	require.NoError(t, err)
	assert.IsType(t, &DaisyChainCopyTask{}, ct)
	runTask(t, ct)

	assert.Equal(t, data, readObject(t, client, dst))
}
