package listing

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudhaul/cloudhaul/internal/resource"
	"github.com/cloudhaul/cloudhaul/internal/storage"
	"github.com/cloudhaul/cloudhaul/internal/storageurl"
	"github.com/cloudhaul/cloudhaul/internal/task"
)

// listClient serves a fixed object sequence; only List is implemented.
type listClient struct {
	names []string
}

func (c *listClient) List(ctx context.Context, u storageurl.URL) (storage.ObjectIterator, error) {
	return &sliceIterator{names: c.names}, nil
}

func (c *listClient) Attrs(ctx context.Context, u storageurl.URL) (*resource.Resource, error) {
	panic("not implemented")
}
func (c *listClient) NewReader(ctx context.Context, u storageurl.URL, offset, length int64) (io.ReadCloser, error) {
	panic("not implemented")
}
func (c *listClient) NewWriter(ctx context.Context, u storageurl.URL, opts *storage.WriterOptions) (io.WriteCloser, error) {
	panic("not implemented")
}
func (c *listClient) ServerSideCopy(ctx context.Context, dst, src storageurl.URL) (*resource.Resource, error) {
	panic("not implemented")
}
func (c *listClient) Compose(ctx context.Context, dst storageurl.URL, parts []storageurl.URL) (*resource.Resource, error) {
	panic("not implemented")
}
func (c *listClient) Delete(ctx context.Context, u storageurl.URL) error { panic("not implemented") }
func (c *listClient) Close() error                                       { return nil }

type sliceIterator struct {
	names []string
	pos   int
}

func (it *sliceIterator) Next(ctx context.Context) (*resource.Resource, error) {
	if it.pos >= len(it.names) {
		return nil, io.EOF
	}
	r := &resource.Resource{Name: it.names[it.pos]}
	it.pos++
	return r, nil
}

// memFS is an in-memory FS that counts open descriptors, so tests can prove
// nothing leaks and nothing survives.
type memFS struct {
	mu      sync.Mutex
	files   map[string][]byte
	open    int
	maxOpen int
	created []string
	removed []string
}

func newMemFS() *memFS {
	return &memFS{files: make(map[string][]byte)}
}

func (fs *memFS) acquire() {
	fs.mu.Lock()
	fs.open++
	if fs.open > fs.maxOpen {
		fs.maxOpen = fs.open
	}
	fs.mu.Unlock()
}

func (fs *memFS) release() {
	fs.mu.Lock()
	fs.open--
	fs.mu.Unlock()
}

func (fs *memFS) Create(name string) (io.WriteCloser, error) {
	fs.acquire()
	fs.mu.Lock()
	fs.created = append(fs.created, name)
	fs.mu.Unlock()
	return &memWriter{fs: fs, name: name}, nil
}

func (fs *memFS) Open(name string) (io.ReadCloser, error) {
	fs.mu.Lock()
	data, ok := fs.files[name]
	fs.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("open %s: no such file", name)
	}
	fs.acquire()
	return &memReader{fs: fs, Reader: bytes.NewReader(data)}, nil
}

func (fs *memFS) Remove(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.files[name]; !ok {
		return fmt.Errorf("remove %s: no such file", name)
	}
	delete(fs.files, name)
	fs.removed = append(fs.removed, name)
	return nil
}

func (fs *memFS) openCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.open
}

func (fs *memFS) maxOpenCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.maxOpen
}

func (fs *memFS) chunkFilesLeft() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := 0
	for name := range fs.files {
		if strings.HasSuffix(name, ".chunk") {
			n++
		}
	}
	return n
}

type memWriter struct {
	fs   *memFS
	name string
	buf  bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memWriter) Close() error {
	w.fs.mu.Lock()
	w.fs.files[w.name] = w.buf.Bytes()
	w.fs.mu.Unlock()
	w.fs.release()
	return nil
}

type memReader struct {
	fs *memFS
	*bytes.Reader
}

func (r *memReader) Close() error {
	r.fs.release()
	return nil
}

func newListTask(names []string, fs *memFS, chunkSize, maxOpen int) *GetSortedContainerContentsTask {
	return &GetSortedContainerContentsTask{
		Client:       &listClient{names: names},
		Container:    storageurl.URL{Scheme: "gs", Bucket: "bkt"},
		OutputPath:   "listing.txt",
		ChunkSize:    chunkSize,
		MaxOpenFiles: maxOpen,
		Scratch:      fs,
	}
}

func outputLines(t *testing.T, fs *memFS, path string) []string {
	t.Helper()
	fs.mu.Lock()
	data, ok := fs.files[path]
	fs.mu.Unlock()
	require.True(t, ok, "output file %s missing", path)
	if len(data) == 0 {
		return nil
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func shuffled(n int) []string {
	names := make([]string, n)
	for i := range names {
		// A non-monotonic key order so chunk files genuinely interleave.
		names[i] = fmt.Sprintf("obj/%04d", (i*7919)%n)
	}
	return names
}

func TestSortedListingRoundTrip(t *testing.T) {
	const chunkSize = 4
	for _, n := range []int{0, 1, chunkSize - 1, chunkSize, chunkSize + 1, 3 * chunkSize} {
		t.Run(fmt.Sprintf("objects=%d", n), func(t *testing.T) {
			fs := newMemFS()
			names := shuffled(n)
			tk := newListTask(names, fs, chunkSize, 64)

			_, err := tk.Execute(context.Background(), &task.Runtime{})
			require.NoError(t, err)

			// Exact content: every object present, none invented, total order.
			want := append([]string(nil), names...)
			sort.Strings(want)
			got := outputLines(t, fs, "listing.txt")
			assert.Equal(t, want, got)

			assert.Equal(t, 0, fs.openCount(), "leaked descriptors")
			assert.Equal(t, 0, fs.chunkFilesLeft(), "chunk files left behind")
		})
	}
}

func TestSortedListingDeduplicates(t *testing.T) {
	fs := newMemFS()
	// Repeats placed so they land in different chunks.
	names := []string{"b", "a", "c", "a", "b", "d", "a"}
	tk := newListTask(names, fs, 3, 64)

	_, err := tk.Execute(context.Background(), &task.Runtime{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c", "d"}, outputLines(t, fs, "listing.txt"))
}

func TestSortedListingChunkCount(t *testing.T) {
	fs := newMemFS()
	tk := newListTask(shuffled(2500), fs, 500, 64)

	_, err := tk.Execute(context.Background(), &task.Runtime{})
	require.NoError(t, err)

	chunks := 0
	for _, name := range fs.created {
		if strings.HasSuffix(name, ".chunk") {
			chunks++
		}
	}
	assert.Equal(t, 5, chunks)
	assert.Len(t, outputLines(t, fs, "listing.txt"), 2500)
	assert.Equal(t, 0, fs.chunkFilesLeft())

	// Merge peak: one reader per chunk plus the output writer, nothing more.
	assert.Equal(t, 6, fs.maxOpenCount())
}

func TestSortedListingDescriptorBudget(t *testing.T) {
	fs := newMemFS()
	// 20 objects at chunk size 2: ten chunks, eleven descriptors needed.
	tk := newListTask(shuffled(20), fs, 2, 5)

	_, err := tk.Execute(context.Background(), &task.Runtime{})
	require.Error(t, err)

	var exhausted *ResourceExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 11, exhausted.Required)
	assert.Equal(t, 5, exhausted.Limit)
	assert.Contains(t, exhausted.Error(), "chunk size")

	assert.Equal(t, 0, fs.openCount(), "leaked descriptors after refusal")
	assert.Equal(t, 0, fs.chunkFilesLeft(), "chunk files not cleaned up after refusal")
}

func TestChunkReaderStopsAtSentinel(t *testing.T) {
	fs := newMemFS()
	require.NoError(t, writeChunkFile(fs, "x.chunk", []string{"b", "a"}))

	r, err := openChunkReader(fs, "x.chunk")
	require.NoError(t, err)
	defer r.Close()

	var got []string
	for !r.done {
		got = append(got, r.current)
		if _, err := r.advance(); err != nil {
			t.Fatalf("advance failed: %v", err)
		}
	}
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 1, fs.openCount())
}
