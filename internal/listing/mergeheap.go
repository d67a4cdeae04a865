package listing

import (
	"bufio"
	"container/heap"
	"fmt"
	"io"
)

// chunkReader streams one chunk file a line at a time. The trailing empty
// sentinel line marks the end of the chunk.
type chunkReader struct {
	path    string
	rc      io.ReadCloser
	scanner *bufio.Scanner
	current string
	done    bool
}

func openChunkReader(fs FS, path string) (*chunkReader, error) {
	rc, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open chunk file %s: %w", path, err)
	}

	r := &chunkReader{path: path, rc: rc, scanner: bufio.NewScanner(rc)}
	r.scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	if _, err := r.advance(); err != nil {
		rc.Close()
		return nil, err
	}
	return r, nil
}

// advance loads the next line. Returns false once the sentinel (or EOF) is
// reached.
func (r *chunkReader) advance() (bool, error) {
	if r.done {
		return false, nil
	}
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return false, fmt.Errorf("read chunk file %s: %w", r.path, err)
		}
		r.done = true
		return false, nil
	}
	line := r.scanner.Text()
	if line == "" {
		r.done = true
		return false, nil
	}
	r.current = line
	return true, nil
}

func (r *chunkReader) Close() error {
	return r.rc.Close()
}

// mergeHeap is a min-heap of chunk readers ordered by their buffered line,
// giving the k-way merge its O(total · log k) bound.
type mergeHeap []*chunkReader

func (h mergeHeap) Len() int           { return len(h) }
func (h mergeHeap) Less(i, j int) bool { return h[i].current < h[j].current }
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(*chunkReader)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func newMergeHeap(readers []*chunkReader) *mergeHeap {
	h := make(mergeHeap, 0, len(readers))
	for _, r := range readers {
		if !r.done {
			h = append(h, r)
		}
	}
	heap.Init(&h)
	return &h
}

// pop returns the smallest buffered line and refills the reader it came
// from, dropping the reader once its chunk is exhausted.
func (h *mergeHeap) pop() (string, error) {
	top := (*h)[0]
	line := top.current

	ok, err := top.advance()
	if err != nil {
		return "", err
	}
	if ok {
		heap.Fix(h, 0)
	} else {
		heap.Pop(h)
	}
	return line, nil
}
