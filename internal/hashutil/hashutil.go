// Package hashutil provides streaming content digests for transfer
// verification. MD5 and CRC32C (Castagnoli) are the two digest kinds cloud
// providers report.
package hashutil

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
)

// Kind identifies a digest algorithm.
type Kind string

const (
	MD5    Kind = "md5"
	CRC32C Kind = "crc32c"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// MismatchError reports that a recomputed digest differs from the expected one.
type MismatchError struct {
	Kind     Kind
	Expected []byte
	Actual   []byte
	Name     string // artifact the digest was computed over
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s mismatch for %s: expected %s, computed %s",
		e.Kind, e.Name,
		base64.StdEncoding.EncodeToString(e.Expected),
		base64.StdEncoding.EncodeToString(e.Actual))
}

// Digester incrementally computes a digest of one Kind.
// It implements io.Writer so it can sit behind io.TeeReader / io.MultiWriter.
type Digester struct {
	kind Kind
	h    hash.Hash
	c    hash.Hash32
}

// NewDigester returns a Digester for the given kind.
func NewDigester(kind Kind) *Digester {
	d := &Digester{kind: kind}
	switch kind {
	case CRC32C:
		d.c = crc32.New(castagnoli)
	default:
		d.h = md5.New()
	}
	return d
}

// Write adds data to the running digest.
func (d *Digester) Write(p []byte) (int, error) {
	if d.c != nil {
		return d.c.Write(p)
	}
	return d.h.Write(p)
}

// Sum returns the finalized digest bytes. CRC32C sums are big-endian, the
// byte order providers use in their object metadata.
func (d *Digester) Sum() []byte {
	if d.c != nil {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], d.c.Sum32())
		return b[:]
	}
	return d.h.Sum(nil)
}

// Compare finalizes the digest and checks it against expected. A nil or empty
// expected digest passes (nothing to verify). On inequality it returns a
// *MismatchError naming the artifact.
func (d *Digester) Compare(expected []byte, name string) error {
	if len(expected) == 0 {
		return nil
	}
	actual := d.Sum()
	if len(actual) != len(expected) {
		return &MismatchError{Kind: d.kind, Expected: expected, Actual: actual, Name: name}
	}
	for i := range actual {
		if actual[i] != expected[i] {
			return &MismatchError{Kind: d.kind, Expected: expected, Actual: actual, Name: name}
		}
	}
	return nil
}

// FileDigest stream-reads the file at path and returns its digest.
func FileDigest(kind Kind, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	d := NewDigester(kind)
	if _, err := io.Copy(d, f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return d.Sum(), nil
}
