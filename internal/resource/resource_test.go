package resource

import "testing"

func TestHasDigest(t *testing.T) {
	cases := []struct {
		name string
		r    Resource
		want bool
	}{
		{"no digests", Resource{Name: "obj"}, false},
		{"md5 only", Resource{MD5: []byte{1, 2}}, true},
		{"crc32c only", Resource{CRC32C: []byte{1, 2, 3, 4}}, true},
		{"both", Resource{MD5: []byte{1}, CRC32C: []byte{2}}, true},
		{"empty slices", Resource{MD5: []byte{}, CRC32C: []byte{}}, false},
	}
	for _, tc := range cases {
		if got := tc.r.HasDigest(); got != tc.want {
			t.Errorf("%s: HasDigest() = %v, want %v", tc.name, got, tc.want)
		}
	}
}
