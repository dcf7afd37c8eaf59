package hash

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/ssmznk/prdb/storage/buffer"
)

// testingKeySize and testingValueSize: tests index 8-byte little-endian ints
const (
	testingKeySize   = 8
	testingValueSize = 8
)

// TestingIntComparator compares 8-byte little-endian unsigned ints
func TestingIntComparator(a, b []byte) int {
	return bytes.Compare(reverse(a), reverse(b))
}

// reverse returns the bytes in big-endian order so bytes.Compare orders numerically
func reverse(b []byte) []byte {
	r := make([]byte, len(b))
	for i := range b {
		r[len(b)-1-i] = b[i]
	}
	return r
}

// TestingIdentityHash hashes an encoded int to itself.
// with this hash the directory index of a key is just its low bits, which
// makes split/merge scenarios easy to stage
func TestingIdentityHash(key []byte) uint32 {
	return uint32(binary.LittleEndian.Uint64(key))
}

// TestingIntKey encodes an int as a key
func TestingIntKey(i int) []byte {
	b := make([]byte, testingKeySize)
	binary.LittleEndian.PutUint64(b, uint64(i))
	return b
}

// TestingIntValue encodes an int as a value
func TestingIntValue(i int) []byte {
	b := make([]byte, testingValueSize)
	binary.LittleEndian.PutUint64(b, uint64(i))
	return b
}

// TestingNewTable initializes a hash table over an in-memory buffer pool,
// with the identity hash and the given bucket capacity (0 = derived)
func TestingNewTable(poolSize, bucketCapacity int) (*Table, error) {
	bpm, err := buffer.TestingNewInstance(poolSize)
	if err != nil {
		return nil, errors.Wrap(err, "buffer.TestingNewInstance failed")
	}
	t, err := NewTable(bpm, Options{
		KeySize:        testingKeySize,
		ValueSize:      testingValueSize,
		Comparator:     TestingIntComparator,
		Hash:           TestingIdentityHash,
		BucketCapacity: bucketCapacity,
	})
	if err != nil {
		return nil, errors.Wrap(err, "NewTable failed")
	}
	return t, nil
}
