package hash

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssmznk/prdb/storage/buffer"
)

func TestInsertAndGetValue(t *testing.T) {
	ht, err := TestingNewTable(10, 4)
	require.Nil(t, err)

	assert.Nil(t, ht.Insert(nil, TestingIntKey(1), TestingIntValue(100)))
	assert.Nil(t, ht.Insert(nil, TestingIntKey(2), TestingIntValue(200)))

	values, found := ht.GetValue(nil, TestingIntKey(1))
	assert.True(t, found)
	assert.Equal(t, [][]byte{TestingIntValue(100)}, values)

	_, found = ht.GetValue(nil, TestingIntKey(9))
	assert.False(t, found)
}

func TestInsertDuplicatePair(t *testing.T) {
	ht, err := TestingNewTable(10, 4)
	require.Nil(t, err)

	assert.Nil(t, ht.Insert(nil, TestingIntKey(1), TestingIntValue(100)))
	err = ht.Insert(nil, TestingIntKey(1), TestingIntValue(100))
	assert.Equal(t, ErrDuplicateEntry, errors.Cause(err))

	// same key with a distinct value is fine: the index is a multi-map
	assert.Nil(t, ht.Insert(nil, TestingIntKey(1), TestingIntValue(200)))
	values, found := ht.GetValue(nil, TestingIntKey(1))
	assert.True(t, found)
	assert.Equal(t, 2, len(values))
}

func TestSplitOnFullBucket(t *testing.T) {
	ht, err := TestingNewTable(10, 4)
	require.Nil(t, err)

	// fill the single depth-0 bucket
	for _, k := range []int{0, 1, 2, 3} {
		assert.Nil(t, ht.Insert(nil, TestingIntKey(k), TestingIntValue(k)))
	}
	assert.Equal(t, uint32(0), ht.GlobalDepth())

	// the fifth insert triggers the split
	assert.Nil(t, ht.Insert(nil, TestingIntKey(4), TestingIntValue(4)))
	assert.Equal(t, uint32(1), ht.GlobalDepth())
	assert.Nil(t, ht.VerifyIntegrity())

	// every key must still be reachable after the rehash
	for _, k := range []int{0, 1, 2, 3, 4} {
		values, found := ht.GetValue(nil, TestingIntKey(k))
		assert.True(t, found)
		assert.Equal(t, [][]byte{TestingIntValue(k)}, values)
	}
}

func TestDirectoryDoubling(t *testing.T) {
	ht, err := TestingNewTable(10, 4)
	require.Nil(t, err)

	// {0,1,2,3} fill the depth-0 bucket, 4 splits it into even/odd halves
	for _, k := range []int{0, 1, 2, 3, 4} {
		assert.Nil(t, ht.Insert(nil, TestingIntKey(k), TestingIntValue(k)))
	}
	require.Equal(t, uint32(1), ht.GlobalDepth())

	// keep loading the even half: {0,2,4,6} is full again, 8 forces the
	// second split at already-max local depth, doubling the directory
	assert.Nil(t, ht.Insert(nil, TestingIntKey(6), TestingIntValue(6)))
	assert.Nil(t, ht.Insert(nil, TestingIntKey(8), TestingIntValue(8)))
	assert.Equal(t, uint32(2), ht.GlobalDepth())

	// the odd bucket still has local depth 1 and must be shared by two
	// directory entries; verifyIntegrity checks the pointer-sharing invariant
	assert.Nil(t, ht.VerifyIntegrity())

	for _, k := range []int{0, 1, 2, 3, 4, 6, 8} {
		values, found := ht.GetValue(nil, TestingIntKey(k))
		assert.True(t, found)
		assert.Equal(t, [][]byte{TestingIntValue(k)}, values)
	}
}

func TestMergeAndShrink(t *testing.T) {
	ht, err := TestingNewTable(10, 4)
	require.Nil(t, err)

	// build the depth-2 state of TestDirectoryDoubling:
	// bucket A (idx 0, depth 2): {0,4,8}, bucket B (idx 2, depth 2): {2,6},
	// bucket C (idx 1 and 3, depth 1): {1,3}
	for _, k := range []int{0, 1, 2, 3, 4, 6, 8} {
		require.Nil(t, ht.Insert(nil, TestingIntKey(k), TestingIntValue(k)))
	}
	require.Equal(t, uint32(2), ht.GlobalDepth())

	// drain bucket A. the last remove leaves it empty, the merge folds it
	// into B, and with every local depth below 2 the directory shrinks
	assert.True(t, ht.Remove(nil, TestingIntKey(4), TestingIntValue(4)))
	assert.True(t, ht.Remove(nil, TestingIntKey(8), TestingIntValue(8)))
	assert.True(t, ht.Remove(nil, TestingIntKey(0), TestingIntValue(0)))
	assert.Equal(t, uint32(1), ht.GlobalDepth())
	assert.Nil(t, ht.VerifyIntegrity())

	// drain the merged even bucket. its merge folds into the odd bucket and
	// the directory collapses back to depth 0
	assert.True(t, ht.Remove(nil, TestingIntKey(2), TestingIntValue(2)))
	assert.True(t, ht.Remove(nil, TestingIntKey(6), TestingIntValue(6)))
	assert.Equal(t, uint32(0), ht.GlobalDepth())
	assert.Nil(t, ht.VerifyIntegrity())

	// the untouched keys survive both merges
	for _, k := range []int{1, 3} {
		values, found := ht.GetValue(nil, TestingIntKey(k))
		assert.True(t, found)
		assert.Equal(t, [][]byte{TestingIntValue(k)}, values)
	}
}

func TestRemoveMissingPair(t *testing.T) {
	ht, err := TestingNewTable(10, 4)
	require.Nil(t, err)

	assert.Nil(t, ht.Insert(nil, TestingIntKey(1), TestingIntValue(100)))
	// value mismatch: the pair (1, 200) is not in the index
	assert.False(t, ht.Remove(nil, TestingIntKey(1), TestingIntValue(200)))
	assert.True(t, ht.Remove(nil, TestingIntKey(1), TestingIntValue(100)))
	assert.False(t, ht.Remove(nil, TestingIntKey(1), TestingIntValue(100)))
}

func TestInsertRoundTrip(t *testing.T) {
	ht, err := TestingNewTable(16, 0)
	require.Nil(t, err)

	// distinct pairs, several values per key
	for k := 0; k < 50; k++ {
		for v := 0; v < 3; v++ {
			require.Nil(t, ht.Insert(nil, TestingIntKey(k), TestingIntValue(k*10+v)))
		}
	}
	for k := 0; k < 50; k++ {
		values, found := ht.GetValue(nil, TestingIntKey(k))
		assert.True(t, found)
		assert.Equal(t, [][]byte{
			TestingIntValue(k * 10),
			TestingIntValue(k*10 + 1),
			TestingIntValue(k*10 + 2),
		}, values)
	}
}

func TestDirectoryOverflow(t *testing.T) {
	// capacity 1 and keys sharing all 9 low hash bits: every split moves both
	// pairs to the same side, so the directory would have to grow forever
	ht, err := TestingNewTable(10, 1)
	require.Nil(t, err)

	assert.Nil(t, ht.Insert(nil, TestingIntKey(0), TestingIntValue(0)))
	err = ht.Insert(nil, TestingIntKey(1<<10), TestingIntValue(1))
	assert.Equal(t, ErrDirectoryOverflow, errors.Cause(err))

	// the table remains usable for keys that do not collide
	assert.Nil(t, ht.Insert(nil, TestingIntKey(1), TestingIntValue(1)))
	assert.Nil(t, ht.VerifyIntegrity())
}

func TestReopenTable(t *testing.T) {
	bpm, err := buffer.TestingNewInstance(10)
	require.Nil(t, err)
	opts := Options{
		KeySize:        testingKeySize,
		ValueSize:      testingValueSize,
		Comparator:     TestingIntComparator,
		Hash:           TestingIdentityHash,
		BucketCapacity: 4,
	}
	ht, err := NewTable(bpm, opts)
	require.Nil(t, err)

	for k := 0; k < 8; k++ {
		require.Nil(t, ht.Insert(nil, TestingIntKey(k), TestingIntValue(k)))
	}
	bpm.FlushAllPages()

	// the directory page id is persisted out-of-band by the caller
	reopened, err := OpenTable(bpm, ht.DirectoryPageID(), opts)
	require.Nil(t, err)
	for k := 0; k < 8; k++ {
		values, found := reopened.GetValue(nil, TestingIntKey(k))
		assert.True(t, found)
		assert.Equal(t, [][]byte{TestingIntValue(k)}, values)
	}
}

func TestConcurrentInsertAndGet(t *testing.T) {
	ht, err := TestingNewTable(16, 0)
	require.Nil(t, err)

	const goroutines = 8
	const keysPerGoroutine = 50

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < keysPerGoroutine; i++ {
				k := g*keysPerGoroutine + i
				assert.Nil(t, ht.Insert(nil, TestingIntKey(k), TestingIntValue(k)))
			}
		}(g)
	}
	wg.Wait()

	assert.Nil(t, ht.VerifyIntegrity())
	for k := 0; k < goroutines*keysPerGoroutine; k++ {
		values, found := ht.GetValue(nil, TestingIntKey(k))
		assert.True(t, found)
		assert.Equal(t, [][]byte{TestingIntValue(k)}, values)
	}
}
