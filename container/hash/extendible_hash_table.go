/*
Extendible hash table is a disk-resident index built on top of the buffer pool.

The table owns two kinds of pages: one directory page mapping the low bits of
a key's hash to a bucket page id, and the bucket pages holding the (key, value)
pairs. All pages move through the buffer pool; the table never touches the
disk manager directly.

the list of locks used by the table:

- table latch (one RWMutex per table):
  - shared for the read path and for inserts/removes that do not change the
    directory
  - exclusive for structural changes (split, merge), which rewrite directory
    entries and allocate/deallocate bucket pages

- page content lock (one per frame, owned by the buffer pool):
  - shared to read a bucket, exclusive to modify it
  - always acquired under the table latch and released before the table latch
    is released

- pin/unpin: pages are always pinned while their content lock is held, and
  unpinned only after the content lock is released. a page latch must never be
  held across a buffer pool call that may evict, because the pool would then
  have to write back a latched page.

deadlock freedom: the table latch is a single lock and page latches are
leaves, so two operations can never hold page latches in opposite orders.

split and merge re-fetch the directory after upgrading to the exclusive table
latch, because the landscape may have changed while the upgrade waited:
another goroutine may have split the same bucket already (then the insert just
retries), or refilled a bucket that looked empty (then the merge aborts).
*/
package hash

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ssmznk/prdb/pkg/telemetry"
	"github.com/ssmznk/prdb/storage/buffer"
	"github.com/ssmznk/prdb/storage/page"
	"github.com/ssmznk/prdb/transaction"
)

// Comparator compares two keys. it must return 0 iff the keys are equal
type Comparator func(a, b []byte) int

// HashFunc hashes a key down to the 32 bits the directory indexes with
type HashFunc func(key []byte) uint32

// DefaultHashFunc downcasts xxhash's 64-bit hash for extendible hashing
func DefaultHashFunc(key []byte) uint32 {
	return uint32(xxhash.Sum64(key))
}

var (
	// ErrDuplicateEntry is returned when the exact (key, value) pair is already present
	ErrDuplicateEntry = errors.New("the (key, value) pair already exists")
	// ErrDirectoryOverflow is returned when an insert would grow the directory
	// past its maximum global depth
	ErrDirectoryOverflow = errors.New("directory reached max global depth")
)

// Options configures a hash table
type Options struct {
	// KeySize is the fixed key width in bytes
	KeySize int
	// ValueSize is the fixed value width in bytes
	ValueSize int
	// Comparator compares keys
	Comparator Comparator
	// Hash hashes keys. nil selects DefaultHashFunc
	Hash HashFunc
	// BucketCapacity overrides the slots per bucket. 0 derives the largest
	// capacity that fits in one page. tests use tiny capacities to make
	// splits reachable
	BucketCapacity int
	// Logger for split/merge events. nil disables logging
	Logger *zap.Logger
}

// check validates the options and fills in defaults
func (o *Options) check() error {
	if o.KeySize <= 0 || o.ValueSize <= 0 {
		return errors.Errorf("invalid key/value size: %d/%d", o.KeySize, o.ValueSize)
	}
	if o.Comparator == nil {
		return errors.New("comparator is required")
	}
	if o.Hash == nil {
		o.Hash = DefaultHashFunc
	}
	maxCapacity := maxBucketCapacity(o.KeySize, o.ValueSize)
	if maxCapacity < 1 {
		return errors.Errorf("entry of %d bytes does not fit in one page", o.KeySize+o.ValueSize)
	}
	if o.BucketCapacity == 0 {
		o.BucketCapacity = maxCapacity
	}
	if o.BucketCapacity < 1 || o.BucketCapacity > maxCapacity {
		return errors.Errorf("invalid bucket capacity: %d (max %d)", o.BucketCapacity, maxCapacity)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return nil
}

// Table is a disk-resident extendible hash table
type Table struct {
	bpm    buffer.Manager
	opts   Options
	logger *zap.Logger
	// latch is the table latch. see the package comment for the discipline
	latch sync.RWMutex
	// directoryPageID is the root of the index. persisting it across restarts
	// is the caller's responsibility
	directoryPageID page.PageID
}

// NewTable creates a fresh hash table: a directory of global depth 0 pointing
// at one empty bucket
func NewTable(bpm buffer.Manager, opts Options) (*Table, error) {
	if err := opts.check(); err != nil {
		return nil, err
	}
	dirFrame, err := bpm.NewPage()
	if err != nil {
		return nil, errors.Wrap(err, "bpm.NewPage failed for directory page")
	}
	bucketFrame, err := bpm.NewPage()
	if err != nil {
		bpm.UnpinPage(dirFrame.PageID(), false)
		return nil, errors.Wrap(err, "bpm.NewPage failed for bucket page")
	}

	dir := newDirectoryView(dirFrame.Data())
	dir.init(dirFrame.PageID())
	dir.setBucketPageID(0, bucketFrame.PageID())
	dir.setLocalDepth(0, 0)

	bpm.UnpinPage(bucketFrame.PageID(), true)
	bpm.UnpinPage(dirFrame.PageID(), true)

	return &Table{
		bpm:             bpm,
		opts:            opts,
		logger:          opts.Logger,
		directoryPageID: dirFrame.PageID(),
	}, nil
}

// OpenTable re-opens an existing hash table from its persisted directory page id
func OpenTable(bpm buffer.Manager, directoryPageID page.PageID, opts Options) (*Table, error) {
	if err := opts.check(); err != nil {
		return nil, err
	}
	if !directoryPageID.IsValid() {
		return nil, errors.Errorf("invalid directory page id: %d", directoryPageID)
	}
	return &Table{
		bpm:             bpm,
		opts:            opts,
		logger:          opts.Logger,
		directoryPageID: directoryPageID,
	}, nil
}

// DirectoryPageID returns the root page id the caller must persist to re-open
// the table
func (t *Table) DirectoryPageID() page.PageID {
	return t.directoryPageID
}

// keyToDirectoryIndex masks the key's hash down to a directory index
func (t *Table) keyToDirectoryIndex(key []byte, dir directoryView) int {
	return int(t.opts.Hash(key) & dir.globalDepthMask())
}

// fetchDirectory fetches and pins the directory page
func (t *Table) fetchDirectory() (*buffer.Frame, directoryView, error) {
	frame, err := t.bpm.FetchPage(t.directoryPageID)
	if err != nil {
		return nil, directoryView{}, errors.Wrap(err, "bpm.FetchPage failed for directory page")
	}
	return frame, newDirectoryView(frame.Data()), nil
}

// fetchBucket fetches and pins the bucket page
func (t *Table) fetchBucket(bucketPageID page.PageID) (*buffer.Frame, bucketView, error) {
	frame, err := t.bpm.FetchPage(bucketPageID)
	if err != nil {
		return nil, bucketView{}, errors.Wrap(err, "bpm.FetchPage failed for bucket page")
	}
	return frame, newBucketView(frame.Data(), t.opts.KeySize, t.opts.ValueSize, t.opts.BucketCapacity), nil
}

// GetValue returns a copy of every value stored under the key.
// found is false when the key is absent
func (t *Table) GetValue(tx *transaction.Tx, key []byte) (values [][]byte, found bool) {
	if len(key) != t.opts.KeySize {
		return nil, false
	}
	t.latch.RLock()
	defer t.latch.RUnlock()

	dirFrame, dir, err := t.fetchDirectory()
	if err != nil {
		return nil, false
	}
	bucketPageID := dir.bucketPageID(t.keyToDirectoryIndex(key, dir))
	bucketFrame, bucket, err := t.fetchBucket(bucketPageID)
	if err != nil {
		t.bpm.UnpinPage(dirFrame.PageID(), false)
		return nil, false
	}

	bucketFrame.AcquireContentLock(false)
	values = bucket.getValue(key, t.opts.Comparator)
	bucketFrame.ReleaseContentLock(false)

	t.bpm.UnpinPage(bucketFrame.PageID(), false)
	t.bpm.UnpinPage(dirFrame.PageID(), false)
	return values, len(values) > 0
}

// Insert stores the (key, value) pair.
// returns ErrDuplicateEntry when the exact pair is already present and
// ErrDirectoryOverflow when the insert cannot be satisfied without growing
// the directory past its maximum depth
func (t *Table) Insert(tx *transaction.Tx, key, value []byte) error {
	if len(key) != t.opts.KeySize || len(value) != t.opts.ValueSize {
		return errors.Errorf("key/value size must be %d/%d bytes", t.opts.KeySize, t.opts.ValueSize)
	}
	// a split frees slots in the target bucket, but with a pathological key
	// distribution every pair may land in the same bucket again. each round
	// deepens the target bucket by one, so maxGlobalDepth splits plus one final
	// insert attempt (maxGlobalDepth+1 rounds) are enough for any state the
	// directory can be in
	for i := 0; i <= maxGlobalDepth; i++ {
		needSplit, err := t.tryInsert(tx, key, value)
		if err != nil {
			return err
		}
		if !needSplit {
			return nil
		}
		if err := t.splitBucket(tx, key); err != nil {
			return err
		}
	}
	return ErrDirectoryOverflow
}

// tryInsert inserts under the shared table latch.
// needSplit is true when the target bucket is full and the caller has to split
func (t *Table) tryInsert(tx *transaction.Tx, key, value []byte) (needSplit bool, err error) {
	t.latch.RLock()
	defer t.latch.RUnlock()

	dirFrame, dir, err := t.fetchDirectory()
	if err != nil {
		return false, err
	}
	bucketPageID := dir.bucketPageID(t.keyToDirectoryIndex(key, dir))
	bucketFrame, bucket, err := t.fetchBucket(bucketPageID)
	if err != nil {
		t.bpm.UnpinPage(dirFrame.PageID(), false)
		return false, err
	}

	bucketFrame.AcquireContentLock(true)
	switch {
	case bucket.contains(key, value, t.opts.Comparator):
		err = ErrDuplicateEntry
	case bucket.isFull():
		needSplit = true
	default:
		bucket.insert(key, value, t.opts.Comparator)
	}
	bucketFrame.ReleaseContentLock(true)

	inserted := err == nil && !needSplit
	t.bpm.UnpinPage(bucketFrame.PageID(), inserted)
	t.bpm.UnpinPage(dirFrame.PageID(), false)
	return needSplit, err
}

// splitBucket splits the bucket the key routes to, doubling the directory
// first when the bucket's local depth has caught up with the global depth.
// the caller retries the insert afterwards
func (t *Table) splitBucket(tx *transaction.Tx, key []byte) error {
	t.latch.Lock()
	defer t.latch.Unlock()

	dirFrame, dir, err := t.fetchDirectory()
	if err != nil {
		return err
	}
	bucketIdx := t.keyToDirectoryIndex(key, dir)
	bucketPageID := dir.bucketPageID(bucketIdx)
	bucketFrame, bucket, err := t.fetchBucket(bucketPageID)
	if err != nil {
		t.bpm.UnpinPage(dirFrame.PageID(), false)
		return err
	}

	bucketFrame.AcquireContentLock(true)
	if !bucket.isFull() {
		// another goroutine split this bucket while we waited for the
		// exclusive latch. nothing to do; the caller retries the insert
		bucketFrame.ReleaseContentLock(true)
		t.bpm.UnpinPage(bucketFrame.PageID(), false)
		t.bpm.UnpinPage(dirFrame.PageID(), false)
		return nil
	}

	if dir.localDepth(bucketIdx) == dir.globalDepth() {
		if dir.globalDepth() == maxGlobalDepth {
			bucketFrame.ReleaseContentLock(true)
			t.bpm.UnpinPage(bucketFrame.PageID(), false)
			t.bpm.UnpinPage(dirFrame.PageID(), false)
			return ErrDirectoryOverflow
		}
		// double the directory. copying each entry into its image index
		// pre-fills the upper half so sibling pointers are already correct
		for idx := 0; idx < dir.size(); idx++ {
			image := idx ^ (1 << dir.globalDepth())
			dir.setBucketPageID(image, dir.bucketPageID(idx))
			dir.setLocalDepth(image, dir.localDepth(idx))
		}
		dir.incrGlobalDepth()
	}

	newFrame, err := t.bpm.NewPage()
	if err != nil {
		bucketFrame.ReleaseContentLock(true)
		t.bpm.UnpinPage(bucketFrame.PageID(), false)
		t.bpm.UnpinPage(dirFrame.PageID(), true)
		return errors.Wrap(err, "bpm.NewPage failed for split bucket page")
	}
	newBucket := newBucketView(newFrame.Data(), t.opts.KeySize, t.opts.ValueSize, t.opts.BucketCapacity)
	newFrame.AcquireContentLock(true)

	// deepen the bucket and hand the new page to the directory entries whose
	// distinguishing bit selects the split image. every entry pointing at the
	// old page is updated, so the suffix-sharing invariant keeps holding even
	// when the bucket was shallower than the directory
	newDepth := dir.localDepth(bucketIdx) + 1
	splitIdx := bucketIdx ^ (1 << (newDepth - 1))
	depthMask := uint32(1<<newDepth) - 1
	splitBits := uint32(splitIdx) & depthMask
	for idx := 0; idx < dir.size(); idx++ {
		if dir.bucketPageID(idx) != bucketPageID {
			continue
		}
		dir.setLocalDepth(idx, newDepth)
		if uint32(idx)&depthMask == splitBits {
			dir.setBucketPageID(idx, newFrame.PageID())
		}
	}

	// rehash: move every pair whose hash selects the split image
	for slot := 0; slot < bucket.capacity; slot++ {
		if !bucket.isReadable(slot) {
			continue
		}
		if t.opts.Hash(bucket.keyAt(slot))&depthMask == splitBits {
			newBucket.insert(bucket.keyAt(slot), bucket.valueAt(slot), t.opts.Comparator)
			bucket.removeAt(slot)
		}
	}

	globalDepth := dir.globalDepth()

	newFrame.ReleaseContentLock(true)
	bucketFrame.ReleaseContentLock(true)

	t.bpm.UnpinPage(newFrame.PageID(), true)
	t.bpm.UnpinPage(bucketFrame.PageID(), true)
	t.bpm.UnpinPage(dirFrame.PageID(), true)

	telemetry.HashSplits.Inc()
	t.logger.Debug("split bucket",
		zap.Int("bucket_idx", bucketIdx),
		zap.Int("split_idx", splitIdx),
		zap.Uint32("new_local_depth", newDepth),
		zap.Uint32("global_depth", globalDepth),
	)
	return nil
}

// Remove deletes the exact (key, value) pair.
// returns false when the pair is not present
func (t *Table) Remove(tx *transaction.Tx, key, value []byte) bool {
	if len(key) != t.opts.KeySize || len(value) != t.opts.ValueSize {
		return false
	}
	t.latch.RLock()

	dirFrame, dir, err := t.fetchDirectory()
	if err != nil {
		t.latch.RUnlock()
		return false
	}
	bucketPageID := dir.bucketPageID(t.keyToDirectoryIndex(key, dir))
	bucketFrame, bucket, err := t.fetchBucket(bucketPageID)
	if err != nil {
		t.bpm.UnpinPage(dirFrame.PageID(), false)
		t.latch.RUnlock()
		return false
	}

	bucketFrame.AcquireContentLock(true)
	removed := bucket.remove(key, value, t.opts.Comparator)
	empty := bucket.isEmpty()
	bucketFrame.ReleaseContentLock(true)

	t.bpm.UnpinPage(bucketFrame.PageID(), removed)
	t.bpm.UnpinPage(dirFrame.PageID(), false)
	t.latch.RUnlock()

	if removed && empty {
		t.merge(tx, key)
	}
	return removed
}

// merge folds the now-empty bucket the key routes to into its split image.
// it aborts when the landscape changed while the exclusive latch was awaited:
// the bucket is non-empty again, it has local depth 0 (nothing to fold into),
// or its sibling sits at a different depth (folding would break the directory)
func (t *Table) merge(tx *transaction.Tx, key []byte) {
	t.latch.Lock()
	defer t.latch.Unlock()

	dirFrame, dir, err := t.fetchDirectory()
	if err != nil {
		return
	}
	bucketIdx := t.keyToDirectoryIndex(key, dir)
	bucketPageID := dir.bucketPageID(bucketIdx)
	bucketFrame, bucket, err := t.fetchBucket(bucketPageID)
	if err != nil {
		t.bpm.UnpinPage(dirFrame.PageID(), false)
		return
	}

	bucketFrame.AcquireContentLock(false)
	empty := bucket.isEmpty()
	bucketFrame.ReleaseContentLock(false)

	if !empty || dir.localDepth(bucketIdx) == 0 {
		t.bpm.UnpinPage(bucketFrame.PageID(), false)
		t.bpm.UnpinPage(dirFrame.PageID(), false)
		return
	}
	splitIdx := dir.splitImageIndex(bucketIdx)
	if dir.localDepth(bucketIdx) != dir.localDepth(splitIdx) {
		t.bpm.UnpinPage(bucketFrame.PageID(), false)
		t.bpm.UnpinPage(dirFrame.PageID(), false)
		return
	}

	t.bpm.UnpinPage(bucketFrame.PageID(), false)
	t.bpm.DeletePage(bucketPageID)

	// the merged bucket inherits the sibling's identity, so sweep every entry
	// pointing at either page. sweeping the sibling's entries too is what
	// keeps equal-suffix indices agreeing on page id and depth
	siblingPageID := dir.bucketPageID(splitIdx)
	dir.setBucketPageID(bucketIdx, siblingPageID)
	dir.decrLocalDepth(bucketIdx)
	dir.decrLocalDepth(splitIdx)
	for idx := 0; idx < dir.size(); idx++ {
		if dir.bucketPageID(idx) == bucketPageID || dir.bucketPageID(idx) == siblingPageID {
			dir.setBucketPageID(idx, siblingPageID)
			dir.setLocalDepth(idx, dir.localDepth(splitIdx))
		}
	}

	for dir.canShrink() {
		gd := dir.globalDepth()
		// the upper half becomes invalid; zero its depths before halving
		for idx := 1 << (gd - 1); idx < (1 << gd); idx++ {
			dir.setLocalDepth(idx, 0)
		}
		dir.decrGlobalDepth()
	}

	globalDepth := dir.globalDepth()
	t.bpm.UnpinPage(dirFrame.PageID(), true)

	telemetry.HashMerges.Inc()
	t.logger.Debug("merged bucket",
		zap.Int("bucket_idx", bucketIdx),
		zap.Int("split_idx", splitIdx),
		zap.Uint32("global_depth", globalDepth),
	)
}

// GlobalDepth returns the directory's current global depth
func (t *Table) GlobalDepth() uint32 {
	t.latch.RLock()
	defer t.latch.RUnlock()

	dirFrame, dir, err := t.fetchDirectory()
	if err != nil {
		return 0
	}
	gd := dir.globalDepth()
	t.bpm.UnpinPage(dirFrame.PageID(), false)
	return gd
}

// VerifyIntegrity checks the directory invariants
func (t *Table) VerifyIntegrity() error {
	t.latch.RLock()
	defer t.latch.RUnlock()

	dirFrame, dir, err := t.fetchDirectory()
	if err != nil {
		return err
	}
	defer t.bpm.UnpinPage(dirFrame.PageID(), false)
	return dir.verifyIntegrity()
}
