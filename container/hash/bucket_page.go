/*
Bucket page is the fixed-size on-disk container of (key, value) slots.

layout of a bucket page:
- occupied bitmap: one bit per slot, set on the first write to the slot and
  never cleared (except when the whole page is reinitialized). a clear bit
  means the slot has never been touched; the scans below do not consult it.
- readable bitmap: one bit per slot, set while the slot holds a live pair.
  remove clears only this bit, so a removed slot is a tombstone
  (occupied but not readable).
- slot array: capacity fixed-width (key, value) pairs.

the bucket is a multi-map: duplicate keys with distinct values are allowed,
duplicate (key, value) pairs are not.

bucketView interprets the raw bytes of a pinned frame; it allocates nothing
and owns nothing. the caller is responsible for pinning the page and for
holding the frame content lock in the right mode.
*/
package hash

import (
	"bytes"

	"github.com/ssmznk/prdb/storage/page"
)

// maxBucketCapacity returns the largest slot count whose slots and the two
// bitmaps fit in one page
func maxBucketCapacity(keySize, valueSize int) int {
	entrySize := keySize + valueSize
	// two bitmap bits per slot: 8*page >= capacity*(8*entry + 2)
	capacity := 4 * page.PageSize / (4*entrySize + 1)
	for bucketPageSize(entrySize, capacity) > page.PageSize {
		capacity--
	}
	return capacity
}

// bucketPageSize returns the bytes a bucket of the given shape occupies
func bucketPageSize(entrySize, capacity int) int {
	return 2*bitmapBytes(capacity) + capacity*entrySize
}

// bitmapBytes returns the byte length of one slot bitmap
func bitmapBytes(capacity int) int {
	return (capacity + 7) / 8
}

// bucketView interprets a page as a bucket
type bucketView struct {
	p         page.PagePtr
	keySize   int
	valueSize int
	capacity  int
}

// newBucketView wraps the page bytes. the page must stay pinned while the
// view is in use
func newBucketView(p page.PagePtr, keySize, valueSize, capacity int) bucketView {
	return bucketView{
		p:         p,
		keySize:   keySize,
		valueSize: valueSize,
		capacity:  capacity,
	}
}

// isOccupied checks whether the slot has ever held a pair
func (b bucketView) isOccupied(slot int) bool {
	return b.p[slot/8]&(1<<(slot%8)) != 0
}

// setOccupied marks the slot as touched. never cleared
func (b bucketView) setOccupied(slot int) {
	b.p[slot/8] |= 1 << (slot % 8)
}

// isReadable checks whether the slot holds a live pair
func (b bucketView) isReadable(slot int) bool {
	off := bitmapBytes(b.capacity) + slot/8
	return b.p[off]&(1<<(slot%8)) != 0
}

// setReadable marks the slot live
func (b bucketView) setReadable(slot int) {
	off := bitmapBytes(b.capacity) + slot/8
	b.p[off] |= 1 << (slot % 8)
}

// clearReadable tombstones the slot. occupied stays set
func (b bucketView) clearReadable(slot int) {
	off := bitmapBytes(b.capacity) + slot/8
	b.p[off] &^= 1 << (slot % 8)
}

// keyAt returns the slot's key bytes, aliasing the page buffer
func (b bucketView) keyAt(slot int) []byte {
	off := 2*bitmapBytes(b.capacity) + slot*(b.keySize+b.valueSize)
	return b.p[off : off+b.keySize]
}

// valueAt returns the slot's value bytes, aliasing the page buffer
func (b bucketView) valueAt(slot int) []byte {
	off := 2*bitmapBytes(b.capacity) + slot*(b.keySize+b.valueSize) + b.keySize
	return b.p[off : off+b.valueSize]
}

// getValue appends a copy of every live value stored under the key.
// returns nil when the key is absent
func (b bucketView) getValue(key []byte, cmp Comparator) [][]byte {
	var values [][]byte
	for slot := 0; slot < b.capacity; slot++ {
		if !b.isReadable(slot) {
			continue
		}
		if cmp(key, b.keyAt(slot)) == 0 {
			value := make([]byte, b.valueSize)
			copy(value, b.valueAt(slot))
			values = append(values, value)
		}
	}
	return values
}

// contains checks whether the exact (key, value) pair is live in the bucket
func (b bucketView) contains(key, value []byte, cmp Comparator) bool {
	for slot := 0; slot < b.capacity; slot++ {
		if b.isReadable(slot) && cmp(key, b.keyAt(slot)) == 0 && bytes.Equal(value, b.valueAt(slot)) {
			return true
		}
	}
	return false
}

// insert places the pair into the lowest-indexed non-readable slot.
// returns false when the exact pair already exists or the bucket is full
func (b bucketView) insert(key, value []byte, cmp Comparator) bool {
	insertSlot := -1
	for slot := 0; slot < b.capacity; slot++ {
		if b.isReadable(slot) {
			if cmp(key, b.keyAt(slot)) == 0 && bytes.Equal(value, b.valueAt(slot)) {
				return false
			}
			continue
		}
		if insertSlot == -1 {
			insertSlot = slot
		}
	}
	if insertSlot == -1 {
		return false
	}
	copy(b.keyAt(insertSlot), key)
	copy(b.valueAt(insertSlot), value)
	b.setOccupied(insertSlot)
	b.setReadable(insertSlot)
	return true
}

// remove tombstones the first slot holding the exact (key, value) pair.
// matching on the pair rather than the key alone is what keeps the
// multi-map semantics: removing (k, v1) must not drop (k, v2)
func (b bucketView) remove(key, value []byte, cmp Comparator) bool {
	for slot := 0; slot < b.capacity; slot++ {
		if b.isReadable(slot) && cmp(key, b.keyAt(slot)) == 0 && bytes.Equal(value, b.valueAt(slot)) {
			b.clearReadable(slot)
			return true
		}
	}
	return false
}

// removeAt tombstones the slot
func (b bucketView) removeAt(slot int) {
	b.clearReadable(slot)
}

// isFull checks whether every slot is live
func (b bucketView) isFull() bool {
	return b.numReadable() == b.capacity
}

// isEmpty checks whether no slot is live
func (b bucketView) isEmpty() bool {
	return b.numReadable() == 0
}

// numReadable returns the number of live slots
func (b bucketView) numReadable() int {
	n := 0
	for slot := 0; slot < b.capacity; slot++ {
		if b.isReadable(slot) {
			n++
		}
	}
	return n
}
