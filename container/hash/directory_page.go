/*
Directory page is the fixed-size on-disk root of the extendible hash index.

layout of the directory page:
- self page id: int32, so the page can name itself after a reload
- global depth: uint32, number of low-order hash bits used to index the directory
- local depths: one uint8 per directory slot
- bucket page ids: one int32 per directory slot

valid entries are the indices 0..(1 << global depth). the directory array is
sized for a maximum global depth of 9, and the whole page still fits well
within one 4KiB page.

invariants (checked by verifyIntegrity, must hold after every insert/remove):
- local depth of every valid entry <= global depth
- two valid indices with the same low local-depth bits share the bucket page id
  and the local depth
- each distinct bucket page id is pointed to by exactly 2^(global depth - local
  depth) entries
*/
package hash

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/ssmznk/prdb/storage/page"
)

const (
	// directoryArraySize is the number of directory slots
	directoryArraySize = 512
	// maxGlobalDepth is the deepest the directory can grow: 1<<9 = 512 slots
	maxGlobalDepth = 9

	dirPageIDOffset        = 0
	dirGlobalDepthOffset   = 4
	dirLocalDepthsOffset   = 8
	dirBucketPageIDsOffset = dirLocalDepthsOffset + directoryArraySize
)

// directoryView interprets a page as the hash table directory
type directoryView struct {
	p page.PagePtr
}

// newDirectoryView wraps the page bytes. the page must stay pinned while the
// view is in use
func newDirectoryView(p page.PagePtr) directoryView {
	return directoryView{p: p}
}

// init formats a fresh (zeroed) page as an empty directory of global depth 0.
// every slot's bucket page id is set to invalid, not left at the zero value,
// because page id 0 is a perfectly valid page
func (d directoryView) init(selfPageID page.PageID) {
	d.setPageID(selfPageID)
	binary.LittleEndian.PutUint32(d.p[dirGlobalDepthOffset:], 0)
	for i := 0; i < directoryArraySize; i++ {
		d.p[dirLocalDepthsOffset+i] = 0
		d.setBucketPageID(i, page.InvalidPageID)
	}
}

// pageID returns the directory page's own id
func (d directoryView) pageID() page.PageID {
	return page.PageID(binary.LittleEndian.Uint32(d.p[dirPageIDOffset:]))
}

// setPageID stores the directory page's own id
func (d directoryView) setPageID(pageID page.PageID) {
	binary.LittleEndian.PutUint32(d.p[dirPageIDOffset:], uint32(pageID))
}

// globalDepth returns the number of hash bits used to index the directory
func (d directoryView) globalDepth() uint32 {
	return binary.LittleEndian.Uint32(d.p[dirGlobalDepthOffset:])
}

// globalDepthMask masks a hash down to a directory index
func (d directoryView) globalDepthMask() uint32 {
	return (1 << d.globalDepth()) - 1
}

// incrGlobalDepth doubles the directory
func (d directoryView) incrGlobalDepth() {
	binary.LittleEndian.PutUint32(d.p[dirGlobalDepthOffset:], d.globalDepth()+1)
}

// decrGlobalDepth halves the directory
func (d directoryView) decrGlobalDepth() {
	binary.LittleEndian.PutUint32(d.p[dirGlobalDepthOffset:], d.globalDepth()-1)
}

// size returns the number of valid directory entries
func (d directoryView) size() int {
	return 1 << d.globalDepth()
}

// localDepth returns the entry's local depth
func (d directoryView) localDepth(idx int) uint32 {
	return uint32(d.p[dirLocalDepthsOffset+idx])
}

// setLocalDepth sets the entry's local depth
func (d directoryView) setLocalDepth(idx int, depth uint32) {
	d.p[dirLocalDepthsOffset+idx] = uint8(depth)
}

// incrLocalDepth increments the entry's local depth
func (d directoryView) incrLocalDepth(idx int) {
	d.p[dirLocalDepthsOffset+idx]++
}

// decrLocalDepth decrements the entry's local depth
func (d directoryView) decrLocalDepth(idx int) {
	d.p[dirLocalDepthsOffset+idx]--
}

// localDepthMask masks a hash down to the bits this entry's bucket shares
func (d directoryView) localDepthMask(idx int) uint32 {
	return (1 << d.localDepth(idx)) - 1
}

// localHighBit returns the bit distinguishing the entry from its split image.
// only meaningful when the local depth is at least 1
func (d directoryView) localHighBit(idx int) uint32 {
	return 1 << (d.localDepth(idx) - 1)
}

// splitImageIndex returns the sibling index: the entry's index with the
// highest local-depth bit flipped
func (d directoryView) splitImageIndex(idx int) int {
	return idx ^ int(d.localHighBit(idx))
}

// bucketPageID returns the entry's bucket page id
func (d directoryView) bucketPageID(idx int) page.PageID {
	off := dirBucketPageIDsOffset + idx*4
	return page.PageID(binary.LittleEndian.Uint32(d.p[off:]))
}

// setBucketPageID sets the entry's bucket page id
func (d directoryView) setBucketPageID(idx int, pageID page.PageID) {
	off := dirBucketPageIDsOffset + idx*4
	binary.LittleEndian.PutUint32(d.p[off:], uint32(pageID))
}

// canShrink checks whether the directory can halve:
// true iff every valid entry's local depth is strictly below the global depth
func (d directoryView) canShrink() bool {
	if d.globalDepth() == 0 {
		return false
	}
	for i := 0; i < d.size(); i++ {
		if d.localDepth(i) == d.globalDepth() {
			return false
		}
	}
	return true
}

// verifyIntegrity checks the directory invariants
func (d directoryView) verifyIntegrity() error {
	gd := d.globalDepth()
	pointers := make(map[page.PageID]int)
	depths := make(map[page.PageID]uint32)

	for i := 0; i < d.size(); i++ {
		ld := d.localDepth(i)
		if ld > gd {
			return errors.Errorf("entry %d: local depth %d exceeds global depth %d", i, ld, gd)
		}
		bpid := d.bucketPageID(i)
		if !bpid.IsValid() {
			return errors.Errorf("entry %d: invalid bucket page id", i)
		}
		// the canonical entry with the same low local-depth bits must agree
		canonical := i & int(d.localDepthMask(i))
		if d.bucketPageID(canonical) != bpid {
			return errors.Errorf("entries %d and %d share suffix but point to pages %d and %d",
				i, canonical, bpid, d.bucketPageID(canonical))
		}
		if d.localDepth(canonical) != ld {
			return errors.Errorf("entries %d and %d share suffix but have depths %d and %d",
				i, canonical, ld, d.localDepth(canonical))
		}
		pointers[bpid]++
		depths[bpid] = ld
	}

	for bpid, count := range pointers {
		expected := 1 << (gd - depths[bpid])
		if count != expected {
			return errors.Errorf("bucket page %d pointed to by %d entries, expected %d",
				bpid, count, expected)
		}
	}
	return nil
}
