/*
Frame is one slot of the buffer pool.
It holds the page-sized byte buffer plus the metadata the pool needs for
eviction: the id of the resident page, the pin count and the dirty bit.

access rules for frames:
there are two rules a caller has to follow
- pin/unpin for the eviction policy: FetchPage/NewPage return a pinned frame and
  the caller must call UnpinPage after it completes using the frame. a pinned
  frame is never evicted.
- content lock for read/write of the page bytes: acquire the content lock in
  shared mode before reading the page, in exclusive mode before modifying it.
  this makes anything done with the page atomic to other goroutines.

the flow when reading a page:
- pin the frame (via FetchPage) -> acquire shared content lock -> read
- -> release content lock -> unpin the frame (via UnpinPage)

the content lock must be released before the unpin: once the pin is dropped the
pool may evict the frame, and it must never have to write out a latched page.
*/
package buffer

import (
	"sync"

	"github.com/ssmznk/prdb/storage/page"
)

// FrameID identifies a frame by its position in the pool's frame array
type FrameID int32

const (
	// FirstFrameID is the first frame id
	FirstFrameID FrameID = 0
	// InvalidFrameID is the sentinel for "no frame"
	InvalidFrameID FrameID = -1
)

// Frame is one buffer pool slot
type Frame struct {
	// data is the page-sized buffer. the page is fetched from disk into this
	data page.PagePtr
	// pageID is the id of the resident page. InvalidPageID when the frame is free
	pageID page.PageID
	// pinCount is the number of callers currently using the frame
	pinCount uint32
	// isDirty reports whether the in-memory copy differs from disk
	isDirty bool
	// contentLock protects the page bytes in data.
	// this may be held for a long time (for doing anything with the content),
	// so it is a plain RWMutex rather than a spin lock
	contentLock sync.RWMutex
}

// newFrame initializes a free frame
func newFrame() *Frame {
	return &Frame{
		data:   page.NewPagePtr(),
		pageID: page.InvalidPageID,
	}
}

// Data returns the raw page bytes.
// the returned buffer is valid only while the caller holds a pin.
// callers interpret it through typed views (e.g. the hash index's directory
// and bucket views); the pool itself never looks inside
func (f *Frame) Data() page.PagePtr {
	return f.data
}

// PageID returns the id of the resident page
func (f *Frame) PageID() page.PageID {
	return f.pageID
}

// PinCount returns the current pin count
func (f *Frame) PinCount() uint32 {
	return f.pinCount
}

// IsDirty reports whether the frame holds unwritten changes
func (f *Frame) IsDirty() bool {
	return f.isDirty
}

// AcquireContentLock acquires the frame content lock.
// the content lock has to be held when reading/writing the page bytes,
// exclusive for writes, shared for reads
func (f *Frame) AcquireContentLock(exclusive bool) {
	if exclusive {
		f.contentLock.Lock()
	} else {
		f.contentLock.RLock()
	}
}

// ReleaseContentLock releases the frame content lock
func (f *Frame) ReleaseContentLock(exclusive bool) {
	if exclusive {
		f.contentLock.Unlock()
	} else {
		f.contentLock.RUnlock()
	}
}

// reset clears the page bytes and the metadata.
// called before the frame is reused for another page or returned to the free list
func (f *Frame) reset() {
	for i := range f.data {
		f.data[i] = 0
	}
	f.pageID = page.InvalidPageID
	f.pinCount = 0
	f.isDirty = false
}
