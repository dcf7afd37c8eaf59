/*
Buffer pool instance caches pages in a fixed set of frames and mediates all
disk I/O for the pages assigned to it.

Disk IO is expensive so pages are cached in memory, and the instance is
responsible for deciding which cached page gives way when a new one is needed:
- the free list is consulted first. free frames are pre-paid memory with no
  write-back cost, so they win even when the replacer is non-empty.
- otherwise the replacer picks the least recently unpinned frame.
- a dirty victim is written back to disk before its frame is reused.

write-back is lazy: pages marked dirty through UnpinPage stay in memory until
they are evicted or explicitly flushed. the dirty bit is sticky — UnpinPage can
only set it, and only FlushPage/eviction clear it.

every frame is in exactly one of three states:
- free: on the free list, holding no page
- pinned: in the page table with pin count > 0, not in the replacer
- evictable: in the page table with pin count 0, in the replacer

each operation takes the instance latch for its entire duration, including any
disk I/O it issues. this is a deliberate simplification: it keeps the state
transitions trivially atomic at the cost of serializing I/O per instance. the
parallel pool exists to win that concurrency back across instances.

when the instance is part of a parallel pool of N instances, it allocates page
ids instanceIndex, instanceIndex+N, instanceIndex+2N, ... so that id mod N
always routes back to the owning instance.
*/
package buffer

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ssmznk/prdb/pkg/telemetry"
	"github.com/ssmznk/prdb/storage/disk"
	"github.com/ssmznk/prdb/storage/page"
)

// Manager is the buffer pool interface the index layers program against.
// both the single Instance and the sharded Parallel pool implement it.
type Manager interface {
	// NewPage allocates a fresh page id and returns its pinned frame
	NewPage() (*Frame, error)
	// FetchPage returns the pinned frame holding the page, reading it from disk if needed
	FetchPage(pageID page.PageID) (*Frame, error)
	// UnpinPage drops one pin, optionally marking the page dirty
	UnpinPage(pageID page.PageID, isDirty bool) bool
	// FlushPage writes the page out if dirty
	FlushPage(pageID page.PageID) bool
	// FlushAllPages writes out every dirty resident page
	FlushAllPages()
	// DeletePage drops the resident page and returns its id to the allocator
	DeletePage(pageID page.PageID) bool
	// PoolSize returns the number of frames
	PoolSize() int
}

// ErrNoUnpinnedFrame is returned when every frame is pinned and none can be evicted
var ErrNoUnpinnedFrame = errors.New("all frames are pinned")

// Instance is one buffer pool instance
type Instance struct {
	// dm is the disk manager all page I/O goes through
	dm *disk.Manager
	// logger for eviction/write-back events
	logger *zap.Logger
	// numInstances is the stride of page id allocation
	numInstances uint32
	// instanceIndex is the first page id this instance allocates
	instanceIndex uint32
	// latch covers every operation of the instance, disk I/O included
	latch sync.Mutex
	// frames is the fixed frame array. a FrameID is an index into this
	frames []*Frame
	// pageTable maps a resident page id to its frame
	pageTable map[page.PageID]FrameID
	// freeList holds frames that hold no page, FIFO
	freeList []FrameID
	// replacer tracks the evictable frames
	replacer Replacer
	// nextPageID is the next page id this instance allocates
	nextPageID page.PageID
}

var _ Manager = (*Instance)(nil)

// NewInstance initializes a standalone buffer pool instance.
// pass nil logger to disable logging
func NewInstance(poolSize int, dm *disk.Manager, logger *zap.Logger) (*Instance, error) {
	return NewInstanceForPool(poolSize, 1, 0, dm, logger)
}

// NewInstanceForPool initializes a buffer pool instance that is one shard of a
// parallel pool with numInstances instances
func NewInstanceForPool(poolSize int, numInstances, instanceIndex uint32, dm *disk.Manager, logger *zap.Logger) (*Instance, error) {
	if poolSize <= 0 {
		return nil, errors.Errorf("invalid pool size: %d", poolSize)
	}
	if numInstances == 0 || instanceIndex >= numInstances {
		return nil, errors.Errorf("invalid instance index %d of %d", instanceIndex, numInstances)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	in := &Instance{
		dm:            dm,
		logger:        logger,
		numInstances:  numInstances,
		instanceIndex: instanceIndex,
		frames:        make([]*Frame, poolSize),
		pageTable:     make(map[page.PageID]FrameID, poolSize),
		freeList:      make([]FrameID, 0, poolSize),
		replacer:      NewLRUReplacer(poolSize),
		nextPageID:    page.PageID(instanceIndex),
	}
	// initially, every frame is in the free list
	for i := 0; i < poolSize; i++ {
		in.frames[i] = newFrame()
		in.freeList = append(in.freeList, FrameID(i))
	}
	return in, nil
}

// NewPage allocates a fresh page id and returns its frame, pinned.
// returns ErrNoUnpinnedFrame when every frame is pinned
func (in *Instance) NewPage() (*Frame, error) {
	in.latch.Lock()
	defer in.latch.Unlock()

	frameID, err := in.acquireVictimFrame()
	if err != nil {
		return nil, err
	}
	pageID := in.allocatePage()

	f := in.frames[frameID]
	f.reset()
	f.pageID = pageID
	f.pinCount = 1
	in.pageTable[pageID] = frameID
	in.replacer.Pin(frameID)
	return f, nil
}

// FetchPage returns the frame holding the page, pinned.
// on a hit the pin count is incremented; on a miss a victim frame is reclaimed
// and the page is read from disk. returns ErrNoUnpinnedFrame when no frame is
// obtainable
func (in *Instance) FetchPage(pageID page.PageID) (*Frame, error) {
	if !pageID.IsValid() {
		return nil, errors.Errorf("invalid page id: %d", pageID)
	}
	in.latch.Lock()
	defer in.latch.Unlock()

	if frameID, ok := in.pageTable[pageID]; ok {
		f := in.frames[frameID]
		f.pinCount++
		in.replacer.Pin(frameID)
		telemetry.BufferFetchHits.Inc()
		return f, nil
	}
	telemetry.BufferFetchMisses.Inc()

	frameID, err := in.acquireVictimFrame()
	if err != nil {
		return nil, err
	}
	f := in.frames[frameID]
	f.reset()
	if err := in.dm.ReadPage(pageID, f.data); err != nil {
		// the frame holds no page now; put it back on the free list
		in.freeList = append(in.freeList, frameID)
		return nil, errors.Wrap(err, "dm.ReadPage failed")
	}
	f.pageID = pageID
	f.pinCount = 1
	in.pageTable[pageID] = frameID
	in.replacer.Pin(frameID)
	return f, nil
}

// UnpinPage drops one pin from the page's frame.
// returns false when the page is not resident or its pin count is already zero.
// isDirty=true turns the dirty bit on; it is never cleared here — dirtiness is
// sticky until the page is flushed or evicted
func (in *Instance) UnpinPage(pageID page.PageID, isDirty bool) bool {
	in.latch.Lock()
	defer in.latch.Unlock()

	frameID, ok := in.pageTable[pageID]
	if !ok {
		return false
	}
	f := in.frames[frameID]
	if f.pinCount == 0 {
		return false
	}
	f.pinCount--
	if isDirty {
		f.isDirty = true
	}
	if f.pinCount == 0 {
		// the frame becomes evictable
		in.replacer.Unpin(frameID)
	}
	return true
}

// FlushPage writes the page out to disk if it is dirty and clears the dirty bit.
// flushing does not change pin state. returns false when the page is not resident
func (in *Instance) FlushPage(pageID page.PageID) bool {
	in.latch.Lock()
	defer in.latch.Unlock()

	frameID, ok := in.pageTable[pageID]
	if !ok {
		return false
	}
	if err := in.flushFrame(in.frames[frameID]); err != nil {
		in.logger.Error("page flush failed", zap.Int32("page_id", int32(pageID)), zap.Error(err))
		return false
	}
	return true
}

// FlushAllPages writes out every dirty resident page
func (in *Instance) FlushAllPages() {
	in.latch.Lock()
	defer in.latch.Unlock()

	for pageID, frameID := range in.pageTable {
		if err := in.flushFrame(in.frames[frameID]); err != nil {
			in.logger.Error("page flush failed", zap.Int32("page_id", int32(pageID)), zap.Error(err))
		}
	}
}

// flushFrame writes the frame's page out if dirty and clears the dirty bit
func (in *Instance) flushFrame(f *Frame) error {
	if !f.isDirty {
		return nil
	}
	if err := in.dm.WritePage(f.pageID, f.data); err != nil {
		return errors.Wrap(err, "dm.WritePage failed")
	}
	f.isDirty = false
	telemetry.BufferWriteBacks.Inc()
	return nil
}

// DeletePage drops the page from the pool and returns its id to the allocator.
// returns true when the page is not resident (nothing to do; the id is not
// deallocated then), false when the page is still pinned
func (in *Instance) DeletePage(pageID page.PageID) bool {
	in.latch.Lock()
	defer in.latch.Unlock()

	frameID, ok := in.pageTable[pageID]
	if !ok {
		return true
	}
	f := in.frames[frameID]
	if f.pinCount > 0 {
		return false
	}
	// the frame is evictable, so it sits in the replacer; remove it before
	// handing it to the free list
	in.replacer.Pin(frameID)
	f.reset()
	delete(in.pageTable, pageID)
	in.freeList = append(in.freeList, frameID)
	in.dm.DeallocatePage(pageID)
	return true
}

// PoolSize returns the number of frames
func (in *Instance) PoolSize() int {
	return len(in.frames)
}

// acquireVictimFrame reclaims a frame for a new resident page.
// the free list wins over the replacer; a dirty victim is written back before
// its frame is reused. the caller holds the instance latch
func (in *Instance) acquireVictimFrame() (FrameID, error) {
	if len(in.freeList) > 0 {
		frameID := in.freeList[0]
		in.freeList = in.freeList[1:]
		return frameID, nil
	}
	frameID, ok := in.replacer.Victim()
	if !ok {
		return InvalidFrameID, ErrNoUnpinnedFrame
	}
	f := in.frames[frameID]
	if f.isDirty {
		if err := in.dm.WritePage(f.pageID, f.data); err != nil {
			return InvalidFrameID, errors.Wrap(err, "dm.WritePage failed")
		}
		telemetry.BufferWriteBacks.Inc()
		in.logger.Debug("wrote back dirty victim page",
			zap.Int32("page_id", int32(f.pageID)),
			zap.Int32("frame_id", int32(frameID)),
		)
	}
	delete(in.pageTable, f.pageID)
	telemetry.BufferEvictions.Inc()
	return frameID, nil
}

// allocatePage computes the next page id of this instance.
// the caller holds the instance latch
func (in *Instance) allocatePage() page.PageID {
	pageID := in.nextPageID
	in.nextPageID += page.PageID(in.numInstances)
	return pageID
}
