/*
Parallel buffer pool shards the frame budget across N independent instances.

Every per-page operation routes to the owning instance by page_id mod N and
takes only that instance's latch, so operations on pages of different shards
never contend. The parallel pool itself holds one latch, used only to rotate
the starting cursor of NewPage allocation across instances.
*/
package buffer

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ssmznk/prdb/storage/disk"
	"github.com/ssmznk/prdb/storage/page"
)

// Parallel is a sharded buffer pool composed of independent instances
type Parallel struct {
	// instances are the shards. instance i owns page ids with id mod N == i
	instances []*Instance
	// latch protects startingIndex only
	latch sync.Mutex
	// startingIndex is the instance NewPage tries first.
	// it advances on every attempt, success or not, to spread allocation pressure
	startingIndex int
}

var _ Manager = (*Parallel)(nil)

// NewParallel initializes numInstances instances of poolSize frames each,
// all sharing one disk manager
func NewParallel(numInstances, poolSize int, dm *disk.Manager, logger *zap.Logger) (*Parallel, error) {
	if numInstances <= 0 {
		return nil, errors.Errorf("invalid instance count: %d", numInstances)
	}
	instances := make([]*Instance, 0, numInstances)
	for i := 0; i < numInstances; i++ {
		in, err := NewInstanceForPool(poolSize, uint32(numInstances), uint32(i), dm, logger)
		if err != nil {
			return nil, errors.Wrap(err, "NewInstanceForPool failed")
		}
		instances = append(instances, in)
	}
	return &Parallel{instances: instances}, nil
}

// GetBufferPoolManager returns the instance responsible for the page id
func (p *Parallel) GetBufferPoolManager(pageID page.PageID) *Instance {
	return p.instances[int(pageID)%len(p.instances)]
}

// NewPage allocates a new page from the instances in round-robin order,
// returning the first success. ErrNoUnpinnedFrame after a full cycle with
// no instance able to give up a frame
func (p *Parallel) NewPage() (*Frame, error) {
	p.latch.Lock()
	defer p.latch.Unlock()

	for i := 0; i < len(p.instances); i++ {
		in := p.instances[p.startingIndex]
		p.startingIndex = (p.startingIndex + 1) % len(p.instances)
		f, err := in.NewPage()
		if err == nil {
			return f, nil
		}
		if errors.Cause(err) != ErrNoUnpinnedFrame {
			return nil, errors.Wrap(err, "in.NewPage failed")
		}
	}
	return nil, ErrNoUnpinnedFrame
}

// FetchPage fetches the page from the owning instance
func (p *Parallel) FetchPage(pageID page.PageID) (*Frame, error) {
	if !pageID.IsValid() {
		return nil, errors.Errorf("invalid page id: %d", pageID)
	}
	return p.GetBufferPoolManager(pageID).FetchPage(pageID)
}

// UnpinPage unpins the page on the owning instance
func (p *Parallel) UnpinPage(pageID page.PageID, isDirty bool) bool {
	if !pageID.IsValid() {
		return false
	}
	return p.GetBufferPoolManager(pageID).UnpinPage(pageID, isDirty)
}

// FlushPage flushes the page on the owning instance
func (p *Parallel) FlushPage(pageID page.PageID) bool {
	if !pageID.IsValid() {
		return false
	}
	return p.GetBufferPoolManager(pageID).FlushPage(pageID)
}

// FlushAllPages flushes every instance
func (p *Parallel) FlushAllPages() {
	for _, in := range p.instances {
		in.FlushAllPages()
	}
}

// DeletePage deletes the page on the owning instance
func (p *Parallel) DeletePage(pageID page.PageID) bool {
	if !pageID.IsValid() {
		return false
	}
	return p.GetBufferPoolManager(pageID).DeletePage(pageID)
}

// PoolSize returns the total frame count across all instances
func (p *Parallel) PoolSize() int {
	return len(p.instances) * p.instances[0].PoolSize()
}
