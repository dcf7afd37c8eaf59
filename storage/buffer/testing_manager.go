package buffer

import (
	"github.com/pkg/errors"

	"github.com/ssmznk/prdb/storage/disk"
)

// testingNewDiskManager initializes the in-memory disk manager the buffer
// fixtures share
func testingNewDiskManager() (*disk.Manager, error) {
	dm, err := disk.TestingNewBufferManager()
	if err != nil {
		return nil, errors.Wrap(err, "disk.TestingNewBufferManager failed")
	}
	return dm, nil
}

// TestingNewInstance initializes a buffer pool instance backed by an
// in-memory disk manager
func TestingNewInstance(poolSize int) (*Instance, error) {
	dm, err := testingNewDiskManager()
	if err != nil {
		return nil, err
	}
	in, err := NewInstance(poolSize, dm, nil)
	if err != nil {
		return nil, errors.Wrap(err, "NewInstance failed")
	}
	return in, nil
}

// TestingNewParallel initializes a parallel buffer pool backed by an
// in-memory disk manager
func TestingNewParallel(numInstances, poolSize int) (*Parallel, error) {
	dm, err := testingNewDiskManager()
	if err != nil {
		return nil, err
	}
	p, err := NewParallel(numInstances, poolSize, dm, nil)
	if err != nil {
		return nil, errors.Wrap(err, "NewParallel failed")
	}
	return p, nil
}
