package disk

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

// TestingNewFileManager initializes the disk manager backed by a temporary file
func TestingNewFileManager(t *testing.T) (*Manager, error) {
	path := filepath.Join(t.TempDir(), "prdb.db")
	m, err := NewManager(path)
	if err != nil {
		return nil, errors.Wrap(err, "NewManager failed")
	}
	return m, nil
}

// TestingNewBufferManager initializes the disk manager backed by a byte slice.
// tests which don't care about actual file I/O should use this.
func TestingNewBufferManager() (*Manager, error) {
	m, err := newManager(newBufferStorage())
	if err != nil {
		return nil, errors.Wrap(err, "newManager failed")
	}
	return m, nil
}
