/*
Disk manager deals with the database file.
The file is organized as a dense array of fixed-size pages and the disk manager
mediates all page-granular I/O for the buffer pool.

The disk manager also allocates page ids. The allocation here is a simple
monotonic counter; the buffer pool instance normally computes ids by itself
(with a stride of the instance count) and just writes through this manager,
so WritePage accepts any id, including ids past the current end of file.

Reads of pages that have never been written return a 0-filled page. The buffer
pool relies on this when it fetches a freshly allocated page that has not been
flushed yet.
*/
package disk

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/ssmznk/prdb/storage/page"
)

// Manager manages the database file
type Manager struct {
	// st is the underlying storage. file-backed in production, byte-slice-backed in test
	st storage
	// nextPageID is the next page id handed out by AllocatePage
	nextPageID page.PageID
	// mu protects st's seek position and nextPageID
	mu sync.Mutex
}

// NewManager initializes the disk manager with a file-backed storage
func NewManager(path string) (*Manager, error) {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0700)
	if err != nil {
		return nil, errors.Wrap(err, "os.OpenFile failed")
	}
	st := fileStorage{fd}
	return newManager(st)
}

// newManager initializes the disk manager with the given storage
func newManager(st storage) (*Manager, error) {
	size, err := st.Size()
	if err != nil {
		return nil, errors.Wrap(err, "st.Size failed")
	}
	return &Manager{
		st:         st,
		nextPageID: page.PageID(size / page.PageSize),
	}, nil
}

// ReadPage reads the page content into p.
// when the page has never been written, p is 0-filled.
func (m *Manager) ReadPage(pageID page.PageID, p page.PagePtr) error {
	if !pageID.IsValid() {
		return errors.Errorf("invalid page id: %d", pageID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	size, err := m.st.Size()
	if err != nil {
		return errors.Wrap(err, "st.Size failed")
	}
	off := page.CalculateFileOffset(pageID)
	if off >= size {
		// never-written page. writes always move whole pages so a page is
		// either fully on disk or not there at all
		for i := range p {
			p[i] = 0
		}
		return nil
	}
	if _, err := m.st.Seek(off, io.SeekStart); err != nil {
		return errors.Wrap(err, "st.Seek failed")
	}
	if _, err := m.st.Read(p[:]); err != nil {
		return errors.Wrap(err, "st.Read failed")
	}
	return nil
}

// WritePage writes the page content p to disk.
// any valid page id is accepted, even one past the current end of file.
func (m *Manager) WritePage(pageID page.PageID, p page.PagePtr) error {
	if !pageID.IsValid() {
		return errors.Errorf("invalid page id: %d", pageID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.st.Seek(page.CalculateFileOffset(pageID), io.SeekStart); err != nil {
		return errors.Wrap(err, "st.Seek failed")
	}
	if _, err := m.st.Write(p[:]); err != nil {
		return errors.Wrap(err, "st.Write failed")
	}
	return nil
}

// AllocatePage reserves a new page id
func (m *Manager) AllocatePage() page.PageID {
	m.mu.Lock()
	defer m.mu.Unlock()
	pid := m.nextPageID
	m.nextPageID++
	return pid
}

// DeallocatePage is a hint that the page id is no longer in use.
// the file is never shrunk, so this does nothing for now.
func (m *Manager) DeallocatePage(pageID page.PageID) {}

// Sync flushes the storage
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.st.Sync(); err != nil {
		return errors.Wrap(err, "st.Sync failed")
	}
	return nil
}
