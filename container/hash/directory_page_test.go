package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ssmznk/prdb/storage/page"
)

func testingNewDirectoryView() directoryView {
	d := newDirectoryView(page.NewPagePtr())
	d.init(page.PageID(0))
	return d
}

func TestDirectoryInit(t *testing.T) {
	d := testingNewDirectoryView()
	assert.Equal(t, page.PageID(0), d.pageID())
	assert.Equal(t, uint32(0), d.globalDepth())
	assert.Equal(t, 1, d.size())
	// the zero value of the page must not read as "bucket page 0"
	assert.Equal(t, page.InvalidPageID, d.bucketPageID(0))
}

func TestDirectoryDepthMasks(t *testing.T) {
	d := testingNewDirectoryView()
	assert.Equal(t, uint32(0), d.globalDepthMask())

	d.incrGlobalDepth()
	d.incrGlobalDepth()
	assert.Equal(t, uint32(3), d.globalDepthMask())
	assert.Equal(t, 4, d.size())

	d.setLocalDepth(2, 2)
	assert.Equal(t, uint32(3), d.localDepthMask(2))
	assert.Equal(t, uint32(2), d.localHighBit(2))
}

func TestDirectorySplitImageIndex(t *testing.T) {
	d := testingNewDirectoryView()
	tests := []struct {
		name     string
		idx      int
		depth    uint32
		expected int
	}{
		{
			name:     "depth 1 flips bit 0",
			idx:      0,
			depth:    1,
			expected: 1,
		},
		{
			name:     "depth 2 flips bit 1",
			idx:      1,
			depth:    2,
			expected: 3,
		},
		{
			name:     "depth 3 flips bit 2",
			idx:      5,
			depth:    3,
			expected: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d.setLocalDepth(tt.idx, tt.depth)
			assert.Equal(t, tt.expected, d.splitImageIndex(tt.idx))
		})
	}
}

func TestDirectoryCanShrink(t *testing.T) {
	d := testingNewDirectoryView()
	// global depth 0 can never shrink
	assert.False(t, d.canShrink())

	d.incrGlobalDepth()
	d.setBucketPageID(0, page.PageID(1))
	d.setBucketPageID(1, page.PageID(2))
	d.setLocalDepth(0, 1)
	d.setLocalDepth(1, 1)
	assert.False(t, d.canShrink())

	d.setLocalDepth(0, 0)
	d.setLocalDepth(1, 0)
	d.setBucketPageID(1, page.PageID(1))
	assert.True(t, d.canShrink())
}

func TestDirectoryVerifyIntegrity(t *testing.T) {
	d := testingNewDirectoryView()
	d.incrGlobalDepth()
	d.setBucketPageID(0, page.PageID(1))
	d.setBucketPageID(1, page.PageID(2))
	d.setLocalDepth(0, 1)
	d.setLocalDepth(1, 1)
	assert.Nil(t, d.verifyIntegrity())

	t.Run("local depth above global depth", func(t *testing.T) {
		d.setLocalDepth(1, 2)
		assert.NotNil(t, d.verifyIntegrity())
		d.setLocalDepth(1, 1)
	})
	t.Run("shared suffix with different page ids", func(t *testing.T) {
		d.setLocalDepth(0, 0)
		d.setLocalDepth(1, 0)
		// depth 0 entries must all point at the same bucket
		assert.NotNil(t, d.verifyIntegrity())
		d.setBucketPageID(1, page.PageID(1))
		assert.Nil(t, d.verifyIntegrity())
	})
}
