package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageIDIsValid(t *testing.T) {
	assert.True(t, FirstPageID.IsValid())
	assert.True(t, PageID(100).IsValid())
	assert.False(t, InvalidPageID.IsValid())
}

func TestCalculateFileOffset(t *testing.T) {
	tests := []struct {
		name     string
		pageID   PageID
		expected int64
	}{
		{
			name:     "first page is at the head of the file",
			pageID:   FirstPageID,
			expected: 0,
		},
		{
			name:     "third page",
			pageID:   PageID(2),
			expected: 2 * PageSize,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateFileOffset(tt.pageID)
			assert.Equal(t, tt.expected, got)
		})
	}
}
