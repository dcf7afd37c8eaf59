package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLRUReplacerVictimOrder(t *testing.T) {
	r := NewLRUReplacer(4)
	r.Unpin(FrameID(0))
	r.Unpin(FrameID(1))
	r.Unpin(FrameID(2))
	assert.Equal(t, 3, r.Size())

	// frames come out in the order they were unpinned
	tests := []struct {
		name     string
		expected FrameID
	}{
		{
			name:     "first victim is the least recently unpinned frame",
			expected: FrameID(0),
		},
		{
			name:     "second victim",
			expected: FrameID(1),
		},
		{
			name:     "third victim",
			expected: FrameID(2),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.Victim()
			assert.True(t, ok)
			assert.Equal(t, tt.expected, got)
		})
	}

	_, ok := r.Victim()
	assert.False(t, ok)
	assert.Equal(t, 0, r.Size())
}

func TestLRUReplacerPin(t *testing.T) {
	r := NewLRUReplacer(4)
	r.Unpin(FrameID(0))
	r.Unpin(FrameID(1))

	r.Pin(FrameID(0))
	assert.Equal(t, 1, r.Size())

	// pinning an absent frame is a no-op
	r.Pin(FrameID(3))
	assert.Equal(t, 1, r.Size())

	got, ok := r.Victim()
	assert.True(t, ok)
	assert.Equal(t, FrameID(1), got)
}

func TestLRUReplacerUnpinDuplicate(t *testing.T) {
	r := NewLRUReplacer(4)
	r.Unpin(FrameID(0))
	r.Unpin(FrameID(1))
	// unpinning an already-evictable frame must not refresh its position
	r.Unpin(FrameID(0))
	assert.Equal(t, 2, r.Size())

	got, ok := r.Victim()
	assert.True(t, ok)
	assert.Equal(t, FrameID(0), got)
}

func TestLRUReplacerCapacity(t *testing.T) {
	r := NewLRUReplacer(2)
	r.Unpin(FrameID(0))
	r.Unpin(FrameID(1))
	// at capacity, further unpins are dropped
	r.Unpin(FrameID(2))
	assert.Equal(t, 2, r.Size())

	got, ok := r.Victim()
	assert.True(t, ok)
	assert.Equal(t, FrameID(0), got)
}
