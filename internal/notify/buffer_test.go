package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biblioteca/circulation/internal/db"
)

func loanWithID(id uint) *db.Loan {
	return &db.Loan{ID: id}
}

func TestBufferFIFOOrder(t *testing.T) {
	buffer := NewBuffer(10)

	for i := uint(1); i <= 3; i++ {
		assert.True(t, buffer.Push(loanWithID(i)))
	}
	assert.Equal(t, 3, buffer.Len())

	drained := buffer.Drain()
	require.Len(t, drained, 3)
	for i, loan := range drained {
		assert.Equal(t, uint(i+1), loan.ID)
	}

	assert.True(t, buffer.IsEmpty())
}

func TestBufferDropsNewWhenFull(t *testing.T) {
	buffer := NewBuffer(2)

	assert.True(t, buffer.Push(loanWithID(1)))
	assert.True(t, buffer.Push(loanWithID(2)))
	assert.True(t, buffer.IsFull())

	// Back-pressure policy: lose new, keep old
	assert.False(t, buffer.Push(loanWithID(3)))
	assert.Equal(t, 2, buffer.Len())

	drained := buffer.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, uint(1), drained[0].ID)
	assert.Equal(t, uint(2), drained[1].ID)
}

func TestBufferPeekDoesNotConsume(t *testing.T) {
	buffer := NewBuffer(10)
	buffer.Push(loanWithID(1))
	buffer.Push(loanWithID(2))

	peeked := buffer.PeekAll()
	require.Len(t, peeked, 2)
	assert.Equal(t, 2, buffer.Len())

	// The returned slice is a copy; mutating it leaves the buffer intact
	peeked[0] = loanWithID(99)
	again := buffer.PeekAll()
	assert.Equal(t, uint(1), again[0].ID)
}

func TestBufferClear(t *testing.T) {
	buffer := NewBuffer(10)
	buffer.Push(loanWithID(1))

	buffer.Clear()
	assert.True(t, buffer.IsEmpty())
	assert.Empty(t, buffer.Drain())
}

func TestBufferCapacityFallback(t *testing.T) {
	buffer := NewBuffer(0)

	for i := uint(0); i < DefaultBufferCapacity; i++ {
		require.True(t, buffer.Push(loanWithID(i + 1)))
	}
	assert.False(t, buffer.Push(loanWithID(999)))
}
