// Package notify stages freshly-overdue loans for batch delivery.
package notify

import (
	"sync"

	"github.com/biblioteca/circulation/internal/db"
	"github.com/biblioteca/circulation/internal/metrics"
)

// DefaultBufferCapacity bounds the overdue staging buffer.
const DefaultBufferCapacity = 100

// Buffer is a bounded in-memory FIFO of loans that have just transitioned to
// overdue. When full, new entries are silently dropped: the buffer is a
// best-effort staging area for the batch notifier, not a source of truth,
// since the overdue fact is always recomputable from stored due dates. The
// buffer is process-local and resets on restart.
type Buffer struct {
	mu    sync.Mutex
	items []*db.Loan
	cap   int
}

// NewBuffer creates a buffer with the given capacity. A capacity below 1
// falls back to DefaultBufferCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{
		items: make([]*db.Loan, 0, capacity),
		cap:   capacity,
	}
}

// Push appends a loan to the buffer. It reports whether the loan was
// accepted; a full buffer drops the new entry.
func (b *Buffer) Push(loan *db.Loan) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) >= b.cap {
		metrics.NotificationsDropped.Inc()
		return false
	}
	b.items = append(b.items, loan)
	return true
}

// Drain removes and returns all entries in FIFO order, emptying the buffer.
func (b *Buffer) Drain() []*db.Loan {
	b.mu.Lock()
	defer b.mu.Unlock()

	drained := b.items
	b.items = make([]*db.Loan, 0, b.cap)
	return drained
}

// PeekAll returns all entries in FIFO order without removing them.
func (b *Buffer) PeekAll() []*db.Loan {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*db.Loan, len(b.items))
	copy(out, b.items)
	return out
}

// Clear discards all entries.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = b.items[:0]
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// IsEmpty reports whether the buffer holds no entries.
func (b *Buffer) IsEmpty() bool {
	return b.Len() == 0
}

// IsFull reports whether the buffer is at capacity.
func (b *Buffer) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items) >= b.cap
}
