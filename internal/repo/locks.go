package repo

import "sync"

// isbnLocks provides per-book mutual exclusion for the read-then-write
// sections that a database transaction alone does not serialize across
// engines: the stock check before a loan and the max-position read before a
// reservation. Locks are never removed; the catalog is small and bounded.
type isbnLocks struct {
	locks sync.Map // isbn -> *sync.Mutex
}

// lock acquires the mutex for the given ISBN and returns its unlock func.
func (l *isbnLocks) lock(isbn string) func() {
	v, _ := l.locks.LoadOrStore(isbn, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
