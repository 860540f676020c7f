package credit

import (
	"context"
	"sync"
)

// CustomerLocks serializes mutations per customer inside one process.
// Entries are reference counted and dropped when the last holder or waiter
// leaves, so the map stays as small as the number of customers in flight.
type CustomerLocks struct {
	mu    sync.Mutex
	locks map[CustomerID]*customerLock
}

// customerLock is a one-slot semaphore so waiters can give up on ctx.
type customerLock struct {
	slot chan struct{}
	refs int
}

func NewCustomerLocks() *CustomerLocks {
	return &CustomerLocks{locks: make(map[CustomerID]*customerLock)}
}

// Lock blocks until the caller holds the customer's lock or ctx is done. On
// success it returns the matching unlock function; on cancellation it
// returns ctx.Err() and holds nothing.
func (l *CustomerLocks) Lock(ctx context.Context, id CustomerID) (unlock func(), err error) {
	l.mu.Lock()
	cl, ok := l.locks[id]
	if !ok {
		cl = &customerLock{slot: make(chan struct{}, 1)}
		l.locks[id] = cl
	}
	cl.refs++
	l.mu.Unlock()

	select {
	case cl.slot <- struct{}{}:
	case <-ctx.Done():
		l.release(id, cl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-cl.slot
			l.release(id, cl)
		})
	}, nil
}

func (l *CustomerLocks) release(id CustomerID, cl *customerLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl.refs--
	if cl.refs == 0 {
		delete(l.locks, id)
	}
}

// Held returns how many customers currently have a holder or waiter.
func (l *CustomerLocks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
