package correlator

import (
	"sync"

	"github.com/opsflow/opsflow/types"
)

// leaseTable grants at most one holder per thread key. Leases are
// non-reentrant and non-blocking: a second acquisition attempt fails
// instead of queueing, which turns a concurrent resumption into an
// explicit THREAD_BUSY refusal the caller can retry.
type leaseTable struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLeaseTable() *leaseTable {
	return &leaseTable{held: make(map[string]struct{})}
}

// acquire takes the lease for threadKey and returns a release func.
// Release is idempotent.
func (l *leaseTable) acquire(threadKey string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[threadKey]; busy {
		return nil, types.Errorf(types.ErrThreadBusy, "thread %s has an active execution", threadKey)
	}
	l.held[threadKey] = struct{}{}

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, threadKey)
			l.mu.Unlock()
		})
	}
	return release, nil
}
