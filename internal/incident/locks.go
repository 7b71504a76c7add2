package incident

import "sync"

// sourceLocks serializes correlation per source IP so concurrent
// assessments from one source cannot each open their own incident.
// Entries are kept for the life of the process; the set of distinct
// sources under active correlation is small.
type sourceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSourceLocks() *sourceLocks {
	return &sourceLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *sourceLocks) lock(sourceIP string) func() {
	l.mu.Lock()
	m, ok := l.locks[sourceIP]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sourceIP] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
