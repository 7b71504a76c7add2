package response

import "sync"

// ipLocks serializes target-state mutation per IP so unrelated IPs stay
// independent. Entries are kept for the life of the process; the set of
// distinct IPs under active mitigation is small.
type ipLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newIPLocks() *ipLocks {
	return &ipLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *ipLocks) lock(ip string) func() {
	l.mu.Lock()
	m, ok := l.locks[ip]
	if !ok {
		m = &sync.Mutex{}
		l.locks[ip] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
