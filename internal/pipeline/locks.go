package pipeline

import (
	"sync"

	"github.com/tlm-solutions/locations-consensus/internal/domain"
)

// SiteLocks serializes recomputation per site. Entries are reference counted
// and removed once no goroutine holds or waits for them.
type SiteLocks struct {
	mu    sync.Mutex
	sites map[domain.SiteKey]*siteLock
}

type siteLock struct {
	mu   sync.Mutex
	refs int
}

// NewSiteLocks returns an empty lock table.
func NewSiteLocks() *SiteLocks {
	return &SiteLocks{sites: make(map[domain.SiteKey]*siteLock)}
}

// Lock blocks until the caller holds key and returns the matching unlock.
func (l *SiteLocks) Lock(key domain.SiteKey) (unlock func()) {
	l.mu.Lock()
	s, ok := l.sites[key]
	if !ok {
		s = &siteLock{}
		l.sites[key] = s
	}
	s.refs++
	l.mu.Unlock()

	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		l.mu.Lock()
		s.refs--
		if s.refs == 0 {
			delete(l.sites, key)
		}
		l.mu.Unlock()
	}
}

// Len reports how many sites currently have a holder or waiter.
func (l *SiteLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sites)
}
