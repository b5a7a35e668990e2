package notify

import "sync"

type domainCache struct {
	mu     sync.RWMutex
	byID   map[int64]Domain
	byName map[string]Domain
}

func newDomainCache() *domainCache {
	return &domainCache{
		byID:   make(map[int64]Domain),
		byName: make(map[string]Domain),
	}
}

func (c *domainCache) get(ref DomainRef) (Domain, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ref.ID() > 0 {
		domain, ok := c.byID[ref.ID()]
		return domain, ok
	}
	domain, ok := c.byName[ref.Name()]
	return domain, ok
}

func (c *domainCache) put(domain Domain) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[domain.ID] = domain
	c.byName[domain.Name] = domain
}

func (c *domainCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID = make(map[int64]Domain)
	c.byName = make(map[string]Domain)
}
