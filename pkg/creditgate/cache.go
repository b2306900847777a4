package creditgate

import (
	"sort"
	"sync"
	"time"
)

// AccountCache holds last-known accounts. It serves reads between storage
// round trips and is the fallback when storage is unreachable.
type AccountCache interface {
	// Get returns the cached account and true if present.
	Get(userID string) (CachedAccount, bool)

	// Set stores an account. Dirty entries have not reached storage yet.
	Set(acct Account, dirty bool)

	// SetSynthetic stores an account built from tier defaults while storage
	// was unreachable. Synthetic entries are never written to storage.
	SetSynthetic(acct Account)

	// Invalidate removes an account.
	Invalidate(userID string)

	// Keys returns every cached user id.
	Keys() []string

	// Dirty returns the user ids whose latest state has not been persisted.
	Dirty() []string

	// Clear removes all entries.
	Clear()

	// Stats returns cache statistics.
	Stats() CacheStats
}

// CachedAccount is a cache entry.
type CachedAccount struct {
	Account  Account
	CachedAt time.Time
	Dirty    bool
	// Synthetic entries hold outage-only state for users storage never returned.
	Synthetic bool
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
	Dirty     int
}

type cacheEntry struct {
	CachedAccount
	accessTime time.Time
	sequence   int64 // tiebreak when access times are equal
}

// LRUCache implements AccountCache with least-recently-used eviction.
// Dirty and synthetic entries are never evicted; the cache grows past its
// bound instead.
type LRUCache struct {
	mu         sync.RWMutex
	entries    map[string]*cacheEntry
	maxEntries int
	hits       int64
	misses     int64
	evictions  int64
	sequence   int64
	now        func() time.Time
}

// NewLRUCache creates an LRU cache bounded to maxEntries (default 10000).
func NewLRUCache(maxEntries int) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &LRUCache{
		entries:    make(map[string]*cacheEntry, maxEntries),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *LRUCache) Get(userID string) (CachedAccount, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[userID]
	if !ok {
		c.misses++
		return CachedAccount{}, false
	}
	entry.accessTime = c.now()
	c.hits++

	out := entry.CachedAccount
	out.Account.SubscriptionExpiry = copyTime(out.Account.SubscriptionExpiry)
	return out, true
}

func (c *LRUCache) Set(acct Account, dirty bool) {
	c.set(CachedAccount{Account: acct, Dirty: dirty})
}

func (c *LRUCache) SetSynthetic(acct Account) {
	c.set(CachedAccount{Account: acct, Synthetic: true})
}

func (c *LRUCache) set(entry CachedAccount) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	acct := entry.Account
	if _, exists := c.entries[acct.UserID]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestClean()
	}

	acct.SubscriptionExpiry = copyTime(acct.SubscriptionExpiry)
	seq := c.sequence
	c.sequence++
	entry.Account = acct
	entry.CachedAt = now
	c.entries[acct.UserID] = &cacheEntry{
		CachedAccount: entry,
		accessTime:    now,
		sequence:      seq,
	}
}

func (c *LRUCache) evictOldestClean() {
	var oldestKey string
	var oldest *cacheEntry
	for key, entry := range c.entries {
		if entry.Dirty || entry.Synthetic {
			continue
		}
		if oldest == nil || entry.accessTime.Before(oldest.accessTime) ||
			(entry.accessTime.Equal(oldest.accessTime) && entry.sequence < oldest.sequence) {
			oldestKey = key
			oldest = entry
		}
	}
	if oldest != nil {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *LRUCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

func (c *LRUCache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *LRUCache) Dirty() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var keys []string
	for k, e := range c.entries {
		if e.Dirty {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry, c.maxEntries)
}

func (c *LRUCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dirty := 0
	for _, e := range c.entries {
		if e.Dirty {
			dirty++
		}
	}
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
		Dirty:     dirty,
	}
}
