package content

import (
	"sync"
	"time"

	"chatsync/models"
)

// Entry is a memoized parse of one message version.
type Entry struct {
	Text      string
	Files     []models.FileAttachment
	Timestamp time.Time
	Version   uint64
}

// Cache memoizes parsed message bodies keyed by message ID and version.
//
// It is a read-path optimization only and never holds decryption state.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Get returns the entry for id if it was stored for the same version.
func (c *Cache) Get(id string, version uint64) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[id]
	if !ok || entry.Version != version {
		return Entry{}, false
	}
	return entry, true
}

// Put stores a parse result for one message version.
func (c *Cache) Put(id string, version uint64, text string, files []models.FileAttachment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[id] = Entry{
		Text:      text,
		Files:     files,
		Timestamp: c.now(),
		Version:   version,
	}
}

// Invalidate drops the entries for the given message IDs.
func (c *Cache) Invalidate(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		delete(c.entries, id)
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]Entry)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
