// Package identity keeps the nickname to avatar mapping for one conversation
// session and propagates renames into it.
package identity

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"chatsync/models"
)

// Normalize returns the lookup key for a nickname.
func Normalize(nickName string) string {
	return strings.ToLower(strings.TrimSpace(nickName))
}

// Cache maps normalized nicknames to avatar images.
//
// Lookups fall through cache, alias, roster and a negative cache. Negative
// entries are dropped whenever the roster changes.
type Cache struct {
	mu       sync.Mutex
	images   map[string]string
	negative map[string]struct{}
	aliases  map[string]string
	renamed  map[string]int64
	roster   []models.Identity
	log      zerolog.Logger
}

// New returns an empty cache.
func New(log zerolog.Logger) *Cache {
	return &Cache{
		images:   make(map[string]string),
		negative: make(map[string]struct{}),
		aliases:  make(map[string]string),
		renamed:  make(map[string]int64),
		log:      log,
	}
}

// SetRoster replaces the roster.
func (c *Cache) SetRoster(roster []models.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.roster = append([]models.Identity(nil), roster...)
	c.negative = make(map[string]struct{})
}

// Roster returns a copy of the roster.
func (c *Cache) Roster() []models.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Identity(nil), c.roster...)
}

// Lookup returns the avatar for nickName. oldNickName, when set, is the
// sender's name before a recent rename; it bypasses the negative cache once and
// is tried as a secondary key.
func (c *Cache) Lookup(nickName, oldNickName string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.resolveAlias(Normalize(nickName))
	if key == "" {
		return "", false
	}
	if image, ok := c.images[key]; ok {
		return image, true
	}

	oldKey := ""
	if oldNickName != "" {
		oldKey = Normalize(oldNickName)
		if image, ok := c.images[oldKey]; ok {
			c.images[key] = image
			delete(c.negative, key)
			return image, true
		}
	}

	if _, negative := c.negative[key]; negative && oldKey == "" {
		return "", false
	}

	for _, entry := range c.roster {
		entryKey := Normalize(entry.NickName)
		if entryKey != key && (oldKey == "" || entryKey != oldKey) {
			continue
		}
		if entry.Image == "" {
			continue
		}
		c.images[key] = entry.Image
		delete(c.negative, key)
		return entry.Image, true
	}

	c.negative[key] = struct{}{}
	return "", false
}

// ApplyRename remaps the cache and roster for a rename. It reports false when
// the event is malformed or older than the last rename applied to the same name.
func (c *Cache) ApplyRename(event models.RenameEvent) bool {
	oldKey := Normalize(event.OldNickName)
	newKey := Normalize(event.NewUserName)
	if oldKey == "" || newKey == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.renamed[newKey]; ok && event.UpdatedAt != 0 && event.UpdatedAt < last {
		c.log.Debug().
			Str("old_nick", event.OldNickName).
			Str("new_nick", event.NewUserName).
			Int64("updated_at", event.UpdatedAt).
			Msg("ignoring stale rename")
		return false
	}
	c.renamed[newKey] = event.UpdatedAt

	image := event.Image
	if image == "" {
		if existing, ok := c.images[oldKey]; ok {
			image = existing
		}
	}
	if oldKey != newKey {
		delete(c.images, oldKey)
		c.aliases[oldKey] = newKey
		delete(c.aliases, newKey)
	}
	if image != "" {
		c.images[newKey] = image
	}

	updated := false
	for i := range c.roster {
		entryKey := Normalize(c.roster[i].NickName)
		if entryKey != oldKey && entryKey != newKey {
			continue
		}
		c.roster[i].NickName = event.NewUserName
		if event.Image != "" {
			c.roster[i].Image = event.Image
		}
		updated = true
		break
	}
	if !updated {
		c.roster = append(c.roster, models.Identity{NickName: event.NewUserName, Image: image})
	}
	c.negative = make(map[string]struct{})

	return true
}

func (c *Cache) resolveAlias(key string) string {
	seen := 0
	for {
		next, ok := c.aliases[key]
		if !ok || seen > len(c.aliases) {
			return key
		}
		key = next
		seen++
	}
}
