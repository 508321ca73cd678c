// Package transcript holds the ordered local message list of one conversation
// and reconciles it against pushed snapshots and loaded history pages.
package transcript

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"chatsync/identity"
	"chatsync/models"
)

type origin int

const (
	originStream origin = iota
	originHistory
)

type entry struct {
	message     models.Message
	version     uint64
	oldSender   string
	senderImage string
	origin      origin
}

func (e *entry) item() models.Item {
	return models.Item{
		Message: e.message,
		Decoration: models.Decoration{
			Version:     e.version,
			OldSender:   e.oldSender,
			SenderImage: e.senderImage,
		},
	}
}

// Result lists the message IDs affected by one reconcile.
type Result struct {
	Added   []string
	Updated []string
	// ContentChanged lists IDs whose raw content differs; their decoration is void.
	ContentChanged []string
	Removed        []string
}

// Changed reports whether the reconcile touched anything.
func (r Result) Changed() bool {
	return len(r.Added)+len(r.Updated)+len(r.ContentChanged)+len(r.Removed) > 0
}

// PageResult describes one merged history page.
type PageResult struct {
	// Fresh counts page items not already held locally, before visibility filtering.
	Fresh int
	// Merged lists the IDs actually added.
	Merged []string
}

// Store is the local transcript, kept sorted by send time.
type Store struct {
	mu          sync.RWMutex
	currentUser string
	entries     []*entry
	byID        map[string]*entry
	clock       uint64
	log         zerolog.Logger
}

// New returns an empty transcript for currentUser.
func New(currentUser string, log zerolog.Logger) *Store {
	return &Store{
		currentUser: identity.Normalize(currentUser),
		byID:        make(map[string]*entry),
		log:         log,
	}
}

// Reconcile merges a snapshot of the currently relevant window.
//
// An empty snapshot is a no-op. Deleted messages from other senders are
// dropped, including local copies loaded from history. Stream items missing
// from the snapshot are removed unless they are the current user's own
// deleted messages, which stay as tombstones, or are listed in keep. Items
// loaded from history are left alone until a snapshot includes them.
//
// keep names snapshot elements that could not be decoded; their local copies
// are left untouched.
func (s *Store) Reconcile(snapshot []models.Message, keep ...string) Result {
	if len(snapshot) == 0 {
		return Result{}
	}

	incoming := make(map[string]models.Message, len(snapshot))
	order := make([]string, 0, len(snapshot))
	dropped := make(map[string]struct{})
	for _, message := range snapshot {
		if message.ID == "" {
			s.log.Warn().Str("sender", message.Sender).Int64("send_time", message.SendTime).Msg("skipping snapshot message without id")
			continue
		}
		if !s.visible(message) {
			dropped[message.ID] = struct{}{}
			continue
		}
		if _, dup := incoming[message.ID]; !dup {
			order = append(order, message.ID)
		}
		incoming[message.ID] = message
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	skipped := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		skipped[id] = struct{}{}
	}

	var result Result
	for _, e := range s.entries {
		e.oldSender = ""
	}

	kept := make([]*entry, 0, len(s.entries)+len(incoming))
	for _, e := range s.entries {
		id := e.message.ID
		message, ok := incoming[id]
		if !ok {
			_, gone := dropped[id]
			_, held := skipped[id]
			if !gone && (held || e.origin == originHistory || s.isTombstone(e.message)) {
				kept = append(kept, e)
				continue
			}
			delete(s.byID, id)
			result.Removed = append(result.Removed, id)
			continue
		}

		delete(incoming, id)
		e.origin = originStream
		if !e.message.SameWire(message) {
			if e.message.Content != message.Content {
				result.ContentChanged = append(result.ContentChanged, id)
				e.senderImage = ""
			} else {
				result.Updated = append(result.Updated, id)
			}
			e.message = message
			e.version = s.nextVersion()
		}
		kept = append(kept, e)
	}

	for _, id := range order {
		message, ok := incoming[id]
		if !ok {
			continue
		}
		e := &entry{message: message, version: s.nextVersion(), origin: originStream}
		s.byID[id] = e
		kept = append(kept, e)
		result.Added = append(result.Added, id)
	}

	s.entries = kept
	s.sortLocked()
	return result
}

// MergePage adds history items not already held locally.
func (s *Store) MergePage(page []models.Message) PageResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result PageResult
	seen := make(map[string]struct{}, len(page))
	for _, message := range page {
		if message.ID == "" {
			continue
		}
		if _, ok := s.byID[message.ID]; ok {
			continue
		}
		if _, ok := seen[message.ID]; ok {
			continue
		}
		seen[message.ID] = struct{}{}
		result.Fresh++

		if !s.visible(message) {
			continue
		}
		e := &entry{message: message, version: s.nextVersion(), origin: originHistory}
		s.byID[message.ID] = e
		s.entries = append(s.entries, e)
		result.Merged = append(result.Merged, message.ID)
	}

	if len(result.Merged) > 0 {
		s.sortLocked()
	}
	return result
}

// ApplyRename moves every message sent as oldNick to newNick, remembering the
// old name until the next reconcile. image replaces the sender image only when set.
func (s *Store) ApplyRename(oldNick, newNick, image string) []string {
	oldKey := identity.Normalize(oldNick)
	if oldKey == "" || newNick == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var touched []string
	for _, e := range s.entries {
		if identity.Normalize(e.message.Sender) != oldKey {
			continue
		}
		e.message.Sender = newNick
		e.oldSender = oldNick
		if image != "" {
			e.senderImage = image
		}
		e.version = s.nextVersion()
		touched = append(touched, e.message.ID)
	}
	return touched
}

// Touch bumps the version of the given messages so memoized renders are discarded.
func (s *Store) Touch(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if e, ok := s.byID[id]; ok {
			e.version = s.nextVersion()
		}
	}
}

// Get returns one item.
func (s *Store) Get(id string) (models.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[id]
	if !ok {
		return models.Item{}, false
	}
	return e.item(), true
}

// Has reports whether id is held locally.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

// Items returns a copy of the transcript in send-time order.
func (s *Store) Items() []models.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]models.Item, 0, len(s.entries))
	for _, e := range s.entries {
		items = append(items, e.item())
	}
	return items
}

// Len returns the number of held messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Oldest returns the earliest held message.
func (s *Store) Oldest() (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return models.Message{}, false
	}
	return s.entries[0].message, true
}

func (s *Store) visible(message models.Message) bool {
	return !message.IsDeleted || s.isSelf(message.Sender)
}

func (s *Store) isTombstone(message models.Message) bool {
	return message.IsDeleted && s.isSelf(message.Sender)
}

func (s *Store) isSelf(sender string) bool {
	return s.currentUser != "" && identity.Normalize(sender) == s.currentUser
}

func (s *Store) sortLocked() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].message.SendTime < s.entries[j].message.SendTime
	})
}

func (s *Store) nextVersion() uint64 {
	s.clock++
	return s.clock
}
