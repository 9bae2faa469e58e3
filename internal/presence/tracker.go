package presence

import (
	"sort"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
)

// Entry is one contact's online flag.
type Entry struct {
	UserID string `json:"userId"`
	Online bool   `json:"isOnline"`
}

// Tracker holds online/offline state per contact for the current session.
type Tracker struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.RWMutex
	online map[string]bool
}

// NewTracker creates an empty tracker.
func NewTracker(b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		bus:    b,
		logger: logger,
		online: make(map[string]bool),
	}
}

// ApplySnapshot replaces all state with the given entries.
func (t *Tracker) ApplySnapshot(entries []Entry) {
	next := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.UserID == "" {
			continue
		}
		next[e.UserID] = e.Online
	}

	t.mu.Lock()
	t.online = next
	t.mu.Unlock()

	t.logger.Debug("presence snapshot applied", zap.Int("entries", len(next)))
	t.bus.Emit(bus.KindPresenceSnapshot, t.Snapshot())
}

// Apply records a single update.
func (t *Tracker) Apply(e Entry) {
	if e.UserID == "" {
		return
	}

	t.mu.Lock()
	prev, known := t.online[e.UserID]
	t.online[e.UserID] = e.Online
	t.mu.Unlock()

	if known && prev == e.Online {
		return
	}
	t.bus.Emit(bus.KindPresenceChanged, bus.PresenceChange{UserID: e.UserID, Online: e.Online})
}

// IsOnline reports the last known state; unknown users are offline.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online[userID]
}

// Online returns the ids currently online, sorted.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.online))
	for id, on := range t.online {
		if on {
			ids = append(ids, id)
		}
	}
	t.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Snapshot returns every known entry, sorted by user id.
func (t *Tracker) Snapshot() []Entry {
	t.mu.RLock()
	entries := make([]Entry, 0, len(t.online))
	for id, on := range t.online {
		entries = append(entries, Entry{UserID: id, Online: on})
	}
	t.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries
}

// Reset forgets everything, e.g. on disconnect or logout.
func (t *Tracker) Reset() {
	t.mu.Lock()
	n := len(t.online)
	t.online = make(map[string]bool)
	t.mu.Unlock()

	if n > 0 {
		t.bus.Emit(bus.KindPresenceSnapshot, []Entry{})
	}
}
