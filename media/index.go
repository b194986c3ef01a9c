package media

import (
	"sort"
	"sync"
	"time"
)

// Entry is one payload this node can serve again.
type Entry struct {
	ID           string
	Path         string
	Type         string
	Name         string
	Size         int64
	FromUserID   int64
	FromUsername string
	// Received entries own their file; staged ones point at the
	// sender's original.
	Received  bool
	CreatedAt time.Time
}

type index struct {
	mu         sync.RWMutex
	entries    map[string]*Entry
	retention  time.Duration
	maxEntries int
}

func newIndex(retention time.Duration, maxEntries int) *index {
	return &index{
		entries:    make(map[string]*Entry),
		retention:  retention,
		maxEntries: maxEntries,
	}
}

func (ix *index) put(e *Entry) {
	ix.mu.Lock()
	ix.entries[e.ID] = e
	ix.mu.Unlock()
}

func (ix *index) get(id string) (*Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[id]
	if !ok {
		return nil, false
	}
	c := *e
	return &c, true
}

func (ix *index) len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// prune drops entries older than the retention window, then the oldest
// ones beyond maxEntries, and returns what it dropped.
func (ix *index) prune(now time.Time) []*Entry {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var evicted []*Entry
	if ix.retention > 0 {
		cutoff := now.Add(-ix.retention)
		for id, e := range ix.entries {
			if e.CreatedAt.Before(cutoff) {
				evicted = append(evicted, e)
				delete(ix.entries, id)
			}
		}
	}
	if ix.maxEntries > 0 && len(ix.entries) > ix.maxEntries {
		all := make([]*Entry, 0, len(ix.entries))
		for _, e := range ix.entries {
			all = append(all, e)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
		for _, e := range all[:len(all)-ix.maxEntries] {
			evicted = append(evicted, e)
			delete(ix.entries, e.ID)
		}
	}
	return evicted
}
