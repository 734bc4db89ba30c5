package coordinator

import (
	"sort"
	"strings"
	"sync"
)

// Lock keys are ranked endpoint < user < machine < card and ordered by
// id within a rank. Every caller acquires in that order, so two operations
// touching the same entities can never wait on each other in a cycle.
const (
	endpointKeyPrefix = "e:"
	userKeyPrefix     = "u:"
	machineKeyPrefix  = "m:"
	cardKeyPrefix     = "c:"
)

func endpointKey(id string) string { return endpointKeyPrefix + id }
func userKey(id string) string     { return userKeyPrefix + id }
func machineKey(id string) string  { return machineKeyPrefix + id }
func cardKey(uid string) string    { return cardKeyPrefix + uid }

func keyRank(key string) int {
	switch {
	case strings.HasPrefix(key, endpointKeyPrefix):
		return 0
	case strings.HasPrefix(key, userKeyPrefix):
		return 1
	case strings.HasPrefix(key, machineKeyPrefix):
		return 2
	default:
		return 3
	}
}

func keyLess(a, b string) bool {
	if ra, rb := keyRank(a), keyRank(b); ra != rb {
		return ra < rb
	}
	return a < b
}

// lockTable hands out one mutex per entity key. Entries are reference
// counted and dropped once no goroutine holds or waits for them.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

func (t *lockTable) lock(key string) {
	t.mu.Lock()
	entry, ok := t.entries[key]
	if !ok {
		entry = &lockEntry{}
		t.entries[key] = entry
	}
	entry.refs++
	t.mu.Unlock()

	entry.mu.Lock()
}

func (t *lockTable) unlock(key string) {
	t.mu.Lock()
	entry := t.entries[key]
	entry.refs--
	if entry.refs == 0 {
		delete(t.entries, key)
	}
	t.mu.Unlock()

	entry.mu.Unlock()
}

// size is the number of live entries, for tests.
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// heldLocks is the set of keys one operation holds.
type heldLocks struct {
	table *lockTable
	keys  []string
}

// acquire locks keys in rank order.
func (t *lockTable) acquire(keys ...string) *heldLocks {
	h := &heldLocks{table: t}
	h.also(keys...)
	return h
}

// also extends the held set. Every new key must rank after the keys
// already held; a key already held is skipped.
func (h *heldLocks) also(keys ...string) {
	sorted := make([]string, 0, len(keys))
	for _, key := range keys {
		if !h.holds(key) && !contains(sorted, key) {
			sorted = append(sorted, key)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return keyLess(sorted[i], sorted[j]) })

	if len(h.keys) > 0 && len(sorted) > 0 && keyLess(sorted[0], h.keys[len(h.keys)-1]) {
		panic("coordinator: lock " + sorted[0] + " acquired out of order after " + h.keys[len(h.keys)-1])
	}
	for _, key := range sorted {
		h.table.lock(key)
		h.keys = append(h.keys, key)
	}
}

// releaseFrom unlocks every key acquired after the first n.
func (h *heldLocks) releaseFrom(n int) {
	for i := len(h.keys) - 1; i >= n; i-- {
		h.table.unlock(h.keys[i])
	}
	h.keys = h.keys[:n]
}

func (h *heldLocks) holds(key string) bool {
	return contains(h.keys, key)
}

// release unlocks in reverse acquisition order.
func (h *heldLocks) release() {
	for i := len(h.keys) - 1; i >= 0; i-- {
		h.table.unlock(h.keys[i])
	}
	h.keys = nil
}

func contains(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
