package ledger

import (
	"sort"
	"sync"
)

// Locks hands out per-key mutexes for sessions and markets. Entries are
// reference counted and dropped once nobody holds or waits on them.
//
// Acquire always takes session keys before market keys, each group in
// sorted order, so two operations can never wait on each other in a cycle.
type Locks struct {
	mu   sync.Mutex
	keys map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocks creates an empty lock manager.
func NewLocks() *Locks {
	return &Locks{keys: make(map[string]*keyLock)}
}

// Acquire locks the given sessions and markets and returns the release func.
func (l *Locks) Acquire(sessionIDs, marketIDs []string) (release func()) {
	keys := append(orderedKeys("session:", sessionIDs), orderedKeys("market:", marketIDs)...)

	held := make([]*keyLock, 0, len(keys))
	for _, k := range keys {
		kl := l.ref(k)
		kl.mu.Lock()
		held = append(held, kl)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.unref(keys[i], held[i])
		}
	}
}

// Session locks a single session.
func (l *Locks) Session(id string) func() {
	return l.Acquire([]string{id}, nil)
}

// Market locks a single market.
func (l *Locks) Market(id string) func() {
	return l.Acquire(nil, []string{id})
}

func (l *Locks) ref(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.keys[key]
	if !ok {
		kl = &keyLock{}
		l.keys[key] = kl
	}
	kl.refs++
	return kl
}

func (l *Locks) unref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.keys, key)
	}
}

// orderedKeys prefixes, dedups and sorts ids.
func orderedKeys(prefix string, ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, prefix+id)
	}
	sort.Strings(out)
	return out
}

// size reports how many keys are tracked. Used by tests.
func (l *Locks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
