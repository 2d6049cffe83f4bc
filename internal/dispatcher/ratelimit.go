package dispatcher

import (
	"sync"
	"time"
)

const (
	rateWindow     = time.Minute
	maxTrackedKeys = 4096
)

// window is a fixed one-minute counter for one (tenant, tool) key.
type window struct {
	startedAt time.Time
	count     int
}

// admit counts the call if the current window still has room.
func (w *window) admit(limit int, now time.Time) bool {
	if w.startedAt.IsZero() || now.Sub(w.startedAt) >= rateWindow {
		w.startedAt = now
		w.count = 0
	}
	if limit <= 0 || w.count >= limit {
		return false
	}
	w.count++
	return true
}

func (w *window) stale(now time.Time) bool {
	return w.startedAt.IsZero() || now.Sub(w.startedAt) >= rateWindow
}

// keyState holds everything the dispatcher tracks for one (tenant, tool).
// mu guards state transitions only; it is never held while a handler runs.
type keyState struct {
	mu      sync.Mutex
	breaker breaker
	window  window
	// users counts invocations holding this state; pruning skips it while
	// any are in flight.
	users int
}

// StateTable owns the breaker and limiter state of every (tenant, tool) key.
// It is safe for concurrent use and may be shared between dispatchers.
type StateTable struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

func NewStateTable() *StateTable {
	return &StateTable{keys: make(map[string]*keyState)}
}

func stateKey(tenantID, tool string) string {
	return tenantID + "\x00" + tool
}

// get returns the state for a key, creating it on first use. When the table
// grows past maxTrackedKeys, idle entries are pruned first.
func (t *StateTable) get(tenantID, tool string, now time.Time) *keyState {
	key := stateKey(tenantID, tool)
	t.mu.Lock()
	defer t.mu.Unlock()
	if ks, ok := t.keys[key]; ok {
		return ks
	}
	if len(t.keys) >= maxTrackedKeys {
		t.pruneLocked(now)
	}
	ks := &keyState{}
	t.keys[key] = ks
	return ks
}

// acquire returns the live state for a key, locked and with a user
// reference taken. The entry is re-checked after locking because a prune
// may have removed it in between.
func (t *StateTable) acquire(tenantID, tool string, now time.Time) *keyState {
	key := stateKey(tenantID, tool)
	for {
		ks := t.get(tenantID, tool, now)
		ks.mu.Lock()
		t.mu.Lock()
		live := t.keys[key] == ks
		t.mu.Unlock()
		if live {
			ks.users++
			return ks
		}
		ks.mu.Unlock()
	}
}

func (t *StateTable) lookup(tenantID, tool string) (*keyState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ks, ok := t.keys[stateKey(tenantID, tool)]
	return ks, ok
}

func (t *StateTable) pruneLocked(now time.Time) {
	for key, ks := range t.keys {
		if !ks.mu.TryLock() {
			continue
		}
		idle := ks.users == 0 && ks.breaker.idle() && ks.window.stale(now)
		ks.mu.Unlock()
		if idle {
			delete(t.keys, key)
		}
	}
}

// dropTool forgets every tenant's state for a tool.
func (t *StateTable) dropTool(tool string) {
	suffix := "\x00" + tool
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.keys {
		if len(key) >= len(suffix) && key[len(key)-len(suffix):] == suffix {
			delete(t.keys, key)
		}
	}
}

// Len returns the number of tracked keys.
func (t *StateTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.keys)
}
