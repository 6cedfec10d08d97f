package modelrouter

import "sync"

type keyState struct {
	value     string
	available bool
}

// keyRing tracks rotation state for one provider's credential pool.
type keyRing struct {
	mu     sync.Mutex
	keys   []*keyState
	cursor int
}

func newKeyRing(keys []string) *keyRing {
	states := make([]*keyState, len(keys))
	for i, k := range keys {
		states[i] = &keyState{value: k, available: true}
	}
	return &keyRing{keys: states}
}

// current returns the active key and whether any key is available.
func (r *keyRing) current() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentLocked()
}

func (r *keyRing) currentLocked() (string, bool) {
	for i := 0; i < len(r.keys); i++ {
		idx := (r.cursor + i) % len(r.keys)
		if r.keys[idx].available {
			r.cursor = idx
			return r.keys[idx].value, true
		}
	}
	return "", false
}

// rotate marks the current key unavailable and advances the cursor.
// Returns false if no key remains available (candidate is exhausted).
func (r *keyRing) rotate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) == 0 {
		return false
	}
	r.keys[r.cursor].available = false
	r.cursor = (r.cursor + 1) % len(r.keys)
	_, ok := r.currentLocked()
	return ok
}

// reset marks every key available again and rewinds the cursor; the router
// calls it when it finds a candidate with no available key.
func (r *keyRing) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.keys {
		k.available = true
	}
	r.cursor = 0
}
