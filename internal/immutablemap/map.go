// Package immutablemap provides a copy-on-write map used by routing state
// that is read far more often than it is written: the router's binding
// table and the node registry both hold a value of Map[K,V] behind an
// atomic.Pointer so readers never take a lock.
package immutablemap

// Map is an immutable snapshot of key/value pairs. Zero value is an empty map.
type Map[K comparable, V any] struct {
	m map[K]V
}

// Empty returns the empty Map.
func Empty[K comparable, V any]() Map[K, V] {
	return Map[K, V]{}
}

// Get returns the value for key and whether it was present.
func (m Map[K, V]) Get(key K) (V, bool) {
	v, ok := m.m[key]
	return v, ok
}

// Len reports the number of entries.
func (m Map[K, V]) Len() int {
	return len(m.m)
}

// Set returns a new Map with key bound to value, leaving the receiver untouched.
func (m Map[K, V]) Set(key K, value V) Map[K, V] {
	next := make(map[K]V, len(m.m)+1)
	for k, v := range m.m {
		next[k] = v
	}
	next[key] = value
	return Map[K, V]{m: next}
}

// Delete returns a new Map with key removed, leaving the receiver untouched.
// Returns the receiver unchanged if key was absent.
func (m Map[K, V]) Delete(key K) Map[K, V] {
	if _, ok := m.m[key]; !ok {
		return m
	}
	next := make(map[K]V, len(m.m))
	for k, v := range m.m {
		if k != key {
			next[k] = v
		}
	}
	return Map[K, V]{m: next}
}

// Filter returns a new Map containing only entries for which keep returns true.
func (m Map[K, V]) Filter(keep func(K, V) bool) Map[K, V] {
	next := make(map[K]V, len(m.m))
	for k, v := range m.m {
		if keep(k, v) {
			next[k] = v
		}
	}
	return Map[K, V]{m: next}
}

// Range calls fn for every entry. fn must not mutate the Map (it can't; Map
// is immutable) but may safely be called concurrently with Set/Delete on
// other snapshots.
func (m Map[K, V]) Range(fn func(K, V) bool) {
	for k, v := range m.m {
		if !fn(k, v) {
			return
		}
	}
}

// Keys returns a snapshot slice of all keys.
func (m Map[K, V]) Keys() []K {
	keys := make([]K, 0, len(m.m))
	for k := range m.m {
		keys = append(keys, k)
	}
	return keys
}
