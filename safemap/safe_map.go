// Package safemap provides a type-safe, concurrent map built on sync.Map.
package safemap

import "sync"

// SafeMap is a concurrent map that is safe for use by multiple goroutines.
// It wraps sync.Map and exposes a generic, type-safe API, including the
// atomic check-and-set operations needed to arbitrate between goroutines
// racing on the same key.
//
// SafeMap must not be copied after first use. Len and Range are O(n) in the
// number of entries.
type SafeMap[K comparable, V comparable] struct {
	m sync.Map
}

// NewSafeMap returns a new, empty SafeMap ready for use.
//
// Returns:
//   - A pointer to a new SafeMap[K, V]
func NewSafeMap[K comparable, V comparable]() *SafeMap[K, V] {
	return &SafeMap[K, V]{}
}

// Load returns the value for key k and whether it was present. A missing key
// yields the zero value of V.
//
// Parameters:
//   - k: The key to look up
//
// Returns:
//   - The value associated with k, or the zero value of V if not found
//   - true if the key was present, false otherwise
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	v, found := m.m.Load(k)
	if !found {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// LoadOrStore stores v under k unless k is already present. Among concurrent
// callers for the same key exactly one stores its value.
//
// Parameters:
//   - k: The key
//   - v: The value to store if k is absent
//
// Returns:
//   - The existing value if k was present, otherwise v
//   - true if the value was loaded, false if v was stored
func (m *SafeMap[K, V]) LoadOrStore(k K, v V) (V, bool) {
	actual, loaded := m.m.LoadOrStore(k, v)
	return actual.(V), loaded
}

// CompareAndDelete deletes the entry for k only if its value is old.
//
// Parameters:
//   - k: The key
//   - old: The value the entry must still hold
//
// Returns:
//   - true if the entry was deleted
func (m *SafeMap[K, V]) CompareAndDelete(k K, old V) bool {
	return m.m.CompareAndDelete(k, old)
}

// Range calls f for each entry until f returns false. Entries stored or
// deleted during the iteration may or may not be visited.
//
// Parameters:
//   - f: Function called for each entry; return false to stop iteration
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Len returns the number of entries. It walks the whole map.
func (m *SafeMap[K, V]) Len() int {
	length := 0
	m.Range(func(K, V) bool {
		length++
		return true
	})

	return length
}
