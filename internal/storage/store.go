package storage

import (
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store.
var ErrKeyNotFound = errors.New("key not found")

// Store is the node-local key/value persistence used for meta state and
// shard copy records. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored under key or ErrKeyNotFound.
	Get(key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// List returns the keys starting with prefix in ascending order.
	List(prefix string) ([]string, error)

	// Stats returns storage statistics.
	Stats() StoreStats

	// Close releases the underlying resources.
	Close() error
}

// StoreStats contains statistics about the store.
type StoreStats struct {
	Keys  int `json:"keys"`
	Bytes int `json:"bytes"`
}

// MemoryStore keeps everything in a map. It backs tests and nodes started
// without a data directory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get returns a copy of the stored value.
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return slices.Clone(value), nil
}

// Put stores a copy of value.
func (m *MemoryStore) Put(key string, value []byte) error {
	if key == "" {
		return errors.New("storage: empty key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *MemoryStore) List(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, value := range m.data {
		total += len(value)
	}
	return StoreStats{Keys: len(m.data), Bytes: total}
}

func (m *MemoryStore) Close() error { return nil }
