package relay

import (
	"errors"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
)

// ErrNotFound is returned by storage lookups for unknown keys.
var ErrNotFound = errors.New("node not found")

// Storage is the node metadata store contract. Any backend that
// provides an atomic global version increment and a complete ordered
// changed-since scan is interchangeable. The core never retries
// storage operations; retry policy belongs to the backend.
type Storage interface {
	// GetNode returns the metadata for a key, ErrNotFound if absent.
	GetNode(key string) (NodeMeta, error)
	// SetNode stores metadata verbatim.
	SetNode(meta NodeMeta) error
	// IncrementVersion assigns a new global-max+1 version to the key
	// atomically. Concurrent increments for different keys must never
	// collide.
	IncrementVersion(key string, hash string) (NodeMeta, error)
	// ListChangedSince returns every node with version > since,
	// ordered by version ascending.
	ListChangedSince(since int64) ([]NodeMeta, error)
	// GetNodes returns metadata for the given keys, omitting absent ones.
	GetNodes(keys []string) (map[string]NodeMeta, error)
	// MaxVersion returns the highest version ever assigned.
	MaxVersion() (int64, error)
	// DeleteNode removes a key. Deleting an absent key is not an error.
	DeleteNode(key string) error
	// IsHealthy reports whether the backend can serve requests.
	IsHealthy() bool
}

// MemoryStorage is the in-process reference backend: a mutex guarded
// map with a single version counter shared across all keys.
type MemoryStorage struct {
	mu      sync.RWMutex
	nodes   map[string]NodeMeta
	version int64
	clock   clockwork.Clock
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		nodes: make(map[string]NodeMeta),
		clock: clockwork.NewRealClock(),
	}
}

// NewMemoryStorageWithClock creates a store that stamps updatedAt
// using the given clock.
func NewMemoryStorageWithClock(clock clockwork.Clock) *MemoryStorage {
	s := NewMemoryStorage()
	s.clock = clock
	return s
}

func (s *MemoryStorage) GetNode(key string) (NodeMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.nodes[key]
	if !ok {
		return NodeMeta{}, ErrNotFound
	}
	return meta, nil
}

func (s *MemoryStorage) SetNode(meta NodeMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta.UpdatedAt == 0 {
		meta.UpdatedAt = s.clock.Now().UnixMilli()
	}
	s.nodes[meta.Key] = meta
	if meta.Version > s.version {
		s.version = meta.Version
	}
	return nil
}

func (s *MemoryStorage) IncrementVersion(key string, hash string) (NodeMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	meta := NodeMeta{
		Key:       key,
		Version:   s.version,
		Hash:      hash,
		UpdatedAt: s.clock.Now().UnixMilli(),
	}
	s.nodes[key] = meta
	return meta, nil
}

func (s *MemoryStorage) ListChangedSince(since int64) ([]NodeMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []NodeMeta
	for _, meta := range s.nodes {
		if meta.Version > since {
			result = append(result, meta)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})
	return result, nil
}

func (s *MemoryStorage) GetNodes(keys []string) (map[string]NodeMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]NodeMeta, len(keys))
	for _, key := range keys {
		if meta, ok := s.nodes[key]; ok {
			result[key] = meta
		}
	}
	return result, nil
}

func (s *MemoryStorage) MaxVersion() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, nil
}

func (s *MemoryStorage) DeleteNode(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, key)
	return nil
}

func (s *MemoryStorage) IsHealthy() bool {
	return true
}
