package core

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of collection handles a cached store keeps
const DefaultCacheSize = 256

type cachedStore struct {
	Store
	cache *lru.TwoQueueCache[string, Collection]
}

// CacheCollections wraps s so that repeated lookups of the same collection
// reuse the handle. A size below 1 uses DefaultCacheSize.
func CacheCollections(s Store, size int) (Store, error) {
	if size < 1 {
		size = DefaultCacheSize
	}
	c, err := lru.New2Q[string, Collection](size)
	if err != nil {
		return nil, err
	}
	return &cachedStore{Store: s, cache: c}, nil
}

// Collection returns the cached handle or fetches a new one
func (s *cachedStore) Collection(name string) Collection {
	if c, ok := s.cache.Get(name); ok {
		return c
	}
	c := s.Store.Collection(name)
	s.cache.Add(name, c)
	return c
}
