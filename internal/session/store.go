package session

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Store retains execution sessions under a bounded LRU policy. It replaces
// what would otherwise be ambient global history state: it is constructed
// explicitly and injected into the Manager.
type Store struct {
	cache *lru.Cache[string, *record]
}

// NewStore creates a store retaining at most capacity sessions. onEvict, if
// non-nil, runs for each session pushed out under pressure.
func NewStore(capacity int, onEvict func(id string, rec *record)) (*Store, error) {
	cache, err := lru.NewWithEvict[string, *record](capacity, onEvict)
	if err != nil {
		return nil, err
	}
	return &Store{cache: cache}, nil
}

func (s *Store) add(id string, rec *record) {
	s.cache.Add(id, rec)
}

// get looks a session up without promoting it; history ordering is by
// creation time, not access recency.
func (s *Store) get(id string) (*record, bool) {
	return s.cache.Peek(id)
}

// remove forgets a session that was never admitted; the eviction callback
// releases its stream.
func (s *Store) remove(id string) {
	s.cache.Remove(id)
}

func (s *Store) all() []*record {
	return s.cache.Values()
}

func (s *Store) len() int {
	return s.cache.Len()
}
