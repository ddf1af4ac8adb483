package cache

import (
	"errors"
	"psst/pkg/domain"

	lru "github.com/hashicorp/golang-lru/v2"
)

const maxLRUSize = 100000

// LRU is the in-process snapshot tier. Entries leave only by capacity
// eviction.
type LRU struct {
	c *lru.Cache[string, *domain.Snapshot]
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > maxLRUSize {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, *domain.Snapshot](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}

func (l *LRU) Get(id string) (*domain.Snapshot, bool) {
	return l.c.Get(id)
}

func (l *LRU) Put(s *domain.Snapshot) {
	l.c.Add(s.ID, s)
}

func (l *LRU) Len() int {
	return l.c.Len()
}
