// Package cache is the read-side snapshot cache: an in-process LRU in front of
// an optional shared remote tier.
package cache

import (
	"context"
	"psst/metrics"
	"psst/pkg/domain"
	"psst/svc/util"
)

// Remote is the shared tier, implemented by db.Redis. Get returns nil, nil
// on a miss.
type Remote interface {
	GetSnapshot(ctx context.Context, id string) (*domain.Snapshot, error)
	PutSnapshot(ctx context.Context, s *domain.Snapshot) error
}

type Tiered struct {
	local  *LRU
	remote Remote
}

// NewTiered builds the cache. remote may be nil for a single-process
// deployment.
func NewTiered(local *LRU, remote Remote) *Tiered {
	if local == nil {
		panic("cache: nil LRU")
	}
	return &Tiered{local: local, remote: remote}
}

// Get never fails; remote errors are logged and count as a miss. A remote
// hit back-fills the local tier.
func (t *Tiered) Get(ctx context.Context, id string) (*domain.Snapshot, bool) {
	if s, ok := t.local.Get(id); ok {
		metrics.CacheHits.WithLabelValues("lru").Inc()
		return s, true
	}
	if t.remote != nil {
		s, err := t.remote.GetSnapshot(ctx, id)
		if err != nil {
			metrics.CacheErrors.Inc()
			util.Ctx(ctx).Warn().Err(err).Str("id", id).Msg("remote cache get failed")
		} else if s != nil {
			metrics.CacheHits.WithLabelValues("redis").Inc()
			t.local.Put(s)
			return s, true
		}
	}
	metrics.CacheMisses.Inc()
	return nil, false
}

// Put writes through both tiers. A remote failure is logged and ignored.
func (t *Tiered) Put(ctx context.Context, s *domain.Snapshot) {
	t.local.Put(s)
	if t.remote == nil {
		return
	}
	if err := t.remote.PutSnapshot(ctx, s); err != nil {
		metrics.CacheErrors.Inc()
		util.Ctx(ctx).Warn().Err(err).Str("id", s.ID).Msg("remote cache put failed")
	}
}
