// Package idgen issues short paste identifiers. A bloom filter over every id
// ever issued lets most candidates be accepted without a store round trip;
// the metadata store's primary key remains the final uniqueness check.
package idgen

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"psst/metrics"
	"psst/pkg/domain"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/pkg/errors"
)

const (
	Alphabet          = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	IDLength          = 10
	MaxAttempts       = 10
	ExpectedItems     = 10_000_000
	FalsePositiveRate = 0.01
)

// ErrNotReady is returned by Generate until Load has completed.
var ErrNotReady = errors.Wrap(domain.ErrServiceNotReady, "id membership set not loaded")

// IDSource streams every existing paste id to fn.
type IDSource interface {
	EachID(ctx context.Context, fn func(id string) error) error
}

type Generator struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	ready  atomic.Bool
	added  atomic.Uint64
	draw   func() (string, error)
}

func New() *Generator {
	return NewWithEstimates(ExpectedItems, FalsePositiveRate)
}

func NewWithEstimates(n uint, fp float64) *Generator {
	return &Generator{
		filter: bloom.NewWithEstimates(n, fp),
		draw:   randomID,
	}
}

// Load adds every id from src to the membership set and marks the generator
// ready. It must finish before create traffic is accepted.
func (g *Generator) Load(ctx context.Context, src IDSource) (int, error) {
	n := 0
	err := src.EachID(ctx, func(id string) error {
		g.Add(id)
		n++
		return nil
	})
	if err != nil {
		return n, errors.Wrap(err, "load existing ids")
	}
	g.ready.Store(true)
	return n, nil
}

// MarkReady lets an empty deployment skip the bulk load.
func (g *Generator) MarkReady() {
	g.ready.Store(true)
}

func (g *Generator) Ready() bool {
	return g.ready.Load()
}

func (g *Generator) Add(id string) {
	g.mu.Lock()
	g.filter.AddString(id)
	g.mu.Unlock()
	g.added.Add(1)
}

// MayContain reports whether id may have been issued. A false result is
// authoritative.
func (g *Generator) MayContain(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.filter.TestString(id)
}

func (g *Generator) Generate() (string, error) {
	if !g.ready.Load() {
		return "", ErrNotReady
	}
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		id, err := g.draw()
		if err != nil {
			return "", errors.Wrap(err, "draw id")
		}
		g.mu.Lock()
		seen := g.filter.TestOrAddString(id)
		g.mu.Unlock()
		if !seen {
			g.added.Add(1)
			return id, nil
		}
		metrics.IDCollisions.Inc()
	}
	metrics.IDExhausted.Inc()
	return "", errors.Wrapf(domain.ErrIDGenerationFailed, "no free id after %d attempts", MaxAttempts)
}

type Stats struct {
	Added            uint64
	Ready            bool
	EstimatedFPRate  float64
	ApproximateCount uint32
}

func (g *Generator) Stats() Stats {
	g.mu.Lock()
	approx := g.filter.ApproximatedSize()
	g.mu.Unlock()
	added := g.added.Load()
	return Stats{
		Added:            added,
		Ready:            g.ready.Load(),
		EstimatedFPRate:  falsePositiveRate(g.filter.Cap(), g.filter.K(), added),
		ApproximateCount: approx,
	}
}

// falsePositiveRate is the textbook (1 - e^(-kn/m))^k estimate.
func falsePositiveRate(m, k uint, n uint64) float64 {
	if m == 0 {
		return 1
	}
	return math.Pow(1-math.Exp(-float64(k)*float64(n)/float64(m)), float64(k))
}

func randomID() (string, error) {
	result := make([]byte, IDLength)
	n := big.NewInt(int64(len(Alphabet)))
	for i := range result {
		k, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", err
		}
		result[i] = Alphabet[k.Int64()]
	}
	return string(result), nil
}
