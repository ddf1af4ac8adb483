package idgen

import (
	"context"
	"psst/pkg/domain"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
)

type sliceSource []string

func (s sliceSource) EachID(ctx context.Context, fn func(string) error) error {
	for _, id := range s {
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

type failingSource struct{}

func (failingSource) EachID(ctx context.Context, fn func(string) error) error {
	_ = fn("first")
	return errors.New("scan interrupted")
}

func newReady(t *testing.T) *Generator {
	t.Helper()
	g := NewWithEstimates(10000, 0.01)
	g.MarkReady()
	return g
}

func TestGenerateFormat(t *testing.T) {
	g := newReady(t)
	for i := 0; i < 200; i++ {
		id, err := g.Generate()
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if len(id) != IDLength {
			t.Fatalf("id %q has length %d, want %d", id, len(id), IDLength)
		}
		for _, r := range id {
			if !strings.ContainsRune(Alphabet, r) {
				t.Fatalf("id %q contains %q outside alphabet", id, r)
			}
		}
		if !g.MayContain(id) {
			t.Fatalf("issued id %q not in membership set", id)
		}
	}
}

func TestGenerateBeforeLoad(t *testing.T) {
	g := NewWithEstimates(100, 0.01)
	_, err := g.Generate()
	if !errors.Is(err, domain.ErrServiceNotReady) {
		t.Fatalf("err = %v, want ErrServiceNotReady", err)
	}
}

func TestLoadMarksExistingIDs(t *testing.T) {
	g := NewWithEstimates(1000, 0.01)
	n, err := g.Load(context.Background(), sliceSource{"aaaaaaaaaa", "bbbbbbbbbb"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if n != 2 {
		t.Errorf("loaded %d ids, want 2", n)
	}
	if !g.Ready() {
		t.Error("generator not ready after Load")
	}
	if !g.MayContain("aaaaaaaaaa") || !g.MayContain("bbbbbbbbbb") {
		t.Error("loaded ids missing from membership set")
	}
}

func TestLoadFailureLeavesGeneratorNotReady(t *testing.T) {
	g := NewWithEstimates(1000, 0.01)
	if _, err := g.Load(context.Background(), failingSource{}); err == nil {
		t.Fatal("expected Load error")
	}
	if g.Ready() {
		t.Error("generator ready after failed Load")
	}
}

func TestGenerateRetriesOnCollision(t *testing.T) {
	g := newReady(t)
	g.Add("taken00000")
	draws := []string{"taken00000", "taken00000", "fresh00000"}
	calls := 0
	g.draw = func() (string, error) {
		id := draws[calls]
		calls++
		return id, nil
	}
	id, err := g.Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if id != "fresh00000" {
		t.Errorf("id = %s, want fresh00000", id)
	}
	if calls != 3 {
		t.Errorf("draws = %d, want 3", calls)
	}
}

func TestGenerateExhaustion(t *testing.T) {
	g := newReady(t)
	g.Add("taken00000")
	calls := 0
	g.draw = func() (string, error) {
		calls++
		return "taken00000", nil
	}
	_, err := g.Generate()
	if !errors.Is(err, domain.ErrIDGenerationFailed) {
		t.Fatalf("err = %v, want ErrIDGenerationFailed", err)
	}
	if calls != MaxAttempts {
		t.Errorf("draws = %d, want %d", calls, MaxAttempts)
	}
}

func TestConcurrentGenerateNoDuplicates(t *testing.T) {
	g := NewWithEstimates(100000, 0.001)
	g.MarkReady()
	const workers, perWorker = 16, 250
	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := g.Generate()
				if err != nil {
					t.Errorf("Generate failed: %v", err)
					return
				}
				mu.Lock()
				if _, dup := seen[id]; dup {
					t.Errorf("duplicate id %s", id)
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if st := g.Stats(); st.Added != workers*perWorker {
		t.Errorf("Stats.Added = %d, want %d", st.Added, workers*perWorker)
	}
}

func TestStatsFalsePositiveEstimate(t *testing.T) {
	g := NewWithEstimates(1000, 0.01)
	for i := 0; i < 1000; i++ {
		g.Add(strings.Repeat("x", i%7) + string(rune('a'+i%26)) + string(rune('A'+i/26%26)) + string(rune('0'+i/676%10)))
	}
	st := g.Stats()
	if st.EstimatedFPRate <= 0 || st.EstimatedFPRate > 0.05 {
		t.Errorf("EstimatedFPRate = %f, expected near 0.01", st.EstimatedFPRate)
	}
}
