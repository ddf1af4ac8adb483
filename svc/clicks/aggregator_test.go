package clicks

import (
	"context"
	"errors"
	"fmt"
	"psst/cfg"
	"psst/svc/db"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

type fakeStore struct {
	mu      sync.Mutex
	counts  map[string]int64
	applies int
	fail    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{counts: make(map[string]int64)}
}

func (f *fakeStore) ApplyClicks(ctx context.Context, deltas map[string]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.applies++
	for id, d := range deltas {
		f.counts[id] += d
	}
	return nil
}

func (f *fakeStore) count(id string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[id]
}

// waitPending polls until the buffer holds want clicks for id.
func waitPending(t *testing.T, buf Buffer, id string, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := buf.PendingCount(context.Background(), id); n == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	n, _ := buf.PendingCount(context.Background(), id)
	t.Fatalf("pending %s = %d, want %d", id, n, want)
}

func buffers(t *testing.T) map[string]Buffer {
	mr := miniredis.RunT(t)
	rdb, err := db.NewRedis("redis://"+mr.Addr(), &cfg.Cfg{RedisTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewRedis failed: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return map[string]Buffer{
		"memory": NewMemoryBuffer(),
		"redis":  rdb,
	}
}

func TestIncrementThenFlush(t *testing.T) {
	for name, buf := range buffers(t) {
		t.Run(name, func(t *testing.T) {
			store := newFakeStore()
			a := New(buf, store, Config{Workers: 2})
			const n = 25
			for i := 0; i < n; i++ {
				a.Increment("p1")
			}
			waitPending(t, buf, "p1", n)

			updated, err := a.FlushOnce(context.Background())
			if err != nil {
				t.Fatalf("FlushOnce failed: %v", err)
			}
			if updated != 1 {
				t.Errorf("updated = %d, want 1", updated)
			}
			if got := store.count("p1"); got != n {
				t.Errorf("durable count = %d, want %d", got, n)
			}

			updated, err = a.FlushOnce(context.Background())
			if err != nil || updated != 0 {
				t.Errorf("second flush = %d, %v; want no-op", updated, err)
			}
			if got := store.count("p1"); got != n {
				t.Errorf("durable count after second flush = %d, want %d", got, n)
			}
			if err := a.Shutdown(context.Background()); err != nil {
				t.Errorf("Shutdown failed: %v", err)
			}
		})
	}
}

func TestFlushKeepsClicksArrivingMidFlush(t *testing.T) {
	buf := NewMemoryBuffer()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		buf.IncrClick(ctx, "p1")
	}
	store := &lateClickStore{fakeStore: newFakeStore(), buf: buf}
	a := New(buf, store, Config{Workers: 1})
	defer a.Shutdown(ctx)

	if _, err := a.FlushOnce(ctx); err != nil {
		t.Fatalf("FlushOnce failed: %v", err)
	}
	if got := store.count("p1"); got != 3 {
		t.Errorf("durable = %d, want 3", got)
	}
	if n, _ := buf.PendingCount(ctx, "p1"); n != 1 {
		t.Errorf("pending after flush = %d, want the 1 late click", n)
	}
}

// lateClickStore simulates a read landing between the pending read and the
// subtract.
type lateClickStore struct {
	*fakeStore
	buf  Buffer
	once sync.Once
}

func (l *lateClickStore) ApplyClicks(ctx context.Context, deltas map[string]int64) error {
	l.once.Do(func() { l.buf.IncrClick(ctx, "p1") })
	return l.fakeStore.ApplyClicks(ctx, deltas)
}

func TestFlushApplyFailureKeepsBuffer(t *testing.T) {
	buf := NewMemoryBuffer()
	ctx := context.Background()
	buf.IncrClick(ctx, "p1")
	store := newFakeStore()
	store.fail = errors.New("db down")
	a := New(buf, store, Config{Workers: 1})
	defer a.Shutdown(ctx)

	if _, err := a.FlushOnce(ctx); err == nil {
		t.Fatal("expected flush error")
	}
	if n, _ := buf.PendingCount(ctx, "p1"); n != 1 {
		t.Errorf("pending after failed apply = %d, want 1", n)
	}
	store.fail = nil
	if _, err := a.FlushOnce(ctx); err != nil {
		t.Fatalf("retry flush failed: %v", err)
	}
	if store.count("p1") != 1 {
		t.Errorf("durable = %d, want 1", store.count("p1"))
	}
}

func TestFlushBatchLimit(t *testing.T) {
	buf := NewMemoryBuffer()
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		buf.IncrClick(ctx, fmt.Sprintf("p%d", i))
	}
	store := newFakeStore()
	a := New(buf, store, Config{BatchSize: 3, Workers: 1})
	defer a.Shutdown(ctx)

	n, err := a.FlushOnce(ctx)
	if err != nil || n != 3 {
		t.Fatalf("FlushOnce = %d, %v; want 3", n, err)
	}
	a.flushCycle(ctx)
	ids, _ := buf.PendingIDs(ctx, 0)
	if len(ids) != 0 {
		t.Errorf("pending after cycle = %v, want none", ids)
	}
	for i := 0; i < 7; i++ {
		if got := store.count(fmt.Sprintf("p%d", i)); got != 1 {
			t.Errorf("p%d = %d, want 1", i, got)
		}
	}
}

func TestIncrementDropsWhenQueueFull(t *testing.T) {
	buf := &blockingBuffer{MemoryBuffer: NewMemoryBuffer(), release: make(chan struct{})}
	a := New(buf, newFakeStore(), Config{Workers: 1, QueueSize: 1})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			a.Increment("p1")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Increment blocked on a full queue")
	}
	close(buf.release)
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

type blockingBuffer struct {
	*MemoryBuffer
	release chan struct{}
}

func (b *blockingBuffer) IncrClick(ctx context.Context, id string) error {
	<-b.release
	return b.MemoryBuffer.IncrClick(ctx, id)
}

func TestShutdownDrainsAndFlushes(t *testing.T) {
	buf := NewMemoryBuffer()
	store := newFakeStore()
	a := New(buf, store, Config{Workers: 2})
	a.Start(context.Background(), time.Hour)
	for i := 0; i < 5; i++ {
		a.Increment("p1")
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if got := store.count("p1"); got != 5 {
		t.Errorf("durable after shutdown = %d, want 5", got)
	}
	a.Increment("p1")
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown failed: %v", err)
	}
}

func TestStartFlushesOnInterval(t *testing.T) {
	buf := NewMemoryBuffer()
	store := newFakeStore()
	a := New(buf, store, Config{Workers: 1})
	a.Start(context.Background(), 20*time.Millisecond)
	defer a.Shutdown(context.Background())
	a.Increment("p1")
	deadline := time.Now().Add(2 * time.Second)
	for store.count("p1") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("scheduled flush never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
