// Package clicks buffers paste read counts and moves them to the metadata
// store in batches.
//
// Reads call Increment, which never blocks: ids go onto a bounded queue that
// a few workers drain into the pending Buffer. A scheduler periodically
// flushes up to one batch of pending counts into the store in a single
// transaction and then subtracts exactly the flushed amounts, so clicks that
// arrive during a flush are kept for the next one. Delivery is at least
// once: if the subtract fails after a successful apply, those clicks are
// counted again next cycle.
package clicks

import (
	"context"
	"psst/metrics"
	"psst/svc/util"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = time.Hour
	DefaultWorkers       = 4
	DefaultQueueSize     = 10000

	incrTimeout  = 2 * time.Second
	flushTimeout = 30 * time.Second
	readParallel = 16
	// maxBatchesPerCycle bounds one scheduled cycle when the buffer holds
	// more than a batch.
	maxBatchesPerCycle = 100
)

// Applier is the durable side of a flush.
type Applier interface {
	ApplyClicks(ctx context.Context, deltas map[string]int64) error
}

type Config struct {
	BatchSize int
	Workers   int
	QueueSize int
}

type Aggregator struct {
	buf   Buffer
	store Applier
	batch int

	mu      sync.RWMutex
	closed  bool
	queue   chan string
	workers sync.WaitGroup

	flushMu     sync.Mutex
	stopFlusher context.CancelFunc
	flusherDone chan struct{}
}

func New(buf Buffer, store Applier, c Config) *Aggregator {
	if buf == nil || store == nil {
		panic("clicks: nil buffer or store")
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	a := &Aggregator{
		buf:   buf,
		store: store,
		batch: c.BatchSize,
		queue: make(chan string, c.QueueSize),
	}
	for i := 0; i < c.Workers; i++ {
		a.workers.Add(1)
		go a.worker()
	}
	return a
}

func (a *Aggregator) worker() {
	defer a.workers.Done()
	defer func() {
		if r := recover(); r != nil {
			util.Error().Interface("panic", r).Msg("click worker panicked")
		}
	}()
	for id := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), incrTimeout)
		if err := a.buf.IncrClick(ctx, id); err != nil {
			metrics.ClicksDropped.Inc()
			util.Warn().Err(err).Str("id", id).Msg("click increment failed")
		}
		cancel()
	}
}

// Increment records one read of id. It never blocks the caller; a full
// queue or a closed aggregator drops the click.
func (a *Aggregator) Increment(id string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		metrics.ClicksDropped.Inc()
		return
	}
	select {
	case a.queue <- id:
	default:
		metrics.ClicksDropped.Inc()
		util.Warn().Str("id", id).Msg("click queue full, dropping increment")
	}
}

// FlushOnce moves up to one batch of pending clicks into the store and
// returns the number of pastes updated.
func (a *Aggregator) FlushOnce(ctx context.Context) (int, error) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	ids, err := a.buf.PendingIDs(ctx, a.batch)
	if err != nil {
		metrics.FlushCycles.WithLabelValues("error").Inc()
		return 0, errors.Wrap(err, "list pending clicks")
	}
	if len(ids) == 0 {
		metrics.FlushCycles.WithLabelValues("empty").Inc()
		return 0, nil
	}

	var (
		mu     sync.Mutex
		deltas = make(map[string]int64, len(ids))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readParallel)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			n, err := a.buf.PendingCount(gctx, id)
			if err != nil {
				return errors.Wrapf(err, "read pending clicks for %s", id)
			}
			if n > 0 {
				mu.Lock()
				deltas[id] = n
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.FlushCycles.WithLabelValues("error").Inc()
		return 0, err
	}
	if len(deltas) == 0 {
		metrics.FlushCycles.WithLabelValues("empty").Inc()
		return 0, nil
	}

	if err := a.store.ApplyClicks(ctx, deltas); err != nil {
		metrics.FlushCycles.WithLabelValues("error").Inc()
		return 0, errors.Wrap(err, "apply clicks")
	}
	if err := a.buf.SubtractClicks(ctx, deltas); err != nil {
		metrics.FlushCycles.WithLabelValues("error").Inc()
		return len(deltas), errors.Wrap(err, "subtract flushed clicks")
	}

	var total int64
	for _, d := range deltas {
		total += d
	}
	metrics.ClicksFlushed.Add(float64(total))
	metrics.FlushCycles.WithLabelValues("ok").Inc()
	util.Debug().Int("pastes", len(deltas)).Int64("clicks", total).Msg("clicks flushed")
	return len(deltas), nil
}

func (a *Aggregator) flushCycle(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	for i := 0; i < maxBatchesPerCycle; i++ {
		n, err := a.FlushOnce(ctx)
		if err != nil {
			util.Error().Err(err).Msg("click flush failed")
			return
		}
		if n < a.batch {
			return
		}
	}
}

// Start runs a flush cycle every interval until Shutdown.
func (a *Aggregator) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.mu.Lock()
	a.stopFlusher = cancel
	a.flusherDone = done
	a.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		util.Info().Dur("interval", interval).Int("batch", a.batch).Msg("click flusher started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.flushCycle(ctx)
			}
		}
	}()
}

// Shutdown stops intake, drains queued increments into the buffer, stops
// the scheduler and runs one last flush cycle.
func (a *Aggregator) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	stop, done := a.stopFlusher, a.flusherDone
	a.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		a.workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "drain click queue")
	}

	if stop != nil {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "stop click flusher")
		}
	}
	a.flushCycle(context.WithoutCancel(ctx))
	util.Info().Msg("click aggregator stopped")
	return nil
}
