package lim

import (
	"psst/metrics"
	"psst/svc/util"
	"sync"
	"time"
)

const (
	anomalyBuckets   = 5
	anomalyMinReqs   = 10
	anomalyThreshold = 5.0
)

// AnomalyDetector keeps per-minute request and server error counts over a
// sliding five minute window and calls onAnomaly when the error share
// crosses the threshold.
type AnomalyDetector struct {
	mu        sync.Mutex
	window    [anomalyBuckets]bucket
	current   int
	onAnomaly func()
	done      chan struct{}
	stopOnce  sync.Once
}

type bucket struct {
	requests int64
	errors   int64
}

func NewAnomalyDetector(onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{onAnomaly: onAnomaly, done: make(chan struct{})}
}

func (d *AnomalyDetector) Start(tick time.Duration) {
	ticker := time.NewTicker(tick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.Advance()
			case <-d.done:
				return
			}
		}
	}()
}

func (d *AnomalyDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

// Record counts one finished request. serverError marks a 5xx response.
func (d *AnomalyDetector) Record(serverError bool) {
	d.mu.Lock()
	d.window[d.current].requests++
	if serverError {
		d.window[d.current].errors++
	}
	d.mu.Unlock()
}

// Advance evaluates the window and rotates to a fresh bucket. It returns
// the error rate it saw, in percent.
func (d *AnomalyDetector) Advance() float64 {
	d.mu.Lock()
	var reqs, errs int64
	for _, b := range d.window {
		reqs += b.requests
		errs += b.errors
	}
	d.current = (d.current + 1) % anomalyBuckets
	d.window[d.current] = bucket{}
	d.mu.Unlock()

	var rate float64
	if reqs > 0 {
		rate = float64(errs) / float64(reqs) * 100
	}
	metrics.RecentErrorRatePercent.Set(rate)
	if reqs > anomalyMinReqs && rate > anomalyThreshold {
		util.Warn().
			Float64("error_rate", rate).
			Int64("requests", reqs).
			Int64("errors", errs).
			Msg("error spike, halving rate limits")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}
	return rate
}
