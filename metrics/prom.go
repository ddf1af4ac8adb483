package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "psst_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "psst_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psst_cache_hits_total",
			Help: "no. of snapshot cache hits",
		},
		[]string{"tier"},
	)
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "psst_cache_misses_total",
		Help: "no. of reads that fell through to the stores",
	})
	CacheErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "psst_cache_errors_total",
		Help: "no. of remote cache failures treated as misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "psst_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psst_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "psst_recent_error_rate_percent",
		Help: "share of 5xx responses over the last five minutes",
	})
	AdaptiveMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "psst_rate_limit_adaptive_mode",
		Help: "1 while rate limits are halved after an error spike",
	})
	EncryptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psst_encryption_operations_total",
			Help: "no. of encryption/decryption operations",
		},
		[]string{"operation"},
	)
	IntegrityFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "psst_integrity_failures_total",
		Help: "no. of stored payloads that failed checksum or authentication",
	})
	IDCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "psst_id_collisions_total",
		Help: "no. of candidate ids rejected by the membership set",
	})
	IDExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "psst_id_exhausted_total",
		Help: "no. of creates that ran out of id attempts",
	})
	ClicksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "psst_clicks_dropped_total",
		Help: "no. of click increments lost to a full queue or buffer error",
	})
	ClicksFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "psst_clicks_flushed_total",
		Help: "no. of clicks persisted to the metadata store",
	})
	FlushCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psst_click_flush_cycles_total",
			Help: "no. of click flush cycles by outcome",
		},
		[]string{"result"},
	)
	WALCheckpoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psst_sqlite_wal_checkpoints_total",
			Help: "no. of sqlite WAL checkpoints by mode and outcome",
		},
		[]string{"mode", "result"},
	)
	UsersRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "psst_users_registered_total",
		Help: "no. of user accounts created",
	})
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psst_events_published_total",
			Help: "no. of domain events published by outcome",
		},
		[]string{"result"},
	)
)
