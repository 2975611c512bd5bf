// Package metrics exposes the engine's internal counters and histograms
// through a dedicated prometheus.Registry, grounded on client_golang's
// direct-instantiation pattern (no global registry, so multiple engine
// instances in the same process don't collide).
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Registry *prometheus.Registry

	BufferPoolHits      prometheus.Counter
	BufferPoolMisses    prometheus.Counter
	BufferPoolEvictions prometheus.Counter

	WALFlushSeconds prometheus.Histogram
	WALAppendBytes  prometheus.Counter

	LockWaitSeconds prometheus.Histogram
	DeadlocksTotal  prometheus.Counter

	TxnCommits prometheus.Counter
	TxnAborts  prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		BufferPoolHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kinesis", Subsystem: "bufferpool", Name: "hits_total",
			Help: "Page fetches served from the buffer pool without a disk read.",
		}),
		BufferPoolMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kinesis", Subsystem: "bufferpool", Name: "misses_total",
			Help: "Page fetches that required reading through the pager.",
		}),
		BufferPoolEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kinesis", Subsystem: "bufferpool", Name: "evictions_total",
			Help: "Frames evicted by the clock policy.",
		}),
		WALFlushSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kinesis", Subsystem: "wal", Name: "flush_seconds",
			Help:    "Latency of fsync calls against the write-ahead log.",
			Buckets: prometheus.DefBuckets,
		}),
		WALAppendBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kinesis", Subsystem: "wal", Name: "append_bytes_total",
			Help: "Bytes appended to the write-ahead log.",
		}),
		LockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kinesis", Subsystem: "txn", Name: "lock_wait_seconds",
			Help:    "Time transactions spent blocked waiting for a lock.",
			Buckets: prometheus.DefBuckets,
		}),
		DeadlocksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kinesis", Subsystem: "txn", Name: "deadlocks_total",
			Help: "Deadlocks detected and resolved by aborting a victim.",
		}),
		TxnCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kinesis", Subsystem: "txn", Name: "commits_total",
			Help: "Transactions committed.",
		}),
		TxnAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kinesis", Subsystem: "txn", Name: "aborts_total",
			Help: "Transactions aborted.",
		}),
	}

	reg.MustRegister(
		m.BufferPoolHits, m.BufferPoolMisses, m.BufferPoolEvictions,
		m.WALFlushSeconds, m.WALAppendBytes,
		m.LockWaitSeconds, m.DeadlocksTotal,
		m.TxnCommits, m.TxnAborts,
	)

	return m
}
