// Package telemetry exposes prometheus counters for the storage substrate.
// The counters register themselves on the default registry; serving them
// (promhttp or otherwise) is up to the embedding process.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "prdb"

// buffer pool traffic
var (
	// BufferFetchHits counts FetchPage calls served from a resident frame.
	BufferFetchHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      "fetch_hits_total",
		Help:      "Number of page fetches served without disk I/O.",
	})
	// BufferFetchMisses counts FetchPage calls that had to read from disk.
	BufferFetchMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      "fetch_misses_total",
		Help:      "Number of page fetches that read the page from disk.",
	})
	// BufferEvictions counts frames reclaimed through the replacer.
	BufferEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      "evictions_total",
		Help:      "Number of frames reclaimed from the replacer.",
	})
	// BufferWriteBacks counts dirty pages written out at eviction or flush.
	BufferWriteBacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "buffer",
		Name:      "write_backs_total",
		Help:      "Number of dirty pages written back to disk.",
	})
)

// extendible hash index structural changes
var (
	// HashSplits counts bucket splits.
	HashSplits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hash",
		Name:      "bucket_splits_total",
		Help:      "Number of bucket splits performed by the extendible hash index.",
	})
	// HashMerges counts bucket merges.
	HashMerges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hash",
		Name:      "bucket_merges_total",
		Help:      "Number of bucket merges performed by the extendible hash index.",
	})
)
