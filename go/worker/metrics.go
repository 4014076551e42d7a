package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var partitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "compactor",
	Name:      "partitions_total",
	Help:      "Partition pipeline outcomes, labelled by terminal status.",
}, []string{"status"})

var mergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "compactor",
	Name:      "merge_duration_seconds",
	Help:      "Wall time of successful partition merges.",
	Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
})

var rowsMerged = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "compactor",
	Name:      "rows_merged_total",
	Help:      "Total rows written to compact outputs.",
})
