package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var fetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stargazer_ingest_fetches_total",
	Help: "The number of subject fetches by source and result",
}, []string{"source", "result"})

var itemsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stargazer_ingest_items_total",
	Help: "The number of new items fetched by source",
}, []string{"source"})

var passDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "stargazer_ingest_pass_duration_seconds",
	Help:    "The duration of a polling pass",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
}, []string{"source"})

var throttled = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "stargazer_ingest_throttled",
	Help: "Whether the source is currently in backoff",
}, []string{"source"})
