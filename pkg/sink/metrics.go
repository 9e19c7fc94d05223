package sink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsSunk = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stargazer_sink_events_total",
	Help: "The number of events handed to a sink by result",
}, []string{"sink", "result"})

var queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "stargazer_sink_queue_depth",
	Help: "The current depth of a sink's record buffer",
}, []string{"sink"})

var batchSubmissionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "stargazer_sink_batch_submission_duration_seconds",
	Help:    "The duration of time it takes to submit a batch of records",
	Buckets: prometheus.DefBuckets,
}, []string{"sink"})

var batchSizeHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "stargazer_sink_batch_size",
	Help:    "The size of a batch of records submitted",
	Buckets: prometheus.ExponentialBuckets(1, 2, 16),
}, []string{"sink"})

var wsClients = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "stargazer_sink_websocket_clients",
	Help: "The number of connected websocket clients",
})
