package kv

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var storeOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stargazer_kv_ops_total",
	Help: "The number of store operations by store, operation and result",
}, []string{"store", "op", "result"})

var hookFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stargazer_kv_hook_failures_total",
	Help: "The number of mutation hooks that returned an error",
}, []string{"store", "kind"})
