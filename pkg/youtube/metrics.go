package youtube

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var detailFetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stargazer_youtube_detail_fetches_total",
	Help: "The number of video detail fetches by result",
}, []string{"result"})

var hubRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stargazer_youtube_hub_requests_total",
	Help: "The number of WebSub hub requests by mode and result",
}, []string{"mode", "result"})

var notifications = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stargazer_youtube_notifications_total",
	Help: "The number of push notifications by outcome",
}, []string{"outcome"})

var channelsTracked = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "stargazer_youtube_channels_tracked",
	Help: "The number of subscribed channels",
})

var videosPending = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "stargazer_youtube_videos_pending",
	Help: "The number of scheduled broadcasts being tracked",
})
