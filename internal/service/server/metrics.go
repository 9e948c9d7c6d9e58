package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	sessions    prometheus.Gauge
	keys        *prometheus.CounterVec
	calls       *prometheus.CounterVec
	unknownKeys prometheus.Counter
	relayed     prometheus.Counter
	queued      prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "mtproto",
			Name:      "sessions",
			Help:      "Connected sessions.",
		}),
		keys: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mtproto",
			Name:      "auth_keys_created_total",
			Help:      "Auth keys created by key exchanges.",
		}, []string{"kind"}),
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mtproto",
			Name:      "rpc_calls_total",
			Help:      "RPC calls by method.",
		}, []string{"method"}),
		unknownKeys: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mtproto",
			Name:      "unknown_auth_key_total",
			Help:      "Frames answered with -404.",
		}),
		relayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mtproto",
			Name:      "updates_delivered_total",
			Help:      "Updates pushed to connected sessions.",
		}),
		queued: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mtproto",
			Name:      "updates_queued_total",
			Help:      "Updates kept for offline users.",
		}),
	}
}
