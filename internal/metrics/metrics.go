package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vpnshop"

var (
	OrdersCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "created_total",
			Help:      "Orders created, by purpose and payment provider",
		},
		[]string{"purpose", "provider"},
	)
	OrderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Order status transitions, by target status",
		},
		[]string{"to"},
	)
	PaymentEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "events_total",
			Help:      "Payment confirmations, by provider and outcome",
		},
		[]string{"provider", "result"},
	)
	ProvisionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "provision_duration_seconds",
			Help:      "Time spent provisioning an order on the panel",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"purpose"},
	)
	PanelRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "panel",
			Name:      "requests_total",
			Help:      "Requests to VPN panels, by operation and result",
		},
		[]string{"op", "result"},
	)
	PanelDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "panel",
			Name:      "request_duration_seconds",
			Help:      "VPN panel request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	SweepExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "expired_total",
			Help:      "Rows expired by background sweeps",
		},
		[]string{"kind"},
	)
	ServerLoad = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "servers",
			Name:      "connections",
			Help:      "Active subscriptions per VPN server",
		},
		[]string{"server"},
	)
	ServerUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "servers",
			Name:      "panel_up",
			Help:      "1 if the server panel answered the last health check",
		},
		[]string{"server"},
	)
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, by route and status",
		},
		[]string{"method", "route", "status"},
	)
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Background job runs, by job and result",
		},
		[]string{"job", "result"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}
