// Package metrics contains prometheus metrics of the server.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultMetricsNamespace = "switchboard"

// Config contains metrics configuration.
type Config struct {
	// Namespace is the prometheus namespace for all metrics. If empty,
	// defaults to "switchboard".
	Namespace string
	// ConstLabels are added to all metrics, useful for environment or
	// region labels.
	ConstLabels map[string]string
	// Registerer is the prometheus registerer to use. If nil,
	// prometheus.DefaultRegisterer is used.
	Registerer prometheus.Registerer
}

// Registry holds all switchboard metrics.
type Registry struct {
	SessionsCurrent    prometheus.Gauge
	TransportsCurrent  *prometheus.GaugeVec
	RoomsCurrent       prometheus.Gauge
	MessagesSentTotal  *prometheus.CounterVec
	MessagesRecvTotal  *prometheus.CounterVec
	UpgradesTotal      *prometheus.CounterVec
	QueueOverflowTotal prometheus.Counter
	DisconnectsTotal   *prometheus.CounterVec
	BrokerState        prometheus.Gauge
	HTTPRequestsTotal  *prometheus.CounterVec
}

// New creates all metrics and registers them with the configured
// registerer.
func New(cfg Config) (*Registry, error) {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = defaultMetricsNamespace
	}
	registerer := cfg.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	r := &Registry{
		SessionsCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "sessions",
			Help:        "Number of sessions registered on this node.",
			ConstLabels: cfg.ConstLabels,
		}),
		TransportsCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "transports",
			Help:        "Number of active transports by kind.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"transport"}),
		RoomsCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "rooms",
			Help:        "Number of rooms with at least one member on this node.",
			ConstLabels: cfg.ConstLabels,
		}),
		MessagesSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "messages_sent_count",
			Help:        "Number of messages sent to sessions.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"transport"}),
		MessagesRecvTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "messages_received_count",
			Help:        "Number of messages received from sessions.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"transport"}),
		UpgradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "upgrades_count",
			Help:        "Number of transport upgrade attempts by result.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"result"}),
		QueueOverflowTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "queue_overflow_count",
			Help:        "Number of sessions closed due to outbound queue overflow.",
			ConstLabels: cfg.ConstLabels,
		}),
		DisconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "disconnects_count",
			Help:        "Number of session disconnects by reason.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"reason"}),
		BrokerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "broker",
			Name:        "connected",
			Help:        "Whether the bus connection is up (1) or degraded (0).",
			ConstLabels: cfg.ConstLabels,
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "requests_count",
			Help:        "Number of HTTP requests by handler and status.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"handler", "status"}),
	}

	collectors := []prometheus.Collector{
		r.SessionsCurrent, r.TransportsCurrent, r.RoomsCurrent,
		r.MessagesSentTotal, r.MessagesRecvTotal, r.UpgradesTotal,
		r.QueueOverflowTotal, r.DisconnectsTotal, r.BrokerState,
		r.HTTPRequestsTotal,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			var alreadyRegistered prometheus.AlreadyRegisteredError
			if errors.As(err, &alreadyRegistered) {
				continue
			}
			return nil, err
		}
	}
	return r, nil
}
