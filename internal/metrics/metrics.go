package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons.
const (
	DropStaleEpoch  = "stale_epoch"
	DropUnknownSID  = "unknown_sid"
	DropQueueFull   = "queue_full"
	DropClosed      = "closed"
	DropLateReply   = "late_response"
	DropUndecodable = "undecodable"
)

// Request outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeTimeout  = "timeout"
	OutcomeLost     = "connection_lost"
	OutcomeCanceled = "canceled"
)

// Metrics holds the client's collectors.
type Metrics struct {
	Epoch             prometheus.Gauge
	Connected         prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	FramesReceived    prometheus.Counter
	FramesSent        *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	Subscriptions     *prometheus.GaugeVec
	PendingRequests   prometheus.Gauge
	RequestOutcomes   *prometheus.CounterVec
	SessionRefreshes  *prometheus.CounterVec
}

// New creates collectors under namespace and registers them with reg.
// A nil reg leaves them unregistered.
func New(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = "brokerlink"
	}

	m := &Metrics{
		Epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "epoch",
			Help:      "Epoch of the current physical connection",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connected",
			Help:      "1 when the streaming connection is up",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "Frames read from the connection",
		}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Frames written, by kind",
		}, []string{"kind"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped, by reason",
		}, []string{"reason"}),
		Subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "subscriptions",
			Help:      "Subscriptions by state",
		}, []string{"state"}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "pending",
			Help:      "Requests awaiting a response",
		}),
		RequestOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "completed_total",
			Help:      "Resolved requests, by outcome",
		}, []string{"outcome"}),
		SessionRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "refreshes_total",
			Help:      "Session refresh attempts, by result",
		}, []string{"result"}),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Epoch,
		m.Connected,
		m.ReconnectAttempts,
		m.FramesReceived,
		m.FramesSent,
		m.FramesDropped,
		m.Subscriptions,
		m.PendingRequests,
		m.RequestOutcomes,
		m.SessionRefreshes,
	}
}

func (m *Metrics) SetEpoch(epoch uint64) {
	if m == nil {
		return
	}
	m.Epoch.Set(float64(epoch))
}

func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) IncReceived() {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
}

func (m *Metrics) IncSent(kind string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// MoveSubscription shifts one subscription between state gauges. Empty
// from/to mean created/destroyed.
func (m *Metrics) MoveSubscription(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.Subscriptions.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.Subscriptions.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) AddPending(delta int) {
	if m == nil {
		return
	}
	m.PendingRequests.Add(float64(delta))
}

func (m *Metrics) IncOutcome(outcome string) {
	if m == nil {
		return
	}
	m.RequestOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncRefresh(result string) {
	if m == nil {
		return
	}
	m.SessionRefreshes.WithLabelValues(result).Inc()
}
