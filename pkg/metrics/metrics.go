// Package metrics exposes Prometheus collectors for the session core.
//
// A nil *Metrics is valid and records nothing, so components can take an
// optional metrics handle without nil checks at every call site.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "iotsession"

// Operation labels.
const (
	OpConnect     = "connect"
	OpDisconnect  = "disconnect"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
)

// Result labels.
const (
	ResultSuccess   = "success"
	ResultError     = "error"
	ResultCancelled = "cancelled"
)

// Metrics holds the collectors for one session.
type Metrics struct {
	connected        prometheus.Gauge
	stateChanges     *prometheus.CounterVec
	operations       *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
	pending          *prometheus.GaugeVec
	reconnects       *prometheus.CounterVec
	messagesReceived prometheus.Counter
	tokenRenewals    *prometheus.CounterVec
	tokenExpiry      prometheus.Gauge
	ledgerPending    prometheus.Gauge
	unmatched        prometheus.Counter
}

// New creates the collectors and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "connected",
			Help:      "1 when the MQTT connection is established, 0 otherwise.",
		}),
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state_changes_total",
			Help:      "Connection state transitions by new state.",
		}, []string{"state"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "operations_total",
			Help:      "Completed connection operations by kind and result.",
		}, []string{"op", "result"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "operation_duration_seconds",
			Help:      "Time from issuing an operation to its acknowledgement.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "pending_operations",
			Help:      "Operations awaiting acknowledgement.",
		}, []string{"op"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect daemon attempts by result.",
		}, []string{"result"}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "messages_received_total",
			Help:      "Incoming MQTT messages.",
		}),
		tokenRenewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sastoken",
			Name:      "renewals_total",
			Help:      "SAS token renewals by result.",
		}, []string{"result"}),
		tokenExpiry: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sastoken",
			Name:      "expiry_timestamp_seconds",
			Help:      "Expiry of the current SAS token as a unix timestamp.",
		}),
		ledgerPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "request",
			Name:      "pending",
			Help:      "Requests awaiting a response.",
		}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "request",
			Name:      "unmatched_responses_total",
			Help:      "Responses received for unknown request ids.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.connected, m.stateChanges, m.operations, m.operationLatency, m.pending,
		m.reconnects, m.messagesReceived, m.tokenRenewals, m.tokenExpiry,
		m.ledgerPending, m.unmatched,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// StateChanged records a connection state transition.
func (m *Metrics) StateChanged(state string, connected bool) {
	if m == nil {
		return
	}
	m.stateChanges.WithLabelValues(state).Inc()
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

// OperationCompleted records the outcome of an operation started at start.
func (m *Metrics) OperationCompleted(op, result string, start time.Time) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, result).Inc()
	if result == ResultSuccess {
		m.operationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// SetPending sets the number of pending operations of a kind.
func (m *Metrics) SetPending(op string, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(op).Set(float64(n))
}

// ReconnectAttempt records a reconnect daemon attempt.
func (m *Metrics) ReconnectAttempt(result string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(result).Inc()
}

// MessageReceived counts an incoming message.
func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

// TokenRenewed records a renewal attempt. On success expiry is the new
// token's expiry.
func (m *Metrics) TokenRenewed(ok bool, expiry time.Time) {
	if m == nil {
		return
	}
	if !ok {
		m.tokenRenewals.WithLabelValues(ResultError).Inc()
		return
	}
	m.tokenRenewals.WithLabelValues(ResultSuccess).Inc()
	m.tokenExpiry.Set(float64(expiry.Unix()))
}

// SetTokenExpiry records the expiry of the current token.
func (m *Metrics) SetTokenExpiry(expiry time.Time) {
	if m == nil {
		return
	}
	m.tokenExpiry.Set(float64(expiry.Unix()))
}

// SetLedgerPending sets the number of requests awaiting a response.
func (m *Metrics) SetLedgerPending(n int) {
	if m == nil {
		return
	}
	m.ledgerPending.Set(float64(n))
}

// ResponseUnmatched counts a response for an unknown request.
func (m *Metrics) ResponseUnmatched() {
	if m == nil {
		return
	}
	m.unmatched.Inc()
}
