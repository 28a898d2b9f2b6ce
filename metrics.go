package healthschool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the stream clients. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	EventsReceived    *prometheus.CounterVec
	DuplicatesDropped *prometheus.CounterVec
	MalformedFrames   *prometheus.CounterVec
	Reconnects        prometheus.Counter
	PublishFailures   prometheus.Counter
	ConnectionState   *prometheus.GaugeVec
}

var allStates = []ConnectionState{
	StateDisconnected,
	StateConnecting,
	StateConnected,
	StateReconnecting,
	StateLeaving,
	StateClosed,
	StateExhaustedRetries,
	StateUnauthorized,
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// EventsReceived counts accepted events, labeled by channel and kind.
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "healthschool_realtime_events_total",
			Help: "Events accepted from push channels",
		}, []string{"channel", "kind"}),

		DuplicatesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "healthschool_realtime_duplicates_total",
			Help: "Redelivered events suppressed by the delivery ledger",
		}, []string{"channel"}),

		MalformedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "healthschool_realtime_malformed_frames_total",
			Help: "Frames dropped because they could not be decoded or validated",
		}, []string{"channel"}),

		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "healthschool_realtime_reconnects_total",
			Help: "Reconnect attempts scheduled by the alarm stream",
		}),

		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "healthschool_chat_publish_failures_total",
			Help: "Chat messages that could not be sent",
		}),

		// ConnectionState is 1 for the current state of each channel, 0 otherwise.
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "healthschool_realtime_connection_state",
			Help: "Current connection state per channel",
		}, []string{"channel", "state"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsReceived,
			m.DuplicatesDropped,
			m.MalformedFrames,
			m.Reconnects,
			m.PublishFailures,
			m.ConnectionState,
		)
	}
	return m
}

func (m *Metrics) event(channel string, kind EventKind) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(channel, string(kind)).Inc()
}

func (m *Metrics) duplicate(channel string) {
	if m == nil {
		return
	}
	m.DuplicatesDropped.WithLabelValues(channel).Inc()
}

func (m *Metrics) malformed(channel string) {
	if m == nil {
		return
	}
	m.MalformedFrames.WithLabelValues(channel).Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) publishFailed() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

func (m *Metrics) setState(channel string, state ConnectionState) {
	if m == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(channel, string(s)).Set(v)
	}
}
