package vansify

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	ChannelState      *prometheus.GaugeVec
	ReconnectAttempts *prometheus.CounterVec
	ChannelFailures   *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	CollectionSize    *prometheus.GaugeVec
	UnreadTotal       *prometheus.GaugeVec
	MutationErrors    *prometheus.CounterVec
	CacheErrors       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. Pass nil
// to skip registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChannelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vansify_channel_state",
			Help: "1 for the current state of each push channel, 0 otherwise.",
		}, []string{"channel", "state"}),
		ReconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vansify_channel_reconnect_attempts_total",
			Help: "Total reconnects scheduled per push channel.",
		}, []string{"channel"}),
		ChannelFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vansify_channel_failures_total",
			Help: "Total times a push channel exhausted its reconnect attempts.",
		}, []string{"channel"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vansify_frames_received_total",
			Help: "Total frames read per push channel.",
		}, []string{"channel"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vansify_frames_dropped_total",
			Help: "Total malformed frames dropped per push channel.",
		}, []string{"channel"}),
		CollectionSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vansify_collection_size",
			Help: "Entries held by each reconciler.",
		}, []string{"collection"}),
		UnreadTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vansify_unread_total",
			Help: "Unread items per collection.",
		}, []string{"collection"}),
		MutationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vansify_mutation_errors_total",
			Help: "Total failed user-initiated requests.",
		}, []string{"op"}),
		CacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vansify_cache_errors_total",
			Help: "Total local cache failures.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ChannelState, m.ReconnectAttempts, m.ChannelFailures,
			m.FramesReceived, m.FramesDropped,
			m.CollectionSize, m.UnreadTotal,
			m.MutationErrors, m.CacheErrors,
		)
	}
	return m
}

func (m *Metrics) setChannelState(kind ChannelKind, state ConnectionState) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ChannelState.WithLabelValues(string(kind), string(s)).Set(v)
	}
}

func (m *Metrics) reconnectScheduled(kind ChannelKind) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) channelFailed(kind ChannelKind) {
	if m == nil {
		return
	}
	m.ChannelFailures.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) frameReceived(kind ChannelKind) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) frameDropped(kind ChannelKind) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) setCollection(name string, size, unread int) {
	if m == nil {
		return
	}
	m.CollectionSize.WithLabelValues(name).Set(float64(size))
	m.UnreadTotal.WithLabelValues(name).Set(float64(unread))
}

func (m *Metrics) mutationFailed(op string) {
	if m == nil {
		return
	}
	m.MutationErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) cacheFailed(op string) {
	if m == nil {
		return
	}
	m.CacheErrors.WithLabelValues(op).Inc()
}
