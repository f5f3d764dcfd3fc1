package sshmux

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects session statistics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ChannelsOpened      prometheus.Counter
	ChannelOpenFailures prometheus.Counter
	ChannelsAccepted    prometheus.Counter
	BytesSent           prometheus.Counter
	BytesReceived       prometheus.Counter
	WindowAdjustsSent   prometheus.Counter
	PendingPackets      prometheus.Gauge
}

// NewMetrics creates session metrics and registers them with reg. A nil reg creates
// unregistered metrics. Registering twice with the same registry panics, so share one Metrics
// between sessions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChannelsOpened:      f.NewCounter(prometheus.CounterOpts{Name: "sshmux_channels_opened_total", Help: "Channels opened by the local side"}),
		ChannelOpenFailures: f.NewCounter(prometheus.CounterOpts{Name: "sshmux_channel_open_failures_total", Help: "Channel opens refused by the peer or aborted"}),
		ChannelsAccepted:    f.NewCounter(prometheus.CounterOpts{Name: "sshmux_channels_accepted_total", Help: "Forwarded channels accepted from listeners"}),
		BytesSent:           f.NewCounter(prometheus.CounterOpts{Name: "sshmux_bytes_sent_total", Help: "Channel payload bytes sent"}),
		BytesReceived:       f.NewCounter(prometheus.CounterOpts{Name: "sshmux_bytes_received_total", Help: "Channel payload bytes received"}),
		WindowAdjustsSent:   f.NewCounter(prometheus.CounterOpts{Name: "sshmux_window_adjusts_sent_total", Help: "Window adjust messages sent"}),
		PendingPackets:      f.NewGauge(prometheus.GaugeOpts{Name: "sshmux_pending_packets", Help: "Inbound packets buffered and not yet consumed"}),
	}
}

func (m *Metrics) channelOpened() {
	if m != nil {
		m.ChannelsOpened.Inc()
	}
}

func (m *Metrics) channelOpenFailed() {
	if m != nil {
		m.ChannelOpenFailures.Inc()
	}
}

func (m *Metrics) channelAccepted() {
	if m != nil {
		m.ChannelsAccepted.Inc()
	}
}

func (m *Metrics) sent(n int) {
	if m != nil {
		m.BytesSent.Add(float64(n))
	}
}

func (m *Metrics) received(n int) {
	if m != nil {
		m.BytesReceived.Add(float64(n))
	}
}

func (m *Metrics) windowAdjusted() {
	if m != nil {
		m.WindowAdjustsSent.Inc()
	}
}

func (m *Metrics) pending(n int) {
	if m != nil {
		m.PendingPackets.Set(float64(n))
	}
}
