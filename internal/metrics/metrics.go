package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicebridge/voicebridge/internal/bridge"
)

// SessionProvider exposes live session counts and relay statistics.
// The bridge registry implements it.
type SessionProvider interface {
	Count() int
	CountByState() map[string]int
	AggregateStats() bridge.Stats
}

// Collector is a prometheus.Collector that gathers bridge metrics at scrape time.
type Collector struct {
	sessions  SessionProvider
	startTime time.Time

	// Metric descriptors.
	activeSessionsDesc  *prometheus.Desc
	sessionsByStateDesc *prometheus.Desc
	framesRelayedDesc   *prometheus.Desc
	bytesRelayedDesc    *prometheus.Desc
	framesDroppedDesc   *prometheus.Desc
	aiReconnectsDesc    *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a new metrics collector over the session provider.
func NewCollector(sessions SessionProvider, startTime time.Time) *Collector {
	return &Collector{
		sessions:  sessions,
		startTime: startTime,

		activeSessionsDesc: prometheus.NewDesc(
			"voicebridge_active_sessions",
			"Number of live bridged call sessions",
			nil, nil,
		),
		sessionsByStateDesc: prometheus.NewDesc(
			"voicebridge_sessions",
			"Live sessions by lifecycle state",
			[]string{"state"}, nil,
		),
		framesRelayedDesc: prometheus.NewDesc(
			"voicebridge_frames_relayed_total",
			"Audio frames relayed across live sessions, by direction",
			[]string{"direction"}, nil,
		),
		bytesRelayedDesc: prometheus.NewDesc(
			"voicebridge_bytes_relayed_total",
			"Audio bytes relayed across live sessions, by direction",
			[]string{"direction"}, nil,
		),
		framesDroppedDesc: prometheus.NewDesc(
			"voicebridge_frames_dropped_total",
			"Malformed or undeliverable chunks dropped across live sessions",
			nil, nil,
		),
		aiReconnectsDesc: prometheus.NewDesc(
			"voicebridge_ai_reconnects_total",
			"Successful AI leg re-establishments across live sessions",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voicebridge_uptime_seconds",
			"Seconds since the voicebridge process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessionsDesc
	ch <- c.sessionsByStateDesc
	ch <- c.framesRelayedDesc
	ch <- c.bytesRelayedDesc
	ch <- c.framesDroppedDesc
	ch <- c.aiReconnectsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries the session provider
// at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeSessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.Count()),
		)

		byState := c.sessions.CountByState()
		for _, state := range []string{"connecting", "active", "draining"} {
			ch <- prometheus.MustNewConstMetric(
				c.sessionsByStateDesc, prometheus.GaugeValue,
				float64(byState[state]), state,
			)
		}

		stats := c.sessions.AggregateStats()
		ch <- prometheus.MustNewConstMetric(
			c.framesRelayedDesc, prometheus.CounterValue,
			float64(stats.FramesToAI), "to_ai",
		)
		ch <- prometheus.MustNewConstMetric(
			c.framesRelayedDesc, prometheus.CounterValue,
			float64(stats.FramesToTelephony), "to_telephony",
		)
		ch <- prometheus.MustNewConstMetric(
			c.bytesRelayedDesc, prometheus.CounterValue,
			float64(stats.BytesToAI), "to_ai",
		)
		ch <- prometheus.MustNewConstMetric(
			c.bytesRelayedDesc, prometheus.CounterValue,
			float64(stats.BytesToTelephony), "to_telephony",
		)
		ch <- prometheus.MustNewConstMetric(
			c.framesDroppedDesc, prometheus.CounterValue,
			float64(stats.FramesDropped),
		)
		ch <- prometheus.MustNewConstMetric(
			c.aiReconnectsDesc, prometheus.CounterValue,
			float64(stats.AIReconnects),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
