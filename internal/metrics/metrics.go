// Package metrics exposes exchange health as Prometheus metrics, gathered
// from live providers at scrape time rather than maintained counters.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionStatsProvider exposes live signaling session and call counts.
type SessionStatsProvider interface {
	Count() int
	ActiveCallCount() int
}

// AttendantStatsProvider exposes auto-attendant activity.
type AttendantStatsProvider interface {
	ActiveCount() int
	FallbackCount() int
}

// CDRDispositionCounter returns CDR counts grouped by disposition.
type CDRDispositionCounter interface {
	CountByDisposition(ctx context.Context) (map[string]int64, error)
}

// Collector is a prometheus.Collector gathering WirePBX metrics at scrape
// time. Any provider may be nil if unavailable.
type Collector struct {
	sessions  SessionStatsProvider
	attendant AttendantStatsProvider
	cdrs      CDRDispositionCounter
	startTime time.Time

	sessionsDesc     *prometheus.Desc
	activeCallsDesc  *prometheus.Desc
	ivrActiveDesc    *prometheus.Desc
	ivrFallbacksDesc *prometheus.Desc
	callsTotalDesc   *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a metrics collector.
func NewCollector(
	sessions SessionStatsProvider,
	attendant AttendantStatsProvider,
	cdrs CDRDispositionCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		sessions:  sessions,
		attendant: attendant,
		cdrs:      cdrs,
		startTime: startTime,

		sessionsDesc: prometheus.NewDesc(
			"wirepbx_sessions_active",
			"Number of live signaling sessions",
			nil, nil,
		),
		activeCallsDesc: prometheus.NewDesc(
			"wirepbx_calls_active",
			"Number of session-owned calls in ringing or connected status",
			nil, nil,
		),
		ivrActiveDesc: prometheus.NewDesc(
			"wirepbx_ivr_calls_active",
			"Number of calls currently navigating the auto-attendant",
			nil, nil,
		),
		ivrFallbacksDesc: prometheus.NewDesc(
			"wirepbx_ivr_fallbacks_total",
			"Calls routed to the fallback destination after exhausting retries",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"wirepbx_calls_total",
			"Total calls recorded (from CDR)",
			[]string{"disposition"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"wirepbx_uptime_seconds",
			"Seconds since the WirePBX process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsDesc
	ch <- c.activeCallsDesc
	ch <- c.ivrActiveDesc
	ch <- c.ivrFallbacksDesc
	ch <- c.callsTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.sessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.Count()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.sessions.ActiveCallCount()),
		)
	}

	if c.attendant != nil {
		ch <- prometheus.MustNewConstMetric(
			c.ivrActiveDesc, prometheus.GaugeValue,
			float64(c.attendant.ActiveCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.ivrFallbacksDesc, prometheus.CounterValue,
			float64(c.attendant.FallbackCount()),
		)
	}

	if c.cdrs != nil {
		counts, err := c.cdrs.CountByDisposition(ctx)
		if err != nil {
			slog.Error("metrics: failed to count cdrs by disposition", "error", err)
		} else {
			for _, d := range []string{"answered", "failed", "abandoned", "fallback", "fallback_failed"} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[d]), d,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
