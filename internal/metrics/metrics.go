// Package metrics holds the Prometheus collectors for session lifecycle,
// detection ingestion, manual overrides, live polling and reporting.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder groups the collectors. A nil *Recorder records nothing, so
// packages can be used without metrics in tests.
type Recorder struct {
	sessionStarts *prometheus.CounterVec
	detections    *prometheus.CounterVec
	overrides     *prometheus.CounterVec
	livePolls     *prometheus.CounterVec
	reportSeconds *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		sessionStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "classroll_session_starts_total",
			Help: "Start requests by outcome (created, resumed, conflict, error).",
		}, []string{"outcome"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "classroll_detections_total",
			Help: "Detection events by result.",
		}, []string{"result"}),
		overrides: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "classroll_overrides_total",
			Help: "Manual overrides by result.",
		}, []string{"result"}),
		livePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "classroll_live_polls_total",
			Help: "Live sync polls served by view.",
		}, []string{"view"}),
		reportSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "classroll_report_seconds",
			Help:    "Report generation latency by view mode.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"mode"}),
	}
	reg.MustRegister(r.sessionStarts, r.detections, r.overrides, r.livePolls, r.reportSeconds)
	return r
}

// SessionStart counts a startOrResume outcome.
func (r *Recorder) SessionStart(outcome string) {
	if r == nil {
		return
	}
	r.sessionStarts.WithLabelValues(outcome).Inc()
}

// Detection counts a processed detection event.
func (r *Recorder) Detection(result string) {
	if r == nil {
		return
	}
	r.detections.WithLabelValues(result).Inc()
}

// Override counts a manual override.
func (r *Recorder) Override(result string) {
	if r == nil {
		return
	}
	r.overrides.WithLabelValues(result).Inc()
}

// LivePoll counts a served poll.
func (r *Recorder) LivePoll(view string) {
	if r == nil {
		return
	}
	r.livePolls.WithLabelValues(view).Inc()
}

// ObserveReport records how long a report took.
func (r *Recorder) ObserveReport(mode string, d time.Duration) {
	if r == nil {
		return
	}
	r.reportSeconds.WithLabelValues(mode).Observe(d.Seconds())
}
