package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "fstunnel_active_sessions", Help: "Sessions with at least one relay still running"})
	SessionsTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "fstunnel_sessions_total", Help: "Sessions started by role"}, []string{"role"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "fstunnel_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 18)})
	SegmentsWrittenTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "fstunnel_segments_written_total", Help: "Segment files made visible, EOF sentinels included"})
	SegmentsReadTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "fstunnel_segments_read_total", Help: "Segment files consumed, EOF sentinels included"})
	BytesOutTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "fstunnel_bytes_out_total", Help: "Connection bytes written into segment files"})
	BytesInTotal           = promauto.NewCounter(prometheus.CounterOpts{Name: "fstunnel_bytes_in_total", Help: "Segment bytes written to connections"})
	LivenessTimeoutsTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "fstunnel_liveness_timeouts_total", Help: "Inbound relays abandoned waiting for the next segment"})
	DialFailuresTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "fstunnel_dial_failures_total", Help: "Upstream dials that failed during admission"})
	RejectedTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "fstunnel_rejected_connections_total", Help: "Accepted connections dropped by the rate limiter"})
	PendingDeletions       = promauto.NewGauge(prometheus.GaugeOpts{Name: "fstunnel_pending_deletions", Help: "Paths waiting in the deletion queue"})
	AdmittedTokens         = promauto.NewGauge(prometheus.GaugeOpts{Name: "fstunnel_admitted_tokens", Help: "Tokens held in the local admission set"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "fstunnel_errors_total", Help: "Errors by type"}, []string{"type"})
)
