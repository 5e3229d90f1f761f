// Package metrics holds the Prometheus collectors shared by the proxy,
// updater and session packages. Collectors are registered with the default
// registry at init and exposed by the admin gateway.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Query decision labels.
const (
	DecisionBlocked = "blocked"
	DecisionAllowed = "allowed"
	DecisionDropped = "dropped"
	DecisionProbe   = "probe"
)

var (
	Queries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunblock_queries_total",
			Help: "DNS packets handled by the packet proxy, by decision",
		},
		[]string{"decision"},
	)
	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tunblock_upstream_request_duration_seconds",
			Help:    "Upstream DNS exchange duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"upstream"},
	)
	UpstreamFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunblock_upstream_failures_total",
			Help: "Failed upstream DNS exchanges",
		},
		[]string{"upstream"},
	)
	SessionStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunblock_session_status",
			Help: "Current session status code",
		},
	)
	Reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tunblock_session_reconnects_total",
			Help: "Session restarts after a failure or connectivity change",
		},
	)
	RuleHosts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunblock_rule_hosts",
			Help: "Hostnames in the published blocklist snapshot",
		},
	)
	RuleUpdateErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tunblock_rule_update_errors_total",
			Help: "Rule-list entries that failed to refresh",
		},
	)
)

func init() {
	prometheus.MustRegister(Queries, UpstreamLatency, UpstreamFailures, SessionStatus, Reconnects, RuleHosts, RuleUpdateErrors)
}
