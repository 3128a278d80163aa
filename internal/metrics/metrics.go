package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "grantwatch"
)

var (
	reconcileDurationBuckets = []float64{1, 2, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600}

	// Reconciliation Metrics
	ReconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reconcile_duration_seconds",
		Help:      "Time taken for an organization reconciliation pass to complete.",
		Buckets:   reconcileDurationBuckets,
	}, []string{"provider"})

	ReconcileRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_runs_total",
		Help:      "Count of reconciliation executions.",
	}, []string{"provider", "status"})

	ReconcileLastSuccessTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reconcile_last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful reconciliation.",
	}, []string{"provider"})

	RelationshipTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relationship_transitions_total",
		Help:      "Count of user-application relationship state transitions applied.",
	}, []string{"provider", "transition"})

	// Directory Metrics
	DirectoryPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "directory_pages_total",
		Help:      "Number of provider directory pages fetched.",
	}, []string{"provider"})

	DirectoryResourcesTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "directory_resources_total",
		Help:      "Number of directory resources in the latest snapshot.",
	}, []string{"provider", "type"})

	TokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_refreshes_total",
		Help:      "Count of provider access token refreshes.",
	}, []string{"provider", "status"})

	// Dedup Metrics
	DedupeMergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dedupe_merges_total",
		Help:      "Number of duplicate application records merged away.",
	}, []string{"provider"})

	// Risk Metrics
	RiskScoreDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "risk_score_duration_seconds",
		Help:      "Time taken to compute composite risk scores for an organization.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})

	RiskLevelsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "risk_levels_total",
		Help:      "Number of applications per risk level.",
	}, []string{"provider", "level"})
)
