// Package metrics holds the Prometheus collectors shared across the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PushOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_push_operations_total",
		Help: "Push operations by outcome.",
	}, []string{"result"})

	PullRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_pull_requests_total",
		Help: "Pull requests served.",
	})

	ConflictsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_conflicts_resolved_total",
		Help: "Resolved conflicts by resolution.",
	}, []string{"resolution"})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_connections",
		Help: "Currently open realtime connections.",
	})

	NotificationsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_notifications_delivered_total",
		Help: "Notifications fanned out to connections, by kind.",
	}, []string{"kind"})

	IngestRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_ingest_runs_total",
		Help: "Provider ingestion runs by provider and status.",
	}, []string{"provider", "status"})
)
