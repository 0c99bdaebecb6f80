package builder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheGetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "builder_cache_gets_total",
			Help: "Workspace cache reads by serving tier",
		},
		[]string{"tier"},
	)

	cacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "builder_cache_evictions_total",
			Help: "Cache entries evicted by reason",
		},
		[]string{"reason"},
	)

	cacheRemoteFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "builder_cache_remote_fetches_total",
			Help: "Remote file-set fetches by status",
		},
		[]string{"status"},
	)

	cachedWorkspaces = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "builder_cached_workspaces",
			Help: "Workspaces currently held in the memory tier",
		},
	)

	lightChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "builder_light_changes_total",
			Help: "Light patch applications by outcome",
		},
		[]string{"outcome"},
	)

	previewsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "builder_previews_total",
			Help: "Preview generations by source",
		},
		[]string{"source"},
	)

	syncReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "builder_sync_reconnects_total",
			Help: "Sync channel reconnect attempts",
		},
	)

	syncMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "builder_sync_messages_total",
			Help: "Sync messages by direction",
		},
		[]string{"direction"},
	)
)
