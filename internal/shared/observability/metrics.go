package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics definitions
var (
	BuildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "assetplan_build_phase_seconds",
		Help:    "Time spent in each build phase.",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	BuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assetplan_builds_total",
		Help: "Total number of builds by outcome.",
	}, []string{"outcome"})

	ParsingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "assetplan_parsing_seconds",
		Help:    "Time spent extracting imports from a source file.",
		Buckets: prometheus.DefBuckets,
	}, []string{"language"})

	ParseCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assetplan_parse_cache_hits_total",
		Help: "Total number of import lists served from the parse cache.",
	})

	GraphModules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "assetplan_graph_modules",
		Help: "Number of modules in the most recent module graph.",
	})

	GraphEdges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "assetplan_graph_edges",
		Help: "Number of dependency edges in the most recent module graph.",
	})

	PlannedBundles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "assetplan_planned_bundles",
		Help: "Number of bundles in the most recent plan.",
	})

	UnreachableModules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "assetplan_unreachable_modules",
		Help: "Number of graph modules not reachable from any entry point.",
	})

	EmittedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assetplan_emitted_bytes_total",
		Help: "Total bytes written to bundle artifacts.",
	})

	WatcherEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assetplan_watcher_events_total",
		Help: "Total number of file system events received by the watcher.",
	})

	HistoryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "assetplan_history_queue_depth",
		Help: "Build records waiting to be written to the history store.",
	})

	HistoryWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assetplan_history_writes_total",
		Help: "Total number of build records handled by the history writer by outcome.",
	}, []string{"outcome"})

	HotReloadClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "assetplan_hot_reload_clients",
		Help: "Number of connected hot reload websocket clients.",
	})
)
