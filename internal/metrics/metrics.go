// Package metrics registers the Prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soaring_reports_total",
		Help: "Position reports by outcome",
	}, []string{"result"})
	ElevationLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soaring_elevation_lookups_total",
		Help: "Elevation lookups by cache result",
	}, []string{"result"})
	ElevationFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soaring_elevation_fetches_total",
		Help: "Upstream elevation tile fetches by outcome",
	}, []string{"result"})
	ElevationEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "soaring_elevation_evictions_total",
		Help: "Elevation tiles evicted from the cache",
	})
	ScoringPassDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "soaring_scoring_pass_duration_ms",
		Help:    "Duration of one scoring pass over all pilots",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 5000},
	})
	ScoredPilots = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "soaring_scored_pilots",
		Help: "Pilots scored in the last pass by status",
	}, []string{"status"})
	AssociationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soaring_associations_total",
		Help: "Device associations by reason",
	}, []string{"reason"})
	MovementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soaring_movements_total",
		Help: "Launch and landing events by source",
	}, []string{"action", "source"})
	BroadcastDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "soaring_broadcast_dropped_total",
		Help: "Live updates dropped for slow subscribers",
	})
	StorageErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soaring_storage_errors_total",
		Help: "Persistence write failures by store",
	}, []string{"store"})
)

func init() {
	prometheus.MustRegister(ReportsTotal)
	prometheus.MustRegister(ElevationLookupsTotal)
	prometheus.MustRegister(ElevationFetchesTotal)
	prometheus.MustRegister(ElevationEvictionsTotal)
	prometheus.MustRegister(ScoringPassDurationMs)
	prometheus.MustRegister(ScoredPilots)
	prometheus.MustRegister(AssociationsTotal)
	prometheus.MustRegister(MovementsTotal)
	prometheus.MustRegister(BroadcastDroppedTotal)
	prometheus.MustRegister(StorageErrorsTotal)
}

// Handler serves the registered collectors.
func Handler() http.Handler { return promhttp.Handler() }
