// Package metrics exposes crawl progress as Prometheus metrics.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alqutdigital/board-harvester/internal/crawler"
	"github.com/alqutdigital/board-harvester/internal/models"
)

const (
	// Namespace is the namespace for all harvester metrics.
	Namespace = "board_harvester"

	// Subsystem is the subsystem for crawl metrics.
	Subsystem = "crawl"
)

// Metrics holds the crawl counters. It implements crawler.Observer.
type Metrics struct {
	PagesFetched    *prometheus.CounterVec
	EntriesListed   *prometheus.CounterVec
	EntriesSkipped  *prometheus.CounterVec
	RecordsSaved    *prometheus.CounterVec
	AttachmentFails *prometheus.CounterVec
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	LastRunSaved    *prometheus.GaugeVec
	LastRunFinished *prometheus.GaugeVec
}

// New creates and registers the crawl metrics on reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		PagesFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "pages_fetched_total",
			Help:      "Listing pages fetched successfully",
		}, []string{"site"}),
		EntriesListed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "entries_listed_total",
			Help:      "List entries seen on fetched pages",
		}, []string{"site"}),
		EntriesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "entries_skipped_total",
			Help:      "List entries skipped, by reason",
		}, []string{"site", "reason"}),
		RecordsSaved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "records_saved_total",
			Help:      "Records persisted",
		}, []string{"site"}),
		AttachmentFails: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "attachment_failures_total",
			Help:      "Attachments that could not be downloaded",
		}, []string{"site"}),
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "runs_total",
			Help:      "Finished runs, by status",
		}, []string{"site", "status"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished runs",
			Buckets:   []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"site"}),
		LastRunSaved: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "last_run_saved",
			Help:      "Records saved by the latest run",
		}, []string{"site"}),
		LastRunFinished: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "last_run_finished_timestamp_seconds",
			Help:      "Unix time the latest run finished",
		}, []string{"site"}),
	}
}

// PageFetched implements crawler.Observer.
func (m *Metrics) PageFetched(_ context.Context, site string, _ int, entries int) {
	m.PagesFetched.WithLabelValues(site).Inc()
	m.EntriesListed.WithLabelValues(site).Add(float64(entries))
}

// EntrySkipped implements crawler.Observer.
func (m *Metrics) EntrySkipped(_ context.Context, site string, reason crawler.SkipReason) {
	m.EntriesSkipped.WithLabelValues(site, string(reason)).Inc()
}

// RecordSaved implements crawler.Observer.
func (m *Metrics) RecordSaved(_ context.Context, rec models.SavedRecord) {
	m.RecordsSaved.WithLabelValues(rec.Site).Inc()
	if rec.FailedFiles > 0 {
		m.AttachmentFails.WithLabelValues(rec.Site).Add(float64(rec.FailedFiles))
	}
}

// RunFinished implements crawler.Observer.
func (m *Metrics) RunFinished(_ context.Context, res crawler.Result) {
	m.RunsTotal.WithLabelValues(res.Site, string(res.Status)).Inc()
	m.RunDuration.WithLabelValues(res.Site).Observe(res.Duration().Seconds())
	m.LastRunSaved.WithLabelValues(res.Site).Set(float64(res.Saved))
	m.LastRunFinished.WithLabelValues(res.Site).Set(float64(res.FinishedAt.Unix()))
}
