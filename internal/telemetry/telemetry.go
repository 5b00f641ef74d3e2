// Package telemetry collects opt-in, in-process metrics for backup, restore
// and conflict operations. Nothing is transmitted: metrics live in a private
// Prometheus registry that the caller may read or expose.
//
// A nil *Metrics is valid and records nothing; that is the default when the
// user has not enabled telemetry.
package telemetry

import (
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kimhsiao/applytrack/backend/internal/models"
)

const namespace = "applytrack"

// Metrics holds the collectors.
type Metrics struct {
	registry *prometheus.Registry

	backupsTotal      *prometheus.CounterVec
	backupDuration    *prometheus.HistogramVec
	restoresTotal     *prometheus.CounterVec
	restoreDuration   prometheus.Histogram
	restoredRecords   *prometheus.CounterVec
	conflictsDetected prometheus.Counter
	resolutionsTotal  *prometheus.CounterVec
}

// New returns a Metrics backed by a fresh registry, or nil when disabled.
func New(enabled bool) *Metrics {
	if !enabled {
		return nil
	}

	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	buckets := []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30}

	return &Metrics{
		registry: reg,
		backupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Backups taken by origin, kind and status",
		}, []string{"origin", "kind", "status"}),
		backupDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backup_duration_seconds",
			Help:      "Time to create a backup",
			Buckets:   buckets,
		}, []string{"origin"}),
		restoresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restores_total",
			Help:      "Restores by status (success, partial, failed)",
		}, []string{"status"}),
		restoreDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "restore_duration_seconds",
			Help:      "Time to restore a snapshot, safety backup included",
			Buckets:   buckets,
		}),
		restoredRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restored_records_total",
			Help:      "Snapshot records processed by restore, by result",
		}, []string{"result"}),
		conflictsDetected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_detected_total",
			Help:      "Data conflicts produced by detection",
		}),
		resolutionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_resolutions_total",
			Help:      "Resolved conflicts by strategy and mode",
		}, []string{"strategy", "mode"}),
	}
}

// Enabled reports whether m records anything.
func (m *Metrics) Enabled() bool {
	return m != nil
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func status(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}

// ObserveBackup records one backup attempt.
func (m *Metrics) ObserveBackup(origin models.BackupOrigin, safety bool, d time.Duration, err error) {
	if m == nil {
		return
	}
	kind := "user"
	if safety {
		kind = "safety"
	}
	m.backupsTotal.WithLabelValues(string(origin), kind, status(err)).Inc()
	if err == nil {
		m.backupDuration.WithLabelValues(string(origin)).Observe(d.Seconds())
	}
}

// ObserveRestore records one restore attempt.
func (m *Metrics) ObserveRestore(outcome *models.RecoveryOutcome, d time.Duration, err error) {
	if m == nil {
		return
	}
	s := status(err)
	if err == nil && outcome != nil && outcome.Partial() {
		s = "partial"
	}
	m.restoresTotal.WithLabelValues(s).Inc()
	m.restoreDuration.Observe(d.Seconds())
	if outcome != nil {
		m.restoredRecords.WithLabelValues("restored").Add(float64(outcome.Restored))
		m.restoredRecords.WithLabelValues("skipped").Add(float64(outcome.Skipped))
		m.restoredRecords.WithLabelValues("failed").Add(float64(len(outcome.Failed)))
	}
}

// ObserveConflicts records the number of conflicts one detection pass produced.
func (m *Metrics) ObserveConflicts(n int) {
	if m == nil {
		return
	}
	m.conflictsDetected.Add(float64(n))
}

// ObserveResolution records n conflicts resolved with strategy.
func (m *Metrics) ObserveResolution(strategy string, bulk bool, n int) {
	if m == nil {
		return
	}
	mode := "single"
	if bulk {
		mode = "bulk"
	}
	m.resolutionsTotal.WithLabelValues(strategy, mode).Add(float64(n))
}

// Snapshot flattens counters and histogram counts into name{labels} -> value.
func (m *Metrics) Snapshot() (map[string]float64, error) {
	out := map[string]float64{}
	if m == nil {
		return out, nil
	}

	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			pairs := make([]string, 0, len(metric.GetLabel()))
			for _, l := range metric.GetLabel() {
				pairs = append(pairs, l.GetName()+"="+l.GetValue())
			}
			sort.Strings(pairs)
			key := fam.GetName()
			if len(pairs) > 0 {
				key += "{" + strings.Join(pairs, ",") + "}"
			}
			switch {
			case metric.GetCounter() != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.GetHistogram() != nil:
				out[key+"_count"] = float64(metric.GetHistogram().GetSampleCount())
			case metric.GetGauge() != nil:
				out[key] = metric.GetGauge().GetValue()
			}
		}
	}
	return out, nil
}
