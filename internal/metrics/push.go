// Package metrics pushes a summary of each sync run to a Prometheus Pushgateway.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"obfuscal/internal/syncer"
)

const (
	// JobName is the Pushgateway job all runs are grouped under.
	JobName = "obfuscal"

	namespace = "obfuscal"
)

// Pusher sends run reports to a Pushgateway.
type Pusher struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewPusher returns a Pusher for the gateway at url. A nil client means http.DefaultClient.
func NewPusher(logger *slog.Logger, url string, client *http.Client) *Pusher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Pusher{url: url, client: client, logger: logger}
}

// Push replaces the metrics of the destination calendar's group with the given report.
func (p *Pusher) Push(ctx context.Context, calendarID string, report syncer.Report) error {
	reg := prometheus.NewRegistry()
	if err := newRunMetrics(report).register(reg); err != nil {
		return err
	}

	err := push.New(p.url, JobName).
		Client(p.client).
		Gatherer(reg).
		Grouping("calendar", calendarID).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push run metrics: %w", err)
	}
	p.logger.Debug("Pushed run metrics.", "gateway", p.url, "run_id", report.RunID)
	return nil
}

// PushOrLog pushes the report and only logs a failure.
func (p *Pusher) PushOrLog(ctx context.Context, calendarID string, report syncer.Report) {
	if err := p.Push(ctx, calendarID, report); err != nil {
		p.logger.Warn("Could not push run metrics", "error", err)
	}
}

type runMetrics struct {
	events    *prometheus.GaugeVec
	success   prometheus.Gauge
	timestamp prometheus.Gauge
	duration  prometheus.Gauge
}

func newRunMetrics(r syncer.Report) *runMetrics {
	m := &runMetrics{
		events: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_events",
			Help:      "Events handled by the last sync run, by result.",
		}, []string{"result"}),
		success: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if the last sync run finished without errors.",
		}),
		timestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last sync run started.",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Wall time of the last sync run.",
		}),
	}

	for result, n := range map[string]int{
		"fetched":          r.Fetched,
		"skipped_calendar": r.SkippedCalendar,
		"skipped_all_day":  r.SkippedAllDay,
		"skipped_dup_uid":  r.SkippedDupUID,
		"unreadable":       r.Unreadable,
		"purged":           r.Purged,
		"created":          r.Created,
		"unchanged":        r.Unchanged,
		"rescheduled":      r.Rescheduled,
		"duplicates":       r.Duplicates,
		"orphans_deleted":  r.OrphansDeleted,
		"orphans_left":     r.OrphansLeft,
		"failed":           r.Failed,
	} {
		m.events.WithLabelValues(result).Set(float64(n))
	}
	if r.OK() {
		m.success.Set(1)
	}
	if !r.StartedAt.IsZero() {
		m.timestamp.Set(float64(r.StartedAt.Unix()))
	}
	m.duration.Set(r.Duration.Seconds())
	return m
}

func (m *runMetrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.events, m.success, m.timestamp, m.duration} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register run metrics: %w", err)
		}
	}
	return nil
}
