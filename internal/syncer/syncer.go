package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"obfuscal/internal/logging"
	"obfuscal/internal/models"
	"obfuscal/internal/obfuscate"
)

// Options configures a Syncer.
type Options struct {
	// CalendarID is the destination calendar.
	CalendarID  string
	Policies    models.PolicyTable
	Placeholder obfuscate.Placeholder
	Publish     PublishOptions
}

// Syncer orchestrates one-way, obfuscated synchronization from the source
// calendars into the destination calendar.
type Syncer struct {
	logger    *slog.Logger
	fetcher   *Fetcher
	publisher *Publisher
	opts      Options
	now       func() time.Time
}

// NewSyncer creates a new Syncer.
func NewSyncer(logger *slog.Logger, source Source, dest Destination, opts Options) (*Syncer, error) {
	if source == nil || dest == nil {
		return nil, errors.New("source and destination are required")
	}
	if opts.CalendarID == "" {
		return nil, errors.New("destination calendar id is required")
	}
	policy, err := ParseOrphanPolicy(string(opts.Publish.OrphanPolicy))
	if err != nil {
		return nil, err
	}
	opts.Publish.OrphanPolicy = policy

	return &Syncer{
		logger:    logger,
		fetcher:   NewFetcher(logger, source),
		publisher: NewPublisher(logger, dest, opts.CalendarID, opts.Publish),
		opts:      opts,
		now:       time.Now,
	}, nil
}

// Sync performs a full synchronization cycle. The whole source is read
// before the destination is touched; a fetch or listing failure aborts the
// run and is returned both as the error and in Report.Err. Per-event write
// failures do not abort and are only counted in the report.
func (s *Syncer) Sync(ctx context.Context) (Report, error) {
	started := time.Now()
	now := s.now()
	report := Report{
		RunID:     uuid.NewString(),
		StartedAt: now,
		DryRun:    s.opts.Publish.DryRun,
	}
	logger := logging.WithRunID(s.logger, report.RunID)
	logger.Info("Starting sync cycle.", "calendarID", s.opts.CalendarID)
	if report.DryRun {
		logger.Info("Performing a dry run. No changes will be made.")
	}

	fail := func(err error) (Report, error) {
		report.Err = err
		report.Duration = time.Since(started)
		logger.Error("Sync cycle aborted", logging.Err(err))
		return report, err
	}

	fetched, err := s.fetcher.FetchAll(ctx, now)
	if err != nil {
		return fail(fmt.Errorf("failed to fetch source events: %w", err))
	}
	report.Fetched = len(fetched.Events)
	report.Unreadable = fetched.Unreadable
	logger.Info("Fetched all source events.", "count", report.Fetched, "unreadable", report.Unreadable)

	events := s.transform(logger, fetched.Events, &report)
	logger.Info("Obfuscated source events.", "forwarded", len(events), "skipped_by_policy", report.SkippedByPolicy())

	if err := s.publisher.Publish(ctx, events, now, &report); err != nil {
		return fail(err)
	}

	report.Duration = time.Since(started)
	if report.Failed > 0 {
		logger.Warn("Sync cycle finished with failures.", "report", report)
	} else {
		logger.Info("Sync cycle finished.", "report", report)
	}
	return report, nil
}

// transform applies the calendar policies and keeps the first event for each source uid.
func (s *Syncer) transform(logger *slog.Logger, sourceEvents []models.SourceEvent, report *Report) []models.ObfuscatedEvent {
	seen := make(map[string]bool, len(sourceEvents))
	out := make([]models.ObfuscatedEvent, 0, len(sourceEvents))

	for _, ev := range sourceEvents {
		obf, decision := obfuscate.Transform(ev, s.opts.Policies, s.opts.Placeholder)
		switch decision {
		case obfuscate.SkipCalendar:
			report.SkippedCalendar++
		case obfuscate.SkipAllDay:
			report.SkippedAllDay++
		}
		if decision != obfuscate.Forward {
			logger.Debug("Source event not forwarded", "uid", ev.UID, logging.Calendar(ev.Calendar), "decision", decision.String())
			continue
		}

		if seen[obf.SourceUID] {
			report.SkippedDupUID++
			logger.Debug("Dropping event with repeated source uid", "uid", obf.SourceUID, logging.Calendar(ev.Calendar))
			continue
		}
		seen[obf.SourceUID] = true
		out = append(out, obf)
	}
	return out
}
