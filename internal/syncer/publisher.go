package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"obfuscal/internal/logging"
	"obfuscal/internal/models"
)

// Destination is a writable calendar service.
type Destination interface {
	// ListEvents returns events overlapping [from, to); a zero bound is open.
	ListEvents(ctx context.Context, calendarID string, from, to time.Time) ([]models.DestinationEvent, error)
	CreateEvent(ctx context.Context, calendarID string, ev models.ObfuscatedEvent) (string, error)
	// DeleteEvent returns models.ErrNotFound when the event is already gone.
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

// OrphanPolicy decides what happens to upcoming destination events whose
// source event is no longer forwarded.
type OrphanPolicy string

const (
	OrphanDelete OrphanPolicy = "delete"
	OrphanLeave  OrphanPolicy = "leave"
)

// ParseOrphanPolicy validates a configured policy name. Empty means OrphanDelete.
func ParseOrphanPolicy(s string) (OrphanPolicy, error) {
	switch OrphanPolicy(s) {
	case "", OrphanDelete:
		return OrphanDelete, nil
	case OrphanLeave:
		return OrphanLeave, nil
	default:
		return "", fmt.Errorf("unknown orphan policy %q (want %q or %q)", s, OrphanDelete, OrphanLeave)
	}
}

// PublishOptions tunes how the destination is reconciled.
type PublishOptions struct {
	OrphanPolicy OrphanPolicy
	// Reschedule re-creates present events whose timing changed.
	Reschedule bool
	// DryRun lists the destination but never writes to it.
	DryRun bool
	// Concurrency bounds parallel writes. Values below 1 mean 1.
	Concurrency int
	// MaxAttempts per write, including the first. Defaults to 3.
	MaxAttempts int
	// RetryInterval is the first backoff delay. Defaults to 500ms.
	RetryInterval time.Duration
}

// Publisher reconciles the destination calendar with the obfuscated events of a run.
type Publisher struct {
	dest       Destination
	calendarID string
	opts       PublishOptions
	retry      retrier
	logger     *slog.Logger
}

// NewPublisher creates a Publisher for one destination calendar.
func NewPublisher(logger *slog.Logger, dest Destination, calendarID string, opts PublishOptions) *Publisher {
	if opts.OrphanPolicy == "" {
		opts.OrphanPolicy = OrphanDelete
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}

	p := &Publisher{
		dest:       dest,
		calendarID: calendarID,
		opts:       opts,
		logger:     logger,
	}
	p.retry = retrier{
		maxAttempts: uint(opts.MaxAttempts),
		interval:    opts.RetryInterval,
		notify: func(err error, wait time.Duration) {
			p.logger.Warn("Destination write failed, retrying.", logging.Err(err), "wait", wait)
		},
	}
	return p
}

type deletion struct {
	event  models.DestinationEvent
	reason string
}

type creation struct {
	event models.ObfuscatedEvent
	// replaces is the destination id deleted first when rescheduling.
	replaces string
}

// Publish purges past events, then creates the events that are not yet on the
// destination. Listing failures are returned; per-event write failures are
// recorded in the report and the run continues.
func (p *Publisher) Publish(ctx context.Context, events []models.ObfuscatedEvent, now time.Time, report *Report) error {
	past, err := p.dest.ListEvents(ctx, p.calendarID, time.Time{}, now)
	if err != nil {
		return fmt.Errorf("failed to list past destination events: %w", err)
	}
	var purge []deletion
	for _, d := range past {
		if d.IsPast(now) {
			purge = append(purge, deletion{event: d, reason: "past"})
		}
	}
	for _, err := range p.deleteAll(ctx, purge) {
		if err == nil {
			report.Purged++
		} else {
			report.addFailure(err)
		}
	}

	upcoming, err := p.dest.ListEvents(ctx, p.calendarID, now, time.Time{})
	if err != nil {
		return fmt.Errorf("failed to list upcoming destination events: %w", err)
	}

	deletes, creates := p.plan(events, upcoming, now, report)

	failedDeletes := make(map[string]bool)
	for i, err := range p.deleteAll(ctx, deletes) {
		d := deletes[i]
		if err != nil {
			report.addFailure(err)
			failedDeletes[d.event.ID] = true
			continue
		}
		switch d.reason {
		case "duplicate":
			report.Duplicates++
		case "orphan":
			report.OrphansDeleted++
		}
	}

	// A rescheduled event whose old copy could not be removed is not
	// re-created, so the destination never holds two copies.
	var runnable []creation
	for _, c := range creates {
		if c.replaces != "" && failedDeletes[c.replaces] {
			report.addFailure(&models.WriteError{
				Op:            "reschedule",
				SourceUID:     c.event.SourceUID,
				DestinationID: c.replaces,
				Err:           errors.New("old copy could not be deleted"),
			})
			continue
		}
		runnable = append(runnable, c)
	}

	for i, err := range p.createAll(ctx, runnable) {
		if err != nil {
			report.addFailure(err)
			continue
		}
		if runnable[i].replaces != "" {
			report.Rescheduled++
		} else {
			report.Created++
		}
	}

	return nil
}

// plan matches upcoming destination events to this run's events by source uid.
func (p *Publisher) plan(events []models.ObfuscatedEvent, upcoming []models.DestinationEvent, now time.Time, report *Report) ([]deletion, []creation) {
	var deletes []deletion
	present := make(map[string]models.DestinationEvent)
	for _, d := range upcoming {
		if d.SourceUID == "" || d.IsPast(now) {
			continue
		}
		if _, ok := present[d.SourceUID]; ok {
			deletes = append(deletes, deletion{event: d, reason: "duplicate"})
			continue
		}
		present[d.SourceUID] = d
	}

	var creates []creation
	wanted := make(map[string]bool, len(events))
	for _, ev := range events {
		wanted[ev.SourceUID] = true
		d, ok := present[ev.SourceUID]
		switch {
		case !ok:
			creates = append(creates, creation{event: ev})
		case p.opts.Reschedule && !ev.SameTiming(d):
			deletes = append(deletes, deletion{event: d, reason: "reschedule"})
			creates = append(creates, creation{event: ev, replaces: d.ID})
		default:
			report.Unchanged++
		}
	}

	for uid, d := range present {
		if wanted[uid] {
			continue
		}
		if p.opts.OrphanPolicy == OrphanLeave {
			report.OrphansLeft++
			p.logger.Debug("Leaving orphaned destination event.", "id", d.ID, "sourceUID", uid)
			continue
		}
		deletes = append(deletes, deletion{event: d, reason: "orphan"})
	}

	return deletes, creates
}

// deleteAll deletes the given events and returns one error slot per event.
func (p *Publisher) deleteAll(ctx context.Context, items []deletion) []error {
	errs := make([]error, len(items))
	p.forEach(len(items), func(i int) {
		errs[i] = p.deleteOne(ctx, items[i])
	})
	return errs
}

func (p *Publisher) deleteOne(ctx context.Context, item deletion) error {
	d := item.event
	if p.opts.DryRun {
		p.logger.Info("[DRY RUN] Would delete destination event", "id", d.ID, "sourceUID", d.SourceUID, "reason", item.reason, "start", d.Start)
		return nil
	}

	_, err := retryDo(ctx, p.retry, func() (struct{}, error) {
		err := p.dest.DeleteEvent(ctx, p.calendarID, d.ID)
		if errors.Is(err, models.ErrNotFound) {
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	if err != nil {
		p.logger.Error("Failed to delete destination event", "id", d.ID, "reason", item.reason, logging.Err(err))
		return &models.WriteError{Op: "delete", SourceUID: d.SourceUID, DestinationID: d.ID, Err: err}
	}
	p.logger.Debug("Deleted destination event", "id", d.ID, "reason", item.reason)
	return nil
}

// createAll creates the given events and returns one error slot per event.
func (p *Publisher) createAll(ctx context.Context, items []creation) []error {
	errs := make([]error, len(items))
	p.forEach(len(items), func(i int) {
		errs[i] = p.createOne(ctx, items[i].event)
	})
	return errs
}

func (p *Publisher) createOne(ctx context.Context, ev models.ObfuscatedEvent) error {
	if p.opts.DryRun {
		p.logger.Info("[DRY RUN] Would create destination event", "sourceUID", ev.SourceUID, "start", ev.Start, "allDay", ev.AllDay)
		return nil
	}

	id, err := retryDo(ctx, p.retry, func() (string, error) {
		return p.dest.CreateEvent(ctx, p.calendarID, ev)
	})
	if err != nil {
		p.logger.Error("Failed to create destination event", "sourceUID", ev.SourceUID, logging.Err(err))
		return &models.WriteError{Op: "create", SourceUID: ev.SourceUID, Err: err}
	}
	p.logger.Debug("Created destination event", "id", id, "sourceUID", ev.SourceUID)
	return nil
}

// forEach runs fn for 0..n-1 with at most Concurrency calls in flight and
// returns once all have finished.
func (p *Publisher) forEach(n int, fn func(i int)) {
	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i := range n {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}
