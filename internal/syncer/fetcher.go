package syncer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"obfuscal/internal/logging"
	"obfuscal/internal/models"
)

// Source is a read-only calendar service.
type Source interface {
	ListCalendars(ctx context.Context) ([]string, error)
	ListEvents(ctx context.Context, calendarName string, from time.Time) iter.Seq2[models.SourceEvent, error]
}

// Fetcher collects upcoming events from every source calendar.
type Fetcher struct {
	source Source
	logger *slog.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(logger *slog.Logger, source Source) *Fetcher {
	return &Fetcher{source: source, logger: logger}
}

// Events lazily yields all events of all calendars that have not ended by now.
// Unreadable source objects are passed through as *models.UnreadableError.
// Any other error ends the sequence.
func (f *Fetcher) Events(ctx context.Context, now time.Time) iter.Seq2[models.SourceEvent, error] {
	return func(yield func(models.SourceEvent, error) bool) {
		calendars, err := f.source.ListCalendars(ctx)
		if err != nil {
			yield(models.SourceEvent{}, asFetchError("list calendars", err))
			return
		}

		for _, name := range calendars {
			count := 0
			for ev, err := range f.source.ListEvents(ctx, name, now) {
				var unreadable *models.UnreadableError
				if errors.As(err, &unreadable) {
					if !yield(models.SourceEvent{}, unreadable) {
						return
					}
					continue
				}
				if err != nil {
					yield(models.SourceEvent{}, asFetchError(fmt.Sprintf("list events of %q", name), err))
					return
				}
				if !isUpcoming(ev, now) {
					continue
				}
				count++
				if !yield(ev, nil) {
					return
				}
			}
			f.logger.Info("Fetched source calendar.", logging.Calendar(name), "count", count)
		}
	}
}

// FetchResult is the complete view of the source for one run.
type FetchResult struct {
	Events     []models.SourceEvent
	Unreadable int // source objects skipped because they could not be parsed
}

// FetchAll drains Events. Any error other than an unreadable object aborts
// the whole fetch so that a run never works from a partial view of the source.
func (f *Fetcher) FetchAll(ctx context.Context, now time.Time) (FetchResult, error) {
	var res FetchResult
	for ev, err := range f.Events(ctx, now) {
		var unreadable *models.UnreadableError
		if errors.As(err, &unreadable) {
			res.Unreadable++
			f.logger.Warn("Skipping unreadable source object.", logging.Calendar(unreadable.Calendar), "path", unreadable.Path, logging.Err(unreadable.Err))
			continue
		}
		if err != nil {
			return FetchResult{}, err
		}
		res.Events = append(res.Events, ev)
	}
	return res, nil
}

// isUpcoming keeps events still running at now. Timed events without a
// usable end are zero-length and must start at or after now.
func isUpcoming(ev models.SourceEvent, now time.Time) bool {
	end := ev.EffectiveEnd()
	if !end.After(ev.Start) {
		return !ev.Start.Before(now)
	}
	return end.After(now)
}

// asFetchError keeps authentication and transport errors as they are and
// wraps anything else as a transport error.
func asFetchError(op string, err error) error {
	var authErr *models.AuthenticationError
	var transportErr *models.TransportError
	if errors.As(err, &authErr) || errors.As(err, &transportErr) {
		return err
	}
	return &models.TransportError{Service: "source", Op: op, Err: err}
}
