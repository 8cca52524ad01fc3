package syncer

import (
	"log/slog"
	"time"
)

// Report summarizes one sync run.
type Report struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	DryRun    bool

	Fetched         int // source events still running or upcoming
	SkippedCalendar int // dropped because the calendar is skipped
	SkippedAllDay   int // dropped because all-day events are not allowed
	SkippedDupUID   int // dropped because the source uid was already seen
	Unreadable      int // source objects that could not be parsed

	Purged         int // past destination events deleted
	Created        int
	Unchanged      int // already present, left alone
	Rescheduled    int
	Duplicates     int // extra copies of one source uid deleted
	OrphansDeleted int
	OrphansLeft    int

	Failed   int
	Failures []error

	// Err is the fatal error that aborted the run, if any.
	Err error
}

// SkippedByPolicy counts source events the calendar policies kept off the destination.
func (r Report) SkippedByPolicy() int {
	return r.SkippedCalendar + r.SkippedAllDay
}

// OK reports whether the run completed without a fatal error or failed writes.
func (r Report) OK() bool {
	return r.Err == nil && r.Failed == 0
}

func (r *Report) addFailure(err error) {
	r.Failed++
	r.Failures = append(r.Failures, err)
}

// LogValue implements slog.LogValuer.
func (r Report) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("run_id", r.RunID),
		slog.Int("fetched", r.Fetched),
		slog.Int("purged", r.Purged),
		slog.Int("created", r.Created),
		slog.Int("unchanged", r.Unchanged),
		slog.Int("skipped_by_policy", r.SkippedByPolicy()),
		slog.Int("failed", r.Failed),
		slog.Duration("duration", r.Duration),
	}
	if r.Unreadable > 0 {
		attrs = append(attrs, slog.Int("unreadable", r.Unreadable))
	}
	if r.Rescheduled > 0 {
		attrs = append(attrs, slog.Int("rescheduled", r.Rescheduled))
	}
	if r.Duplicates > 0 {
		attrs = append(attrs, slog.Int("duplicates", r.Duplicates))
	}
	if r.OrphansDeleted > 0 || r.OrphansLeft > 0 {
		attrs = append(attrs, slog.Int("orphans_deleted", r.OrphansDeleted), slog.Int("orphans_left", r.OrphansLeft))
	}
	if r.DryRun {
		attrs = append(attrs, slog.Bool("dry_run", true))
	}
	if r.Err != nil {
		attrs = append(attrs, slog.String("error", r.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}
