package syncer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obfuscal/internal/models"
	"obfuscal/internal/obfuscate"
)

var testNow = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

func at(hours int) time.Time {
	return testNow.Add(time.Duration(hours) * time.Hour)
}

func newTestSyncer(t *testing.T, src Source, dest Destination, opts Options) *Syncer {
	t.Helper()
	if opts.CalendarID == "" {
		opts.CalendarID = "busy@group.calendar.google.com"
	}
	if opts.Publish.RetryInterval == 0 {
		opts.Publish.RetryInterval = time.Millisecond
	}
	s, err := NewSyncer(discardLogger(), src, dest, opts)
	require.NoError(t, err)
	s.now = func() time.Time { return testNow }
	return s
}

func TestSync_SkipsCalendarAndObfuscates(t *testing.T) {
	src := &fakeSource{calendars: map[string][]models.SourceEvent{
		"Personal": {{Calendar: "Personal", UID: "A", Start: at(24), End: at(25), Title: "Dentist", Description: "Dr. Who"}},
		"Work":     {{Calendar: "Work", UID: "B", Start: at(26), End: at(27), Title: "Standup"}},
	}}
	dest := newFakeDestination()
	s := newTestSyncer(t, src, dest, Options{
		Policies:    models.NewPolicyTable([]string{"Work"}, nil),
		Placeholder: obfuscate.Placeholder{Title: "Blocked", Description: "synced"},
	})

	report, err := s.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Fetched)
	assert.Equal(t, 1, report.SkippedCalendar)
	assert.Equal(t, 1, report.Created)
	assert.True(t, report.OK())
	assert.NotEmpty(t, report.RunID)

	got := dest.all()
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].SourceUID)
	assert.Equal(t, "Blocked", got[0].Title)
	assert.Equal(t, "synced", got[0].Description)
	assert.True(t, got[0].Start.Equal(at(24)))
	assert.True(t, got[0].End.Equal(at(25)))
}

func TestSync_SkippedAllDayCalendarKeepsOnlyTimedEvent(t *testing.T) {
	day := time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{calendars: map[string][]models.SourceEvent{
		"Work":     {{Calendar: "Work", UID: "A", Start: at(24), End: at(25), Title: "Review"}},
		"Personal": {{Calendar: "Personal", UID: "B", Start: day, End: day.AddDate(0, 0, 1), AllDay: true, Title: "Trip"}},
	}}
	dest := newFakeDestination()
	s := newTestSyncer(t, src, dest, Options{Policies: models.NewPolicyTable([]string{"Personal"}, nil)})

	report, err := s.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.SkippedByPolicy())
	got := dest.all()
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].SourceUID)
	assert.Equal(t, obfuscate.DefaultTitle, got[0].Title)
	assert.True(t, got[0].Start.Equal(at(24)))
	assert.True(t, got[0].End.Equal(at(25)))
}

func TestSync_DefaultPlaceholderTitle(t *testing.T) {
	src := &fakeSource{calendars: map[string][]models.SourceEvent{
		"Personal": {{Calendar: "Personal", UID: "A", Start: at(1), End: at(2), Title: "Secret"}},
	}}
	dest := newFakeDestination()
	s := newTestSyncer(t, src, dest, Options{})

	_, err := s.Sync(context.Background())
	require.NoError(t, err)

	got := dest.all()
	require.Len(t, got, 1)
	assert.Equal(t, obfuscate.DefaultTitle, got[0].Title)
	assert.Empty(t, got[0].Description)
}

func TestSync_AllDayPolicy(t *testing.T) {
	day := time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{calendars: map[string][]models.SourceEvent{
		"Holidays": {{Calendar: "Holidays", UID: "H", Start: day, End: day.AddDate(0, 0, 1), AllDay: true}},
		"Personal": {{Calendar: "Personal", UID: "P", Start: day, End: day.AddDate(0, 0, 1), AllDay: true}},
	}}
	dest := newFakeDestination()
	s := newTestSyncer(t, src, dest, Options{Policies: models.NewPolicyTable(nil, []string{"Holidays"})})

	report, err := s.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.SkippedAllDay)
	assert.Equal(t, 1, report.SkippedByPolicy())
	byUID := dest.bySourceUID()
	assert.Len(t, byUID["H"], 1)
	assert.Empty(t, byUID["P"])
	assert.True(t, byUID["H"][0].AllDay)
}

func TestSync_AllDayWithoutEndOnItsOwnDay(t *testing.T) {
	today := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{calendars: map[string][]models.SourceEvent{
		"Holidays": {{Calendar: "Holidays", UID: "H", Start: today, AllDay: true}},
	}}
	dest := newFakeDestination()
	dest.seed(models.DestinationEvent{ID: "h", SourceUID: "H", Start: today, End: today.AddDate(0, 0, 1), AllDay: true})
	s := newTestSyncer(t, src, dest, Options{Policies: models.NewPolicyTable(nil, []string{"Holidays"})})

	report, err := s.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Fetched)
	assert.Equal(t, 1, report.Unchanged)
	assert.Zero(t, report.Purged)
	assert.Zero(t, report.OrphansDeleted)
	assert.Zero(t, report.Created)
	assert.Len(t, dest.all(), 1)
	assert.Empty(t, dest.deleteCalls)
}

func TestSync_AllDayWithoutEndIsCreatedAsOneDay(t *testing.T) {
	day := time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{calendars: map[string][]models.SourceEvent{
		"Holidays": {{Calendar: "Holidays", UID: "H", Start: day, AllDay: true}},
	}}
	dest := newFakeDestination()
	s := newTestSyncer(t, src, dest, Options{
		Policies: models.NewPolicyTable(nil, []string{"Holidays"}),
		Publish:  PublishOptions{Reschedule: true},
	})

	report, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)

	got := dest.bySourceUID()["H"]
	require.Len(t, got, 1)
	assert.True(t, got[0].End.Equal(day.AddDate(0, 0, 1)))

	// A later run sees the same slot and leaves it alone.
	report, err = s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unchanged)
	assert.Zero(t, report.Rescheduled)
	assert.Zero(t, report.Created)
	assert.Empty(t, dest.deleteCalls)
}

func TestSync_AllDayKeptUntilLocalMidnight(t *testing.T) {
	la, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skip("tzdata not available")
	}
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, la)
	src := &fakeSource{calendars: map[string][]models.SourceEvent{
		"Holidays": {{Calendar: "Holidays", UID: "H", Start: day, End: day.AddDate(0, 0, 1), AllDay: true}},
	}}
	dest := newFakeDestination()
	s := newTestSyncer(t, src, dest, Options{Policies: models.NewPolicyTable(nil, []string{"Holidays"})})

	// 18:00 in Los Angeles is already the next day in UTC.
	s.now = func() time.Time { return time.Date(2025, 6, 2, 18, 0, 0, 0, la) }
	report, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)

	report, err = s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unchanged)
	assert.Zero(t, report.Purged)
	assert.Zero(t, report.Created)

	s.now = func() time.Time { return day.AddDate(0, 0, 1) }
	report, err = s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Purged)
	assert.Zero(t, report.Fetched)
	assert.Empty(t, dest.all())
}

func TestSync_LogsSkipDecisions(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	src := &fakeSource{calendars: map[string][]models.SourceEvent{
		"Work": {{Calendar: "Work", UID: "B", Start: at(26), End: at(27)}},
	}}
	s, err := NewSyncer(logger, src, newFakeDestination(), Options{
		CalendarID: "busy",
		Policies:   models.NewPolicyTable([]string{"Work"}, nil),
	})
	require.NoError(t, err)
	s.now = func() time.Time { return testNow }

	_, err = s.Sync(context.Background())
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "decision=skip_calendar")
	assert.Contains(t, buf.String(), "uid=B")
}

func TestSync_ReportsUnreadableObjects(t *testing.T) {
	src := &fakeSource{
		calendars:  map[string][]models.SourceEvent{"Personal": {{Calendar: "Personal", UID: "A", Start: at(1), End: at(2)}}},
		unreadable: map[string]int{"Personal": 2},
	}
	dest := newFakeDestination()
	s := newTestSyncer(t, src, dest, Options{})

	report, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Unreadable)
	assert.Equal(t, 1, report.Created)
	assert.True(t, report.OK())
}

func TestSync_PurgesPastAndCreatesUpcoming(t *testing.T) {
	src := &fakeSource{calendars: map[string][]models.SourceEvent{
		"Personal": {
			{Calendar: "Personal", UID: "C", Start: at(-5), End: at(-4)},
			{Calendar: "Personal", UID: "D", Start: at(48), End: at(49)},
		},
	}}
	dest := newFakeDestination()
	dest.seed(models.DestinationEvent{ID: "old-c", SourceUID: "C", Start: at(-5), End: at(-4)})

	s := newTestSyncer(t, src, dest, Options{})
	report, err := s.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Fetched)
	assert.Equal(t, 1, report.Purged)
	assert.Equal(t, 1, report.Created)

	byUID := dest.bySourceUID()
	assert.Empty(t, byUID["C"])
	assert.Len(t, byUID["D"], 1)
}

func TestSync_PurgeBoundaries(t *testing.T) {
	dest := newFakeDestination()
	dest.seed(models.DestinationEvent{ID: "ended-now", SourceUID: "X", Start: at(-1), End: testNow})
	dest.seed(models.DestinationEvent{ID: "foreign-past", Start: at(-3), End: at(-2)})
	dest.seed(models.DestinationEvent{ID: "running", SourceUID: "R", Start: at(-1), End: at(1)})
	dest.seed(models.DestinationEvent{ID: "foreign-future", Start: at(3), End: at(4)})

	src := &fakeSource{calendars: map[string][]models.SourceEvent{
		"Personal": {{Calendar: "Personal", UID: "R", Start: at(-1), End: at(1)}},
	}}
	s := newTestSyncer(t, src, dest, Options{})
	report, err := s.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Purged)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 1, report.Unchanged)
	assert.Equal(t, 0, report.OrphansDeleted)

	ids := make([]string, 0)
	for _, ev := range dest.all() {
		ids = append(ids, ev.ID)
	}
	assert.ElementsMatch(t, []string{"running", "foreign-future"}, ids)
}

func TestSync_RetriesTransientCreateFailures(t *testing.T) {
	src := &fakeSource{calendars: map[string][]models.SourceEvent{
		"Personal": {{Calendar: "Personal", UID: "E", Start: at(2), End: at(3)}},
	}}
	dest := newFakeDestination()
	dest.createFailures["E"] = 2

	s := newTestSyncer(t, src, dest, Options{})
	report, err := s.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 3, dest.createCalls["E"])
	assert.Len(t, dest.bySourceUID()["E"], 1)
}

func TestSync_GivesUpAfterMaxAttempts(t *testing.T) {
	src := &fakeSource{calendars: map[string][]models.SourceEvent{
		"Personal": {
			{Calendar: "Personal", UID: "E", Start: at(2), End: at(3)},
			{Calendar: "Personal", UID: "F", Start: at(4), End: at(5)},
		},
	}}
	dest := newFakeDestination()
	dest.createFailures["E"] = 10

	s := newTestSyncer(t, src, dest, Options{Publish: PublishOptions{MaxAttempts: 3}})
	report, err := s.Sync(context.Background())
	require.NoError(t, err, "write failures must not abort the run")

	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Failed)
	assert.False(t, report.OK())
	assert.Equal(t, 3, dest.createCalls["E"])

	var writeErr *models.WriteError
	require.ErrorAs(t, report.Failures[0], &writeErr)
	assert.Equal(t, "create", writeErr.Op)
	assert.Equal(t, "E", writeErr.SourceUID)
}

func TestSync_PermanentErrorIsNotRetried(t *testing.T) {
	src := &fakeSource{calendars: map[string][]models.SourceEvent{
		"Personal": {{Calendar: "Personal", UID: "P", Start: at(2), End: at(3)}},
	}}
	dest := newFakeDestination()
	dest.permanent["P"] = true

	s := newTestSyncer(t, src, dest, Options{})
	report, err := s.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, dest.createCalls["P"])
	assert.ErrorIs(t, report.Failures[0], models.ErrPermanent)
}

func TestSync_IsIdempotent(t *testing.T) {
	src := &fakeSource{calendars: map[string][]models.SourceEvent{
		"Personal": {
			{Calendar: "Personal", UID: "A", Start: at(2), End: at(3)},
			{Calendar: "Personal", UID: "B", Start: at(30), End: at(31)},
		},
	}}
	dest := newFakeDestination()
	s := newTestSyncer(t, src, dest, Options{})

	first, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Created)

	second, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 2, second.Unchanged)
	assert.Equal(t, 0, second.Purged)
	assert.Len(t, dest.all(), 2)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestSync_FetchErrorAbortsBeforeAnyWrite(t *testing.T) {
	tests := []struct {
		name string
		src  *fakeSource
	}{
		{
			name: "authentication",
			src: &fakeSource{listErr: &models.AuthenticationError{Service: "icloud", Err: errors.New("401")}},
		},
		{
			name: "mid-calendar failure",
			src: &fakeSource{
				calendars: map[string][]models.SourceEvent{
					"Personal": {{Calendar: "Personal", UID: "A", Start: at(2), End: at(3)}},
				},
				eventErr: map[string]error{"Personal": errors.New("connection reset")},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := newFakeDestination()
			dest.seed(models.DestinationEvent{ID: "old", SourceUID: "Z", Start: at(-3), End: at(-2)})
			dest.seed(models.DestinationEvent{ID: "future", SourceUID: "Y", Start: at(3), End: at(4)})

			s := newTestSyncer(t, tt.src, dest, Options{})
			report, err := s.Sync(context.Background())
			require.Error(t, err)

			assert.Equal(t, err, report.Err)
			assert.False(t, report.OK())
			assert.Empty(t, dest.writes)
			assert.Len(t, dest.all(), 2)
		})
	}
}

func TestSync_FetchErrorKeepsType(t *testing.T) {
	src := &fakeSource{listErr: &models.AuthenticationError{Service: "icloud", Err: errors.New("401")}}
	s := newTestSyncer(t, src, newFakeDestination(), Options{})

	_, err := s.Sync(context.Background())

	var authErr *models.AuthenticationError
	assert.ErrorAs(t, err, &authErr)
}

func TestSync_ListingErrorAborts(t *testing.T) {
	src := &fakeSource{calendars: map[string][]models.SourceEvent{
		"Personal": {{Calendar: "Personal", UID: "A", Start: at(2), End: at(3)}},
	}}
	dest := newFakeDestination()
	dest.listErr = &models.TransportError{Service: "google", Op: "list events", Err: errors.New("timeout")}

	s := newTestSyncer(t, src, dest, Options{})
	report, err := s.Sync(context.Background())
	require.Error(t, err)

	var transportErr *models.TransportError
	assert.ErrorAs(t, err, &transportErr)
	assert.Equal(t, 0, report.Created)
	assert.Empty(t, dest.writes)
}

func TestSync_SourceUIDsAreDeduplicated(t *testing.T) {
	src := &fakeSource{calendars: map[string][]models.SourceEvent{
		"Family":   {{Calendar: "Family", UID: "shared", Start: at(5), End: at(6)}},
		"Personal": {{Calendar: "Personal", UID: "shared", Start: at(5), End: at(6)}},
	}}
	dest := newFakeDestination()
	s := newTestSyncer(t, src, dest, Options{})

	report, err := s.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.SkippedDupUID)
	assert.Equal(t, 1, report.Created)
	assert.Len(t, dest.bySourceUID()["shared"], 1)
}

func TestSync_DryRunWritesNothing(t *testing.T) {
	src := &fakeSource{calendars: map[string][]models.SourceEvent{
		"Personal": {{Calendar: "Personal", UID: "A", Start: at(2), End: at(3)}},
	}}
	dest := newFakeDestination()
	dest.seed(models.DestinationEvent{ID: "old", SourceUID: "Z", Start: at(-3), End: at(-2)})
	dest.seed(models.DestinationEvent{ID: "orphan", SourceUID: "gone", Start: at(3), End: at(4)})

	s := newTestSyncer(t, src, dest, Options{Publish: PublishOptions{DryRun: true}})
	report, err := s.Sync(context.Background())
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Purged)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.OrphansDeleted)
	assert.Empty(t, dest.writes)
	assert.Len(t, dest.all(), 2)
}

func TestNewSyncer_Validation(t *testing.T) {
	src := &fakeSource{}
	dest := newFakeDestination()

	_, err := NewSyncer(discardLogger(), src, dest, Options{})
	assert.Error(t, err)

	_, err = NewSyncer(discardLogger(), nil, dest, Options{CalendarID: "c"})
	assert.Error(t, err)

	_, err = NewSyncer(discardLogger(), src, dest, Options{
		CalendarID: "c",
		Publish:    PublishOptions{OrphanPolicy: "archive"},
	})
	assert.Error(t, err)

	s, err := NewSyncer(discardLogger(), src, dest, Options{CalendarID: "c"})
	require.NoError(t, err)
	assert.Equal(t, OrphanDelete, s.opts.Publish.OrphanPolicy)
}

func TestReport_LogValue(t *testing.T) {
	r := Report{RunID: "abc", Created: 2, Failed: 1, Unreadable: 3, DryRun: true, Err: errors.New("boom")}

	attrs := map[string]string{}
	for _, a := range r.LogValue().Group() {
		attrs[a.Key] = a.Value.String()
	}

	assert.Equal(t, "abc", attrs["run_id"])
	assert.Equal(t, "2", attrs["created"])
	assert.Equal(t, "1", attrs["failed"])
	assert.Equal(t, "3", attrs["unreadable"])
	assert.Equal(t, "true", attrs["dry_run"])
	assert.Equal(t, "boom", attrs["error"])
	assert.NotContains(t, attrs, "rescheduled")
	assert.False(t, r.OK())
	assert.True(t, Report{}.OK())
}
