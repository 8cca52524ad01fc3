package icloud

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exchangeZone is the VTIMEZONE Outlook and Exchange attach to invites.
const exchangeZone = `
BEGIN:VTIMEZONE
TZID:W. Europe Standard Time
BEGIN:STANDARD
DTSTART:16010101T030000
TZOFFSETFROM:+0200
TZOFFSETTO:+0100
RRULE:FREQ=YEARLY;INTERVAL=1;BYDAY=-1SU;BYMONTH=10
END:STANDARD
BEGIN:DAYLIGHT
DTSTART:16010101T020000
TZOFFSETFROM:+0100
TZOFFSETTO:+0200
RRULE:FREQ=YEARLY;INTERVAL=1;BYDAY=-1SU;BYMONTH=3
END:DAYLIGHT
END:VTIMEZONE`

func TestParseUTCOffset(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "+0100", want: 3600},
		{in: "-0530", want: -(5*3600 + 30*60)},
		{in: "+023015", want: 2*3600 + 30*60 + 15},
		{in: "0100", wantErr: true},
		{in: "+01", wantErr: true},
		{in: "+0a00", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseUTCOffset(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVTimezone_OffsetAt(t *testing.T) {
	cal := decodeCalendar(t, `
BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN`+exchangeZone+`
END:VCALENDAR`)
	z := newZones(cal, time.UTC)
	def, ok := z.defs["W. Europe Standard Time"]
	require.True(t, ok)

	wall := func(month time.Month, day, hour int) time.Time {
		return time.Date(2026, month, day, hour, 0, 0, 0, time.UTC)
	}
	assert.Equal(t, 3600, def.offsetAt(wall(1, 15, 12)))
	assert.Equal(t, 7200, def.offsetAt(wall(3, 29, 3)))
	assert.Equal(t, 7200, def.offsetAt(wall(10, 22, 9)))
	assert.Equal(t, 3600, def.offsetAt(wall(10, 25, 4)))
	assert.Equal(t, 3600, def.offsetAt(wall(12, 1, 9)))
}

func TestParseObject_InlineTimezone(t *testing.T) {
	cal := decodeCalendar(t, `
BEGIN:VCALENDAR
VERSION:2.0
PRODID:Microsoft Exchange Server 2010`+exchangeZone+`
BEGIN:VEVENT
UID:exchange-1
DTSTAMP:20261001T000000Z
DTSTART;TZID=W. Europe Standard Time:20261022T090000
DTEND;TZID=W. Europe Standard Time:20261022T100000
SUMMARY:Vendor call
END:VEVENT
END:VCALENDAR`)

	events, err := parseObject(cal, "Work", testWindow())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Start.Equal(time.Date(2026, 10, 22, 7, 0, 0, 0, time.UTC)), events[0].Start)
	assert.True(t, events[0].End.Equal(time.Date(2026, 10, 22, 8, 0, 0, 0, time.UTC)), events[0].End)
	assert.Equal(t, time.UTC, events[0].Start.Location())
}

func TestParseObject_InlineTimezoneRecurringAcrossDST(t *testing.T) {
	cal := decodeCalendar(t, `
BEGIN:VCALENDAR
VERSION:2.0
PRODID:Microsoft Exchange Server 2010`+exchangeZone+`
BEGIN:VEVENT
UID:weekly
DTSTAMP:20261001T000000Z
DTSTART;TZID=W. Europe Standard Time:20261022T090000
DTEND;TZID=W. Europe Standard Time:20261022T093000
RRULE:FREQ=WEEKLY;COUNT=3
EXDATE;TZID=W. Europe Standard Time:20261105T090000
END:VEVENT
END:VCALENDAR`)

	events, err := parseObject(cal, "Work", testWindow())
	require.NoError(t, err)

	got := byUID(events)
	require.Len(t, got, 2, "instances: %v", events)

	// 09:00 local is 07:00 UTC in summer time and 08:00 UTC after 25 October.
	summer, ok := got["weekly_20261022T070000Z"]
	require.True(t, ok)
	assert.True(t, summer.End.Equal(time.Date(2026, 10, 22, 7, 30, 0, 0, time.UTC)))

	winter, ok := got["weekly_20261029T080000Z"]
	require.True(t, ok)
	assert.True(t, winter.Start.Equal(time.Date(2026, 10, 29, 8, 0, 0, 0, time.UTC)))
}

func TestParseObject_UnknownTimezoneFallsBackToSourceZone(t *testing.T) {
	cal := decodeCalendar(t, `
BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:nowhere
DTSTAMP:20261001T000000Z
DTSTART;TZID=Customized Time Zone:20261022T090000
DTEND;TZID=Customized Time Zone:20261022T100000
END:VEVENT
END:VCALENDAR`)

	events, err := parseObject(cal, "Work", testWindow())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Start.Equal(time.Date(2026, 10, 22, 9, 0, 0, 0, time.UTC)))
}

func TestParseObject_IANATimezone(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("tzdata not available")
	}
	cal := decodeCalendar(t, `
BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Apple Inc.//macOS 15.0//EN
BEGIN:VEVENT
UID:berlin
DTSTAMP:20261001T000000Z
DTSTART;TZID=Europe/Berlin:20261022T090000
DTEND;TZID=Europe/Berlin:20261022T100000
END:VEVENT
END:VCALENDAR`)

	events, err := parseObject(cal, "Work", testWindow())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Start.Equal(time.Date(2026, 10, 22, 9, 0, 0, 0, berlin)))
	assert.Equal(t, "Europe/Berlin", events[0].Start.Location().String())
}

