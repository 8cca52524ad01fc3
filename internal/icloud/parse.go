package icloud

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"obfuscal/internal/models"
)

const statusCancelled = "CANCELLED"

// window is the time range events must overlap to be returned.
type window struct {
	from  time.Time
	until time.Time
	loc   *time.Location // floating times and dates are read here
}

// contains reports whether [start, end) is still running at from and starts
// before until. A zero-length event counts if it starts at or after from.
func (w window) contains(start, end time.Time) bool {
	if !start.Before(w.until) {
		return false
	}
	if end.IsZero() || !end.After(start) {
		return !start.Before(w.from)
	}
	return end.After(w.from)
}

// vevent is the subset of a VEVENT needed to build source events.
type vevent struct {
	uid          string
	summary      string
	description  string
	status       string
	start        time.Time
	end          time.Time
	allDay       bool
	recurrenceID *time.Time
	ev           *ical.Event

	// rawStart is DTSTART before inline zones are normalized. Recurrence
	// rules expand from it.
	rawStart time.Time
}

func parseVEvent(ev *ical.Event, calendarName string, z *zones) (vevent, error) {
	out := vevent{ev: ev}

	startProp := ev.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return out, errors.New("missing DTSTART")
	}
	rawStart, allDay, err := z.raw(startProp)
	if err != nil {
		return out, fmt.Errorf("invalid DTSTART: %w", err)
	}
	out.rawStart = rawStart
	out.start = z.normalize(rawStart)
	out.allDay = allDay

	if endProp := ev.Props.Get(ical.PropDateTimeEnd); endProp != nil {
		// A malformed DTEND is left zero and becomes a zero-length event downstream.
		if end, _, err := z.parse(endProp); err == nil {
			out.end = end
		}
	} else if durProp := ev.Props.Get(ical.PropDuration); durProp != nil {
		if dur, err := durProp.Duration(); err == nil {
			out.end = out.start.Add(dur)
		}
	}
	// A date-only event without a usable end lasts one day (RFC 5545 3.6.1).
	if allDay && !out.end.After(out.start) {
		out.end = out.start.AddDate(0, 0, 1)
	}

	out.summary = propText(ev, ical.PropSummary)
	out.description = propText(ev, ical.PropDescription)
	out.status = strings.ToUpper(propText(ev, ical.PropStatus))

	if ridProp := ev.Props.Get(ical.PropRecurrenceID); ridProp != nil {
		rid, _, err := z.parse(ridProp)
		if err != nil {
			return out, fmt.Errorf("invalid RECURRENCE-ID: %w", err)
		}
		out.recurrenceID = &rid
	}

	out.uid = propText(ev, ical.PropUID)
	if out.uid == "" {
		out.uid = fallbackUID(calendarName, startProp.Value, out.summary)
	}

	return out, nil
}

func propText(ev *ical.Event, name string) string {
	prop := ev.Props.Get(name)
	if prop == nil {
		return ""
	}
	text, err := prop.Text()
	if err != nil {
		return prop.Value
	}
	return text
}

// fallbackUID derives a stable identifier for events without a UID so that
// repeated runs match the same destination copy.
func fallbackUID(calendarName, rawStart, summary string) string {
	key := calendarName + "|" + rawStart + "|" + summary
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// instanceKey formats a recurrence instance start the way RECURRENCE-ID does.
func instanceKey(t time.Time, allDay bool) string {
	if allDay {
		return t.Format(dateFormat)
	}
	return t.UTC().Format(utcFormat)
}

func (v vevent) toSource(calendarName, uid string, start, end time.Time) models.SourceEvent {
	return models.SourceEvent{
		Calendar:    calendarName,
		UID:         uid,
		Start:       start,
		End:         end,
		AllDay:      v.allDay,
		Title:       v.summary,
		Description: v.description,
	}
}
