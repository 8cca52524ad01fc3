package icloud

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"obfuscal/internal/models"
)

// maxInstancesPerEvent caps expansion of a single recurring event.
const maxInstancesPerEvent = 5000

// parseObject turns one calendar object resource into source events inside
// the window. A resource holds either one plain VEVENT or a recurring master
// with its RECURRENCE-ID overrides, all sharing the same UID.
func parseObject(cal *ical.Calendar, calendarName string, w window) ([]models.SourceEvent, error) {
	events := cal.Events()
	z := newZones(cal, w.loc)

	var masters []vevent
	overrides := make(map[string]map[string]vevent) // uid -> instance key -> override

	for i := range events {
		v, err := parseVEvent(&events[i], calendarName, z)
		if err != nil {
			return nil, err
		}
		if v.recurrenceID == nil {
			masters = append(masters, v)
			continue
		}
		if overrides[v.uid] == nil {
			overrides[v.uid] = make(map[string]vevent)
		}
		overrides[v.uid][instanceKey(*v.recurrenceID, v.allDay)] = v
	}

	var out []models.SourceEvent
	for _, m := range masters {
		expanded, err := expand(m, overrides[m.uid], calendarName, w, z)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded...)
		delete(overrides, m.uid)
	}

	// Overrides without their master in this resource still name a single
	// instance and are kept on their own.
	for uid, byKey := range overrides {
		for key, o := range byKey {
			if o.status == statusCancelled || !w.contains(o.start, o.end) {
				continue
			}
			out = append(out, o.toSource(calendarName, uid+"_"+key, o.start, o.end))
		}
	}

	return out, nil
}

// expand returns the instances of a master event inside the window,
// replacing instances that have an override.
func expand(m vevent, overrides map[string]vevent, calendarName string, w window, z *zones) ([]models.SourceEvent, error) {
	set, err := recurrenceSet(m, z)
	if err != nil {
		return nil, fmt.Errorf("invalid recurrence for %s: %w", m.uid, err)
	}

	if set == nil {
		if m.status == statusCancelled || !w.contains(m.start, m.end) {
			return nil, nil
		}
		return []models.SourceEvent{m.toSource(calendarName, m.uid, m.start, m.end)}, nil
	}

	var duration time.Duration
	days := 0
	if !m.end.IsZero() && m.end.After(m.start) {
		duration = m.end.Sub(m.start)
		days = int(duration.Round(24*time.Hour) / (24 * time.Hour))
	}

	// Instances that started before the window but are still running count
	// too. The set runs on wall clock time, so a day of slack on each side
	// covers any zone offset; contains does the exact check.
	starts := set.Between(w.from.Add(-duration-24*time.Hour), w.until.Add(24*time.Hour), true)
	if len(starts) > maxInstancesPerEvent {
		starts = starts[:maxInstancesPerEvent]
	}

	var out []models.SourceEvent
	for _, raw := range starts {
		start := z.normalize(raw)
		key := instanceKey(start, m.allDay)
		uid := m.uid + "_" + key

		if o, ok := overrides[key]; ok {
			if o.status != statusCancelled && w.contains(o.start, o.end) {
				out = append(out, o.toSource(calendarName, uid, o.start, o.end))
			}
			delete(overrides, key)
			continue
		}
		if m.status == statusCancelled {
			continue
		}

		var end time.Time
		switch {
		case m.end.IsZero():
		case m.allDay:
			end = start.AddDate(0, 0, days)
		default:
			end = start.Add(duration)
		}
		if !w.contains(start, end) {
			continue
		}
		out = append(out, m.toSource(calendarName, uid, start, end))
	}

	// Overrides that moved an instance from outside the window into it.
	for key, o := range overrides {
		if o.status == statusCancelled || !w.contains(o.start, o.end) {
			continue
		}
		out = append(out, o.toSource(calendarName, m.uid+"_"+key, o.start, o.end))
	}

	return out, nil
}

// recurrenceSet builds the RRULE, RDATE and EXDATE set of a master event in
// its own zone. It returns nil for events that do not recur.
func recurrenceSet(m vevent, z *zones) (*rrule.Set, error) {
	roption, err := m.ev.Props.RecurrenceRule()
	if err != nil {
		return nil, err
	}
	rdates := m.ev.Props.Values(ical.PropRecurrenceDates)
	if roption == nil && len(rdates) == 0 {
		return nil, nil
	}

	set := &rrule.Set{}
	set.DTStart(m.rawStart)
	if roption != nil {
		roption.Dtstart = m.rawStart
		rule, err := rrule.NewRRule(*roption)
		if err != nil {
			return nil, err
		}
		set.RRule(rule)
	} else {
		set.RDate(m.rawStart)
	}

	for _, t := range listDates(rdates, z) {
		set.RDate(t)
	}
	for _, t := range listDates(m.ev.Props.Values(ical.PropExceptionDates), z) {
		set.ExDate(t)
	}
	return set, nil
}

// listDates reads RDATE or EXDATE properties, which may hold comma separated
// values. Unreadable values, such as RDATE periods, are skipped.
func listDates(props []ical.Prop, z *zones) []time.Time {
	var out []time.Time
	for _, prop := range props {
		for _, v := range strings.Split(prop.Value, ",") {
			single := ical.Prop{Name: prop.Name, Params: prop.Params, Value: v}
			if t, _, err := z.raw(&single); err == nil {
				out = append(out, t)
			}
		}
	}
	return out
}
