package icloud

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

const (
	dateFormat    = "20060102"
	localFormat   = "20060102T150405"
	utcFormat     = "20060102T150405Z"
	vtimezoneZone = "VTIMEZONE "
)

// observance is one STANDARD or DAYLIGHT block of a VTIMEZONE.
type observance struct {
	onset  time.Time // wall clock, stored as UTC
	offset int       // TZOFFSETTO in seconds
	rule   *rrule.RRule
	rdates []time.Time
}

// latestOnset returns the last time the observance took effect at or before wall.
func (o observance) latestOnset(wall time.Time) (time.Time, bool) {
	if wall.Before(o.onset) {
		return time.Time{}, false
	}
	latest := o.onset
	if o.rule != nil {
		if t := o.rule.Before(wall, true); !t.IsZero() && t.After(latest) {
			latest = t
		}
	}
	for _, rd := range o.rdates {
		if !rd.After(wall) && rd.After(latest) {
			latest = rd
		}
	}
	return latest, true
}

// vtimezone is a zone defined inline by the calendar object rather than by IANA name.
type vtimezone struct {
	tzid        string
	observances []observance
}

// offsetAt returns the UTC offset in effect at the given wall clock time.
// Before the first onset the earliest observance applies.
func (z *vtimezone) offsetAt(wall time.Time) int {
	var best time.Time
	offset, found := 0, false
	for _, o := range z.observances {
		onset, ok := o.latestOnset(wall)
		if ok && (!found || onset.After(best)) {
			best, offset, found = onset, o.offset, true
		}
	}
	if found {
		return offset
	}
	for i, o := range z.observances {
		if i == 0 || o.onset.Before(best) {
			best, offset = o.onset, o.offset
		}
	}
	return offset
}

func parseVTimezone(comp *ical.Component) (*vtimezone, error) {
	idProp := comp.Props.Get(ical.PropTimezoneID)
	if idProp == nil || idProp.Value == "" {
		return nil, fmt.Errorf("VTIMEZONE without TZID")
	}
	z := &vtimezone{tzid: idProp.Value}

	for _, child := range comp.Children {
		if child.Name != ical.CompTimezoneStandard && child.Name != ical.CompTimezoneDaylight {
			continue
		}
		o, err := parseObservance(child)
		if err != nil {
			return nil, fmt.Errorf("TZID %s: %w", z.tzid, err)
		}
		z.observances = append(z.observances, o)
	}
	if len(z.observances) == 0 {
		return nil, fmt.Errorf("TZID %s has no observances", z.tzid)
	}
	return z, nil
}

func parseObservance(comp *ical.Component) (observance, error) {
	var o observance

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return o, fmt.Errorf("%s without DTSTART", comp.Name)
	}
	onset, err := time.ParseInLocation(localFormat, startProp.Value, time.UTC)
	if err != nil {
		return o, fmt.Errorf("invalid %s DTSTART: %w", comp.Name, err)
	}
	o.onset = onset

	offsetProp := comp.Props.Get(ical.PropTimezoneOffsetTo)
	if offsetProp == nil {
		return o, fmt.Errorf("%s without TZOFFSETTO", comp.Name)
	}
	if o.offset, err = parseUTCOffset(offsetProp.Value); err != nil {
		return o, err
	}

	roption, err := comp.Props.RecurrenceRule()
	if err != nil {
		return o, err
	}
	if roption != nil {
		roption.Dtstart = onset
		if o.rule, err = rrule.NewRRule(*roption); err != nil {
			return o, fmt.Errorf("invalid %s RRULE: %w", comp.Name, err)
		}
	}

	for _, prop := range comp.Props.Values(ical.PropRecurrenceDates) {
		for _, v := range strings.Split(prop.Value, ",") {
			if rd, err := time.ParseInLocation(localFormat, v, time.UTC); err == nil {
				o.rdates = append(o.rdates, rd)
			}
		}
	}
	return o, nil
}

// parseUTCOffset parses "+hhmm" or "+hhmmss" into seconds east of UTC.
func parseUTCOffset(v string) (int, error) {
	if len(v) != 5 && len(v) != 7 {
		return 0, fmt.Errorf("invalid UTC offset %q", v)
	}
	sign := 1
	switch v[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return 0, fmt.Errorf("invalid UTC offset %q", v)
	}
	secs := 0
	for i, unit := range []int{3600, 60, 1} {
		if 1+2*i >= len(v) {
			break
		}
		n, err := strconv.Atoi(v[1+2*i : 3+2*i])
		if err != nil {
			return 0, fmt.Errorf("invalid UTC offset %q", v)
		}
		secs += n * unit
	}
	return sign * secs, nil
}

// zones resolves TZID parameters for one calendar object. IANA names load
// directly. Other names use the object's VTIMEZONE definitions, and anything
// left unresolved is read as floating time in the fallback location.
//
// Times in a VTIMEZONE-defined zone are first built in a placeholder location
// that holds the wall clock, so recurrence rules expand on local time. They
// become real instants in normalize.
type zones struct {
	fallback *time.Location
	defs     map[string]*vtimezone
	locs     map[string]*time.Location
	inline   map[*time.Location]*vtimezone
}

// newZones collects the VTIMEZONE definitions of cal. A definition that
// cannot be read is ignored and its TZID falls back to floating time.
func newZones(cal *ical.Calendar, fallback *time.Location) *zones {
	if fallback == nil {
		fallback = time.UTC
	}
	z := &zones{
		fallback: fallback,
		defs:     make(map[string]*vtimezone),
		locs:     make(map[string]*time.Location),
		inline:   make(map[*time.Location]*vtimezone),
	}
	for _, child := range cal.Children {
		if child.Name != ical.CompTimezone {
			continue
		}
		if def, err := parseVTimezone(child); err == nil {
			z.defs[def.tzid] = def
		}
	}
	return z
}

func (z *zones) location(tzid string) *time.Location {
	if loc, ok := z.locs[tzid]; ok {
		return loc
	}
	loc, err := time.LoadLocation(tzid)
	if err != nil {
		if def, ok := z.defs[tzid]; ok {
			loc = time.FixedZone(vtimezoneZone+tzid, 0)
			z.inline[loc] = def
		} else {
			loc = z.fallback
		}
	}
	z.locs[tzid] = loc
	return loc
}

// raw parses a DATE or DATE-TIME property without normalizing inline zones.
// Some producers omit VALUE=DATE on date-only values, so the raw value is
// checked as well.
func (z *zones) raw(prop *ical.Prop) (time.Time, bool, error) {
	v := prop.Value
	if prop.ValueType() == ical.ValueDate || (len(v) == len(dateFormat) && !strings.Contains(v, "T")) {
		t, err := time.ParseInLocation(dateFormat, v, z.fallback)
		return t, true, err
	}
	if strings.HasSuffix(v, "Z") {
		t, err := time.ParseInLocation(utcFormat, v, time.UTC)
		return t, false, err
	}
	loc := z.fallback
	if tzid := prop.Params.Get(ical.PropTimezoneID); tzid != "" {
		loc = z.location(tzid)
	}
	t, err := time.ParseInLocation(localFormat, v, loc)
	return t, false, err
}

// parse reads a DATE or DATE-TIME property as a real instant.
func (z *zones) parse(prop *ical.Prop) (time.Time, bool, error) {
	t, allDay, err := z.raw(prop)
	if err != nil {
		return t, allDay, err
	}
	return z.normalize(t), allDay, nil
}

// normalize turns a placeholder wall clock time into a UTC instant.
func (z *zones) normalize(t time.Time) time.Time {
	def, ok := z.inline[t.Location()]
	if !ok {
		return t
	}
	wall := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	return wall.Add(-time.Duration(def.offsetAt(wall)) * time.Second)
}
