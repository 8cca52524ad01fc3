package models

import "time"

// SourceEvent is an event as read from a source calendar.
// It is rebuilt on every run and never modified after fetch.
type SourceEvent struct {
	Calendar    string    // Name of the source calendar
	UID         string    // Stable identifier, unique per recurrence instance
	Start       time.Time // Start, in the timezone reported by the source
	End         time.Time // End; zero when the source event has none
	AllDay      bool      // True for date-only events
	Title       string    // Summary; never copied to the destination
	Description string    // Description; never copied to the destination
}

// EffectiveEnd returns the end the event occupies. All-day events last at
// least one day. Timed events without a usable end are zero-length.
func (e SourceEvent) EffectiveEnd() time.Time {
	if e.AllDay {
		if !e.End.After(e.Start) {
			return e.Start.AddDate(0, 0, 1)
		}
		return e.End
	}
	if e.End.IsZero() || e.End.Before(e.Start) {
		return e.Start
	}
	return e.End
}

// ObfuscatedEvent is the destination-agnostic, placeholder copy of a SourceEvent.
type ObfuscatedEvent struct {
	SourceUID   string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Title       string
	Description string
}

// SameTiming reports whether the destination event occupies the same slot.
func (e ObfuscatedEvent) SameTiming(d DestinationEvent) bool {
	if e.AllDay != d.AllDay {
		return false
	}
	if e.AllDay {
		return sameDate(e.Start, d.Start) && sameDate(e.End, d.End)
	}
	return e.Start.Equal(d.Start) && e.End.Equal(d.End)
}

// DestinationEvent is an event already present in the destination calendar.
// SourceUID is empty for events the sync did not create.
type DestinationEvent struct {
	ID          string
	SourceUID   string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Title       string
	Description string
}

// IsPast reports whether the event has fully ended at now.
func (d DestinationEvent) IsPast(now time.Time) bool {
	end := d.End
	if end.IsZero() {
		end = d.Start
	}
	return !end.After(now)
}

func sameDate(a, b time.Time) bool {
	return a.Format(time.DateOnly) == b.Format(time.DateOnly)
}
