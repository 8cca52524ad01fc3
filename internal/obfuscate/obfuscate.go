// Package obfuscate turns source events into placeholder copies according to
// per-calendar policy.
package obfuscate

import "obfuscal/internal/models"

// DefaultTitle is used when no placeholder title is configured.
const DefaultTitle = "Busy"

// Decision tells what the transformer did with a source event.
type Decision int

const (
	// Forward means the event produced an ObfuscatedEvent.
	Forward Decision = iota
	// SkipCalendar means the event's calendar is in the skip list.
	SkipCalendar
	// SkipAllDay means the event is all-day and its calendar does not allow that.
	SkipAllDay
)

func (d Decision) String() string {
	switch d {
	case Forward:
		return "forward"
	case SkipCalendar:
		return "skip_calendar"
	case SkipAllDay:
		return "skip_all_day"
	default:
		return "unknown"
	}
}

// Placeholder holds the text written in place of the real title and description.
// An empty Description is omitted on the destination.
type Placeholder struct {
	Title       string
	Description string
}

// Transform maps a source event to its obfuscated copy. The returned event is
// only meaningful when the decision is Forward.
func Transform(ev models.SourceEvent, policies models.PolicyTable, ph Placeholder) (models.ObfuscatedEvent, Decision) {
	policy := policies.Lookup(ev.Calendar)
	if policy.Skip {
		return models.ObfuscatedEvent{}, SkipCalendar
	}
	if ev.AllDay && !policy.AllowFullDay {
		return models.ObfuscatedEvent{}, SkipAllDay
	}

	title := ph.Title
	if title == "" {
		title = DefaultTitle
	}

	return models.ObfuscatedEvent{
		SourceUID:   ev.UID,
		Start:       ev.Start,
		End:         ev.EffectiveEnd(),
		AllDay:      ev.AllDay,
		Title:       title,
		Description: ph.Description,
	}, Forward
}
