package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"obfuscal/internal/models"
)

var errTransient = errors.New("503 backend error")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSource struct {
	calendars map[string][]models.SourceEvent
	listErr   error
	eventErr  map[string]error
	// unreadable is the number of unparsable objects yielded before the events.
	unreadable map[string]int
}

func (s *fakeSource) ListCalendars(context.Context) ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	names := make([]string, 0, len(s.calendars))
	for name := range s.calendars {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (s *fakeSource) ListEvents(_ context.Context, name string, _ time.Time) iter.Seq2[models.SourceEvent, error] {
	return func(yield func(models.SourceEvent, error) bool) {
		for i := range s.unreadable[name] {
			err := &models.UnreadableError{Calendar: name, Path: fmt.Sprintf("/%s/%d.ics", name, i), Err: errors.New("invalid DTSTART")}
			if !yield(models.SourceEvent{}, err) {
				return
			}
		}
		for _, ev := range s.calendars[name] {
			if !yield(ev, nil) {
				return
			}
		}
		if err := s.eventErr[name]; err != nil {
			yield(models.SourceEvent{}, err)
		}
	}
}

// fakeDestination is an in-memory calendar with Google-like range filtering.
type fakeDestination struct {
	mu     sync.Mutex
	events map[string]models.DestinationEvent
	nextID int

	listErr error
	// createFailures / deleteFailures make the next N calls for a uid / id fail.
	createFailures map[string]int
	deleteFailures map[string]int
	permanent      map[string]bool

	createCalls map[string]int
	deleteCalls map[string]int
	// writes records the order of create and delete calls.
	writes []string
}

func newFakeDestination() *fakeDestination {
	return &fakeDestination{
		events:         make(map[string]models.DestinationEvent),
		createFailures: make(map[string]int),
		deleteFailures: make(map[string]int),
		permanent:      make(map[string]bool),
		createCalls:    make(map[string]int),
		deleteCalls:    make(map[string]int),
	}
}

func (d *fakeDestination) seed(ev models.DestinationEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ev.ID == "" {
		d.nextID++
		ev.ID = fmt.Sprintf("seed-%d", d.nextID)
	}
	d.events[ev.ID] = ev
}

func (d *fakeDestination) ListEvents(_ context.Context, _ string, from, to time.Time) ([]models.DestinationEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listErr != nil {
		return nil, d.listErr
	}
	var out []models.DestinationEvent
	for _, ev := range d.events {
		if !from.IsZero() && !ev.End.After(from) {
			continue
		}
		if !to.IsZero() && !ev.Start.Before(to) {
			continue
		}
		out = append(out, ev)
	}
	slices.SortFunc(out, func(a, b models.DestinationEvent) int { return a.Start.Compare(b.Start) })
	return out, nil
}

func (d *fakeDestination) CreateEvent(_ context.Context, _ string, ev models.ObfuscatedEvent) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.createCalls[ev.SourceUID]++
	d.writes = append(d.writes, "create")
	if d.permanent[ev.SourceUID] {
		return "", fmt.Errorf("%w: 400 invalid", models.ErrPermanent)
	}
	if d.createFailures[ev.SourceUID] > 0 {
		d.createFailures[ev.SourceUID]--
		return "", errTransient
	}
	d.nextID++
	id := fmt.Sprintf("g-%d", d.nextID)
	d.events[id] = models.DestinationEvent{
		ID:          id,
		SourceUID:   ev.SourceUID,
		Start:       ev.Start,
		End:         ev.End,
		AllDay:      ev.AllDay,
		Title:       ev.Title,
		Description: ev.Description,
	}
	return id, nil
}

func (d *fakeDestination) DeleteEvent(_ context.Context, _ string, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleteCalls[id]++
	d.writes = append(d.writes, "delete")
	if d.deleteFailures[id] > 0 {
		d.deleteFailures[id]--
		return errTransient
	}
	if _, ok := d.events[id]; !ok {
		return models.ErrNotFound
	}
	delete(d.events, id)
	return nil
}

func (d *fakeDestination) bySourceUID() map[string][]models.DestinationEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string][]models.DestinationEvent)
	for _, ev := range d.events {
		out[ev.SourceUID] = append(out[ev.SourceUID], ev)
	}
	return out
}

func (d *fakeDestination) all() []models.DestinationEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.DestinationEvent, 0, len(d.events))
	for _, ev := range d.events {
		out = append(out, ev)
	}
	return out
}
