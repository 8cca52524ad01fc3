package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"obfuscal/internal/models"
)

const (
	// SourceUIDProperty is the private extended property holding the source event uid.
	SourceUIDProperty = "icloud_uid"

	serviceName = "google"
	dateLayout  = "2006-01-02"
	pageSize    = 2500
)

// CalendarClient provides a client for interacting with the Google Calendar API.
type CalendarClient struct {
	service  *calendar.Service
	logger   *slog.Logger
	location *time.Location // all-day dates are read in this zone
}

// NewClient creates a new Google Calendar client from a saved OAuth token.
// loc must be the zone the source reads dates in, so that all-day events
// start and end at the same instants on both sides.
func NewClient(ctx context.Context, logger *slog.Logger, loc *time.Location, clientID, clientSecret, tokenFile string) (*CalendarClient, error) {
	config, err := getOAuthConfig(clientID, clientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth config: %w", err)
	}

	token, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("could not load token from %s: %w. Please run the 'auth' command first", tokenFile, err)
	}

	client := config.Client(ctx, token)
	return NewClientWithOptions(ctx, logger, loc, option.WithHTTPClient(client))
}

// NewClientWithOptions creates a client from explicit API options.
func NewClientWithOptions(ctx context.Context, logger *slog.Logger, loc *time.Location, opts ...option.ClientOption) (*CalendarClient, error) {
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	if loc == nil {
		loc = time.Local
	}
	return &CalendarClient{service: service, logger: logger, location: loc}, nil
}

// ListEvents returns every event of the calendar overlapping [from, to).
// A zero bound leaves that side open. Recurring events are returned as instances.
func (c *CalendarClient) ListEvents(ctx context.Context, calendarID string, from, to time.Time) ([]models.DestinationEvent, error) {
	call := c.service.Events.List(calendarID).
		ShowDeleted(false).
		SingleEvents(true).
		MaxResults(pageSize)
	if !from.IsZero() {
		call = call.TimeMin(from.Format(time.RFC3339))
	}
	if !to.IsZero() {
		call = call.TimeMax(to.Format(time.RFC3339))
	}

	var events []models.DestinationEvent
	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			ev, ok := fromGoogleEvent(item, c.location)
			if !ok {
				c.logger.Debug("Skipping destination event without usable timing", "id", item.Id)
				continue
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, classifyReadError("list events", err)
	}

	c.logger.Debug("Listed destination events", "calendarID", calendarID, "count", len(events))
	return events, nil
}

// CreateEvent inserts an obfuscated event and returns its destination id.
func (c *CalendarClient) CreateEvent(ctx context.Context, calendarID string, ev models.ObfuscatedEvent) (string, error) {
	created, err := c.service.Events.Insert(calendarID, toEventBody(ev)).Context(ctx).Do()
	if err != nil {
		return "", classifyWriteError(err)
	}
	return created.Id, nil
}

// DeleteEvent removes an event. It returns models.ErrNotFound if the event is already gone.
func (c *CalendarClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := c.service.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return classifyWriteError(err)
	}
	return nil
}

// CalendarInfo is a calendar the authenticated account can see.
type CalendarInfo struct {
	ID         string
	Summary    string
	AccessRole string
}

// ListCalendars lists the calendars associated with the authenticated account.
func (c *CalendarClient) ListCalendars(ctx context.Context) ([]CalendarInfo, error) {
	var calendars []CalendarInfo
	err := c.service.CalendarList.List().Pages(ctx, func(list *calendar.CalendarList) error {
		for _, item := range list.Items {
			calendars = append(calendars, CalendarInfo{ID: item.Id, Summary: item.Summary, AccessRole: item.AccessRole})
		}
		return nil
	})
	if err != nil {
		return nil, classifyReadError("list calendars", err)
	}
	return calendars, nil
}

// toEventBody converts an obfuscated event into a Google Calendar event.
func toEventBody(ev models.ObfuscatedEvent) *calendar.Event {
	body := &calendar.Event{
		Summary:      ev.Title,
		Description:  ev.Description,
		Transparency: "opaque",
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{SourceUIDProperty: ev.SourceUID},
		},
		Reminders: &calendar.EventReminders{
			UseDefault:      false,
			ForceSendFields: []string{"UseDefault"},
		},
	}

	if ev.AllDay {
		end := ev.End
		// Google rejects all-day events that do not end after they start.
		if end.Format(dateLayout) <= ev.Start.Format(dateLayout) {
			end = ev.Start.AddDate(0, 0, 1)
		}
		body.Start = &calendar.EventDateTime{Date: ev.Start.Format(dateLayout)}
		body.End = &calendar.EventDateTime{Date: end.Format(dateLayout)}
		return body
	}

	body.Start = &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: timeZoneName(ev.Start)}
	body.End = &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: timeZoneName(ev.End)}
	return body
}

// timeZoneName returns the IANA name of t's location, or "" when the offset
// in the RFC3339 value is all Google gets.
func timeZoneName(t time.Time) string {
	name := t.Location().String()
	if name == "Local" || name == "" {
		return ""
	}
	return name
}

// fromGoogleEvent converts a Google Calendar event to a DestinationEvent.
// Dates of all-day events are midnights in loc.
func fromGoogleEvent(item *calendar.Event, loc *time.Location) (models.DestinationEvent, bool) {
	if item == nil || item.Start == nil {
		return models.DestinationEvent{}, false
	}

	ev := models.DestinationEvent{
		ID:          item.Id,
		Title:       item.Summary,
		Description: item.Description,
	}
	if item.ExtendedProperties != nil {
		ev.SourceUID = item.ExtendedProperties.Private[SourceUIDProperty]
	}

	start, allDay, err := parseEventDateTime(item.Start, loc)
	if err != nil {
		return models.DestinationEvent{}, false
	}
	ev.Start = start
	ev.AllDay = allDay

	if item.End != nil {
		if end, _, err := parseEventDateTime(item.End, loc); err == nil {
			ev.End = end
		}
	}
	return ev, true
}

func parseEventDateTime(dt *calendar.EventDateTime, loc *time.Location) (time.Time, bool, error) {
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		return t, false, err
	}
	if dt.Date != "" {
		t, err := time.ParseInLocation(dateLayout, dt.Date, loc)
		return t, true, err
	}
	return time.Time{}, false, errors.New("event has neither date nor dateTime")
}

func classifyReadError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
		return &models.AuthenticationError{Service: serviceName, Err: err}
	}
	return &models.TransportError{Service: serviceName, Op: op, Err: err}
}

// classifyWriteError maps API errors onto the sentinels the publisher retries on.
func classifyWriteError(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone:
		return fmt.Errorf("%w: %w", models.ErrNotFound, err)
	case apiErr.Code == http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", models.ErrPermanent, &models.AuthenticationError{Service: serviceName, Err: err})
	case apiErr.Code == http.StatusForbidden && isRateLimited(apiErr):
		return err
	case apiErr.Code == http.StatusRequestTimeout || apiErr.Code == http.StatusTooManyRequests:
		return err
	case apiErr.Code >= 400 && apiErr.Code < 500:
		return fmt.Errorf("%w: %w", models.ErrPermanent, err)
	default:
		return err
	}
}

func isRateLimited(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}
