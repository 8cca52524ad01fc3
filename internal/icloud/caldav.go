package icloud

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"obfuscal/internal/models"
)

const (
	// DefaultEndpoint is the iCloud CalDAV entry point.
	DefaultEndpoint = "https://caldav.icloud.com/"

	// DefaultHorizon bounds how far ahead events and recurrences are read.
	DefaultHorizon = 365 * 24 * time.Hour

	serviceName = "icloud"
)

var errUnauthorized = errors.New("credentials rejected")

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
// A 401 is turned into an error so callers can tell bad credentials apart
// from other failures.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "obfuscal/1.0")
	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, errUnauthorized
	}
	return resp, nil
}

// Options configures a CalDAVClient.
type Options struct {
	Username string
	Password string
	// Endpoint defaults to DefaultEndpoint.
	Endpoint string
	// Location is used for floating times. Defaults to time.Local.
	Location *time.Location
	// Horizon defaults to DefaultHorizon.
	Horizon time.Duration
	// HTTPClient replaces the default client; credentials are still added.
	HTTPClient *http.Client
}

// CalDAVClient reads events from iCloud calendars over CalDAV.
type CalDAVClient struct {
	caldavClient *caldav.Client
	logger       *slog.Logger
	location     *time.Location
	horizon      time.Duration

	mu        sync.Mutex
	calendars map[string]string // name -> collection path
}

// NewClient creates a new CalDAVClient for iCloud. No request is made until
// calendars or events are listed.
func NewClient(logger *slog.Logger, opts Options) (*CalDAVClient, error) {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Horizon <= 0 {
		opts.Horizon = DefaultHorizon
	}

	base := http.DefaultTransport
	if opts.HTTPClient != nil && opts.HTTPClient.Transport != nil {
		base = opts.HTTPClient.Transport
	}
	httpClient := &http.Client{
		Transport: &customTransport{
			Username:  opts.Username,
			Password:  opts.Password,
			Transport: base,
		},
		Timeout: 60 * time.Second,
	}

	caldavClient, err := caldav.NewClient(httpClient, opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	return &CalDAVClient{
		caldavClient: caldavClient,
		logger:       logger,
		location:     opts.Location,
		horizon:      opts.Horizon,
	}, nil
}

// ListCalendars returns the names of all event calendars of the account.
func (c *CalDAVClient) ListCalendars(ctx context.Context) ([]string, error) {
	calendars, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(calendars))
	for name := range calendars {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// ListEvents lazily yields the events of one calendar that have not ended
// before from. Recurring events are expanded into instances up to the
// client's horizon. Objects that cannot be parsed are yielded as
// *models.UnreadableError and the sequence goes on. Any other error ends it.
func (c *CalDAVClient) ListEvents(ctx context.Context, calendarName string, from time.Time) iter.Seq2[models.SourceEvent, error] {
	return func(yield func(models.SourceEvent, error) bool) {
		calendars, err := c.discover(ctx)
		if err != nil {
			yield(models.SourceEvent{}, err)
			return
		}
		calPath, ok := calendars[calendarName]
		if !ok {
			yield(models.SourceEvent{}, &models.TransportError{
				Service: serviceName,
				Op:      "list events",
				Err:     fmt.Errorf("no calendar found with name '%s'", calendarName),
			})
			return
		}

		until := from.Add(c.horizon)
		query := &caldav.CalendarQuery{
			CompRequest: caldav.CalendarCompRequest{
				Name:     ical.CompCalendar,
				AllProps: true,
				AllComps: true,
			},
			CompFilter: caldav.CompFilter{
				Name: ical.CompCalendar,
				Comps: []caldav.CompFilter{{
					Name:  ical.CompEvent,
					Start: from.UTC(),
					End:   until.UTC(),
				}},
			},
		}

		c.logger.Debug("Querying iCloud calendar", "calendar", calendarName, "from", from, "until", until)
		objects, err := c.caldavClient.QueryCalendar(ctx, calPath, query)
		if err != nil {
			yield(models.SourceEvent{}, classify("query calendar", err))
			return
		}
		c.logger.Debug("Fetched calendar objects", "calendar", calendarName, "count", len(objects))

		w := window{from: from, until: until, loc: c.location}
		for _, obj := range objects {
			if obj.Data == nil {
				continue
			}
			events, err := parseObject(obj.Data, calendarName, w)
			if err != nil {
				// A single unreadable object should not hide the rest of the
				// calendar. The caller counts it and keeps reading.
				if !yield(models.SourceEvent{}, &models.UnreadableError{Calendar: calendarName, Path: obj.Path, Err: err}) {
					return
				}
				continue
			}
			for _, ev := range events {
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
}

// discover finds the user's calendars once and caches name -> path.
func (c *CalDAVClient) discover(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calendars != nil {
		return c.calendars, nil
	}

	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, classify("find principal path", err)
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return nil, classify("find calendar home set", err)
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return nil, classify("find calendars", err)
	}

	found := make(map[string]string, len(calendars))
	for _, cal := range calendars {
		if !supportsEvents(cal) {
			c.logger.Debug("Ignoring collection without event support", "name", cal.Name, "components", cal.SupportedComponentSet)
			continue
		}
		found[cal.Name] = cal.Path
	}
	c.logger.Info("Discovered iCloud calendars", "count", len(found))
	c.calendars = found
	return found, nil
}

// supportsEvents filters out reminder lists, which only hold VTODO.
func supportsEvents(cal caldav.Calendar) bool {
	if len(cal.SupportedComponentSet) == 0 {
		return true
	}
	return slices.Contains(cal.SupportedComponentSet, ical.CompEvent)
}

func classify(op string, err error) error {
	if errors.Is(err, errUnauthorized) {
		return &models.AuthenticationError{Service: serviceName, Err: err}
	}
	return &models.TransportError{Service: serviceName, Op: op, Err: err}
}
