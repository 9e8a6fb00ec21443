// Package google fetches a user's calendar window through the Calendar v3
// API, using OAuth tokens persisted in the local store. Upstream failures
// are mapped onto the syncer taxonomy before they leave this package.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	googleauth "golang.org/x/oauth2/google"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mrse/internal/model"
	"mrse/internal/storage"
	"mrse/internal/syncer"
	"mrse/pkg/logx"
)

// Config holds the OAuth application credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// OAuth builds the oauth2 config for the read-only calendar scope.
func (c Config) OAuth() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       []string{calendar.CalendarReadonlyScope},
		Endpoint:     googleauth.Endpoint,
	}
}

// Client implements syncer.Fetcher against the primary Google calendar.
type Client struct {
	cfg   Config
	store storage.Store
	log   logx.Logger
}

func NewClient(cfg Config, store storage.Store, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, store: store, log: log}
}

// FetchWindow lists the user's events between from and to, with recurring
// series expanded into single instances, capped at pageSize.
func (c *Client) FetchWindow(ctx context.Context, userID string, from, to time.Time, pageSize int64) ([]model.RemoteEvent, error) {
	svc, err := c.service(ctx, userID)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Events.List("primary").
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(from.Format(time.RFC3339)).
		TimeMax(to.Format(time.RFC3339)).
		MaxResults(pageSize).
		OrderBy("startTime").
		Context(ctx).
		Do()
	if err != nil {
		return nil, mapError(err)
	}

	events := make([]model.RemoteEvent, 0, len(resp.Items))
	for _, item := range resp.Items {
		events = append(events, toRemoteEvent(item, userID))
	}
	c.log.Debug("fetched calendar window",
		logx.String("user", userID),
		logx.Int("events", len(events)),
		logx.Time("from", from),
		logx.Time("to", to),
	)
	return events, nil
}

func (c *Client) service(ctx context.Context, userID string) (*calendar.Service, error) {
	tok, ok, err := c.store.GetToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", userID, syncer.ErrUnauthenticated)
	}

	httpClient := c.cfg.OAuth().Client(ctx, &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	})
	svc, err := calendar.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return svc, nil
}

// AuthURL starts the authorization-code flow.
func (c *Client) AuthURL(state string) string {
	return c.cfg.OAuth().AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange trades an authorization code for a token and persists it for
// the user.
func (c *Client) Exchange(ctx context.Context, userID, code string) error {
	tok, err := c.cfg.OAuth().Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}
	return c.store.SaveToken(ctx, model.Token{
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	})
}

func toRemoteEvent(item *calendar.Event, userID string) model.RemoteEvent {
	ev := model.RemoteEvent{
		ID:          item.Id,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Status:      item.Status,
		HTMLLink:    item.HtmlLink,
		Recurring:   item.RecurringEventId != "" || len(item.Recurrence) > 0,
	}
	if ev.Title == "" {
		ev.Title = "No title"
	}

	if item.Start != nil {
		ev.Start, ev.AllDay = parseEventTime(item.Start)
	}
	if item.End != nil {
		ev.End, _ = parseEventTime(item.End)
	}

	if item.Organizer != nil && item.Organizer.Email != "" {
		ev.Organizer = item.Organizer.Email
	} else {
		ev.Organizer = userID
	}
	for _, a := range item.Attendees {
		if a.Email != "" {
			ev.Attendees = append(ev.Attendees, a.Email)
		}
	}
	return ev
}

// parseEventTime handles both timed (DateTime) and all-day (Date) values.
// A value that fails to parse yields a zero time, which the reconciler
// treats as malformed and drops.
func parseEventTime(t *calendar.EventDateTime) (time.Time, bool) {
	if t.DateTime != "" {
		ts, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return time.Time{}, false
		}
		return ts, false
	}
	if t.Date != "" {
		ts, err := time.Parse("2006-01-02", t.Date)
		if err != nil {
			return time.Time{}, true
		}
		return ts, true
	}
	return time.Time{}, false
}

// mapError folds provider failures into the syncer taxonomy so callers
// never see raw transport errors.
func mapError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", syncer.ErrUnauthenticated, gerr.Message)
		case gerr.Code == http.StatusForbidden:
			return fmt.Errorf("%w: %s", syncer.ErrUpstreamPermissionDenied, gerr.Message)
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return fmt.Errorf("%w: %s", syncer.ErrUpstreamUnavailable, gerr.Message)
		}
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return fmt.Errorf("%w: token refresh failed", syncer.ErrUnauthenticated)
	}
	return fmt.Errorf("%w: %v", syncer.ErrUpstreamUnavailable, err)
}
