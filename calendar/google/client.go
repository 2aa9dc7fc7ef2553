// Package google implements the provider capability set on top of the
// Google Calendar API: sync-token deltas and web_hook push channels.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/taskmirror/calsync/internal"
	"github.com/taskmirror/calsync/internal/errs"
)

// Notification routing headers, set by Google on every delivery.
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerResourceID    = "X-Goog-Resource-ID"
	headerResourceState = "X-Goog-Resource-State"
)

// initialWindow bounds the first full fetch when a link has no cursor
// yet; everything after rides the sync token.
const initialWindow = 30 * 24 * time.Hour

type Client struct {
	oauthCfg *oauth2.Config
	logger   *zap.Logger

	// SubscriptionTTL is requested on watch creation. Google caps
	// channel lifetime at roughly seven days.
	SubscriptionTTL time.Duration
}

func NewClient(credJSON []byte, logger *zap.Logger) (*Client, error) {
	oauthCfg, err := googleoauth.ConfigFromJSON(credJSON, calendar.CalendarEventsScope)
	if err != nil {
		return nil, fmt.Errorf("google: parsing credentials file: %v", err)
	}
	return &Client{
		oauthCfg:        oauthCfg,
		logger:          logger,
		SubscriptionTTL: 7 * 24 * time.Hour,
	}, nil
}

func (c *Client) ClassifyNotification(header http.Header, _ url.Values) (*internal.Notification, error) {
	channelID := header.Get(headerChannelID)
	if channelID == "" {
		return nil, errs.ErrUnroutableNotification
	}

	notif := &internal.Notification{
		Kind:           internal.NotificationChanged,
		SubscriptionID: channelID,
		ResourceID:     header.Get(headerResourceID),
	}
	if header.Get(headerResourceState) == "sync" {
		// Fired once on channel creation, carries no event data.
		notif.Kind = internal.NotificationSync
	}
	return notif, nil
}

func (c *Client) FetchDelta(ctx context.Context, link *internal.CalendarLink) (*internal.Delta, error) {
	svc, err := c.calendarSvc(ctx, link)
	if err != nil {
		return nil, err
	}

	delta, err := c.listChanges(ctx, svc, link, link.Cursor)
	if isGone(err) {
		// Sync token invalidated server-side; fall back to a full
		// windowed fetch. The result is a superset, never a gap.
		c.logger.Warn("sync token expired, full refetch",
			zap.Int64("link", link.ID))
		return c.listChanges(ctx, svc, link, "")
	}
	return delta, err
}

func (c *Client) listChanges(ctx context.Context, svc *calendar.Service, link *internal.CalendarLink, cursor string) (*internal.Delta, error) {
	call := svc.Events.
		List(link.CalendarID).
		Context(ctx).
		ShowDeleted(true).
		SingleEvents(true)
	if cursor != "" {
		call = call.SyncToken(cursor)
	} else {
		call = call.TimeMin(time.Now().Add(-initialWindow).Format(time.RFC3339))
	}

	delta := &internal.Delta{}
	var nextPageToken string
	for {
		events, err := call.PageToken(nextPageToken).Do()
		if err != nil {
			return nil, mapErr(err)
		}
		for _, item := range events.Items {
			delta.Events = append(delta.Events, newRemoteEvent(item))
		}
		if events.NextSyncToken != "" {
			delta.NextCursor = events.NextSyncToken
		}
		nextPageToken = events.NextPageToken
		if nextPageToken == "" {
			break
		}
	}
	return delta, nil
}

func (c *Client) CreateSubscription(ctx context.Context, link *internal.CalendarLink, callbackURL string) (*internal.WebhookSubscription, error) {
	svc, err := c.calendarSvc(ctx, link)
	if err != nil {
		return nil, err
	}

	channel := &calendar.Channel{
		Id:         uuid.NewString(),
		Type:       "web_hook",
		Address:    callbackURL,
		Expiration: time.Now().Add(c.SubscriptionTTL).UnixMilli(),
	}
	res, err := svc.Events.Watch(link.CalendarID, channel).Context(ctx).Do()
	if err != nil {
		return nil, mapErr(err)
	}

	sub := &internal.WebhookSubscription{
		ID:         res.Id,
		ResourceID: res.ResourceId,
		ExpiresAt:  time.UnixMilli(res.Expiration),
	}
	c.logger.Debug("watch channel created",
		zap.Int64("link", link.ID),
		zap.String("channel", sub.ID),
		zap.Time("expires", sub.ExpiresAt))
	return sub, nil
}

func (c *Client) StopSubscription(ctx context.Context, link *internal.CalendarLink) error {
	svc, err := c.calendarSvc(ctx, link)
	if err != nil {
		return err
	}
	err = svc.Channels.Stop(&calendar.Channel{
		Id:         link.Subscription.ID,
		ResourceId: link.Subscription.ResourceID,
	}).Context(ctx).Do()
	if isNotFound(err) {
		// Channel already expired or stopped.
		return nil
	}
	return mapErr(err)
}

func (c *Client) CreateEvent(ctx context.Context, link *internal.CalendarLink, task *internal.Task) (string, error) {
	svc, err := c.calendarSvc(ctx, link)
	if err != nil {
		return "", err
	}
	gevent, err := svc.Events.Insert(link.CalendarID, newGoogleEvent(task)).Context(ctx).Do()
	if err != nil {
		return "", mapErr(err)
	}
	return gevent.Id, nil
}

func (c *Client) UpdateEvent(ctx context.Context, link *internal.CalendarLink, task *internal.Task) error {
	svc, err := c.calendarSvc(ctx, link)
	if err != nil {
		return err
	}
	_, err = svc.Events.Update(link.CalendarID, task.EventID, newGoogleEvent(task)).Context(ctx).Do()
	return mapErr(err)
}

func (c *Client) DeleteEvent(ctx context.Context, link *internal.CalendarLink, eventID string) error {
	svc, err := c.calendarSvc(ctx, link)
	if err != nil {
		return err
	}
	err = svc.Events.Delete(link.CalendarID, eventID).Context(ctx).Do()
	if err == nil || alreadyDeleted(err) {
		return nil
	}
	return mapErr(err)
}

func (c *Client) calendarSvc(ctx context.Context, link *internal.CalendarLink) (*calendar.Service, error) {
	var tok *oauth2.Token
	err := json.Unmarshal([]byte(link.Auth), &tok)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTokenExpired, err)
	}
	httpClient := c.oauthCfg.Client(ctx, tok)
	return calendar.NewService(ctx, option.WithHTTPClient(httpClient))
}

func newRemoteEvent(event *calendar.Event) *internal.RemoteEvent {
	if event.Status == "cancelled" {
		return &internal.RemoteEvent{
			ID:        event.Id,
			Cancelled: true,
			Version:   event.Etag,
		}
	}

	return &internal.RemoteEvent{
		ID:       event.Id,
		Summary:  event.Summary,
		StartsAt: parseEventTime(event.Start),
		EndsAt:   parseEventTime(event.End),
		Version:  event.Etag,
	}
}

func parseEventTime(t *calendar.EventDateTime) time.Time {
	if t == nil {
		return time.Time{}
	}
	if t.DateTime != "" {
		parsed, _ := time.Parse(time.RFC3339, t.DateTime)
		return parsed
	}
	// All-day events carry a date only.
	parsed, _ := time.Parse("2006-01-02", t.Date)
	return parsed
}

func newGoogleEvent(task *internal.Task) *calendar.Event {
	return &calendar.Event{
		Summary: task.Title,
		Start: &calendar.EventDateTime{
			DateTime: task.StartsAt.Format(time.RFC3339),
		},
		End: &calendar.EventDateTime{
			DateTime: task.EndsAt.Format(time.RFC3339),
		},
		Reminders: &calendar.EventReminders{
			UseDefault: true,
		},
	}
}

// mapErr folds googleapi failures into the stable error kinds the
// engine retries or breaks a link on.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var gErr *googleapi.Error
	if !errors.As(err, &gErr) {
		return fmt.Errorf("%w: %v", errs.ErrProviderUnavailable, err)
	}
	switch {
	case gErr.Code == http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", errs.ErrTokenExpired, err)
	case gErr.Code == http.StatusTooManyRequests,
		gErr.Code >= http.StatusInternalServerError,
		errIsReason(err, "rateLimitExceeded"):
		return fmt.Errorf("%w: %v", errs.ErrProviderUnavailable, err)
	}
	return err
}

func isGone(err error) bool {
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && gErr.Code == http.StatusGone
}

func isNotFound(err error) bool {
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && gErr.Code == http.StatusNotFound
}

func alreadyDeleted(err error) bool {
	return errIsReason(err, "deleted")
}

func errIsReason(err error, reason string) bool {
	var gErr *googleapi.Error
	if !errors.As(err, &gErr) {
		return false
	}
	for _, err := range gErr.Errors {
		if err.Reason == reason {
			return true
		}
	}
	return false
}
