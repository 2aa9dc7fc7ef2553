// Package outlook implements the provider capability set against the
// Microsoft Graph API: calendarView deltas and change-notification
// subscriptions.
package outlook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/taskmirror/calsync/internal"
	"github.com/taskmirror/calsync/internal/errs"
)

const (
	defaultBaseURL  = "https://graph.microsoft.com/v1.0"
	graphTimeFormat = "2006-01-02T15:04:05"

	// headerChannelID carries the subscription id on change
	// deliveries; the payload body is not consulted for routing.
	headerChannelID = "X-Outlook-Channel-ID"
)

// initialWindow bounds the first delta round-trip when a link has no
// delta link stored yet.
const initialWindow = 30 * 24 * time.Hour

type Client struct {
	oauthCfg *oauth2.Config
	logger   *zap.Logger

	// BaseURL is swappable for tests.
	BaseURL string

	// SubscriptionTTL is requested on create. Graph caps event
	// subscriptions at just under three days.
	SubscriptionTTL time.Duration
}

func NewClient(oauthCfg *oauth2.Config, logger *zap.Logger) *Client {
	return &Client{
		oauthCfg:        oauthCfg,
		logger:          logger,
		BaseURL:         defaultBaseURL,
		SubscriptionTTL: 70 * time.Hour,
	}
}

func (c *Client) ClassifyNotification(header http.Header, query url.Values) (*internal.Notification, error) {
	if token := query.Get("validationToken"); token != "" {
		// Subscription validation: the token must be echoed back
		// verbatim before Graph activates the subscription.
		return &internal.Notification{
			Kind:            internal.NotificationHandshake,
			ValidationToken: token,
		}, nil
	}

	channelID := header.Get(headerChannelID)
	if channelID == "" {
		return nil, errs.ErrUnroutableNotification
	}
	return &internal.Notification{
		Kind:           internal.NotificationChanged,
		SubscriptionID: channelID,
	}, nil
}

type graphEvent struct {
	ID        string         `json:"id"`
	Subject   string         `json:"subject"`
	Start     *graphDateTime `json:"start"`
	End       *graphDateTime `json:"end"`
	ChangeKey string         `json:"changeKey"`
	Removed   *graphRemoved  `json:"@removed"`
}

type graphRemoved struct {
	Reason string `json:"reason"`
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type deltaPage struct {
	Value     []graphEvent `json:"value"`
	NextLink  string       `json:"@odata.nextLink"`
	DeltaLink string       `json:"@odata.deltaLink"`
}

func (c *Client) FetchDelta(ctx context.Context, link *internal.CalendarLink) (*internal.Delta, error) {
	httpClient, err := c.httpClient(ctx, link)
	if err != nil {
		return nil, err
	}

	delta, err := c.walkDelta(ctx, httpClient, link.Cursor, link)
	if errors.Is(err, errDeltaExpired) {
		c.logger.Warn("delta link expired, full refetch",
			zap.Int64("link", link.ID))
		return c.walkDelta(ctx, httpClient, "", link)
	}
	return delta, err
}

// errDeltaExpired is internal to the fetch path: Graph answered 410
// and the walk must restart without a cursor.
var errDeltaExpired = errors.New("delta link expired")

func (c *Client) walkDelta(ctx context.Context, httpClient *http.Client, cursor string, link *internal.CalendarLink) (*internal.Delta, error) {
	// The stored cursor is the full @odata.deltaLink URL.
	next := cursor
	if next == "" {
		now := time.Now().UTC()
		next = fmt.Sprintf("%s/me/calendars/%s/calendarView/delta?startDateTime=%s&endDateTime=%s",
			c.BaseURL,
			url.PathEscape(link.CalendarID),
			now.Add(-initialWindow).Format(graphTimeFormat),
			now.Add(initialWindow).Format(graphTimeFormat),
		)
	}

	delta := &internal.Delta{}
	for next != "" {
		var page deltaPage
		status, err := c.do(ctx, httpClient, http.MethodGet, next, nil, &page)
		if status == http.StatusGone {
			return nil, errDeltaExpired
		}
		if err != nil {
			return nil, err
		}
		for i := range page.Value {
			delta.Events = append(delta.Events, newRemoteEvent(&page.Value[i]))
		}
		if page.DeltaLink != "" {
			delta.NextCursor = page.DeltaLink
			break
		}
		next = page.NextLink
	}
	return delta, nil
}

type graphSubscription struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
	ClientState        string `json:"clientState,omitempty"`
}

func (c *Client) CreateSubscription(ctx context.Context, link *internal.CalendarLink, callbackURL string) (*internal.WebhookSubscription, error) {
	httpClient, err := c.httpClient(ctx, link)
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().Add(c.SubscriptionTTL).UTC()
	req := graphSubscription{
		ChangeType:         "created,updated,deleted",
		NotificationURL:    callbackURL,
		Resource:           fmt.Sprintf("/me/calendars/%s/events", link.CalendarID),
		ExpirationDateTime: expiresAt.Format(time.RFC3339),
		ClientState:        uuid.NewString(),
	}

	var res graphSubscription
	_, err = c.do(ctx, httpClient, http.MethodPost, c.BaseURL+"/subscriptions", req, &res)
	if err != nil {
		return nil, err
	}

	if res.ExpirationDateTime != "" {
		if t, perr := time.Parse(time.RFC3339, res.ExpirationDateTime); perr == nil {
			expiresAt = t
		}
	}
	sub := &internal.WebhookSubscription{
		ID:         res.ID,
		ResourceID: res.ClientState,
		ExpiresAt:  expiresAt,
	}
	c.logger.Debug("graph subscription created",
		zap.Int64("link", link.ID),
		zap.String("subscription", sub.ID),
		zap.Time("expires", sub.ExpiresAt))
	return sub, nil
}

func (c *Client) StopSubscription(ctx context.Context, link *internal.CalendarLink) error {
	httpClient, err := c.httpClient(ctx, link)
	if err != nil {
		return err
	}
	status, err := c.do(ctx, httpClient, http.MethodDelete,
		c.BaseURL+"/subscriptions/"+url.PathEscape(link.Subscription.ID), nil, nil)
	if status == http.StatusNotFound {
		// Already expired or removed.
		return nil
	}
	return err
}

func (c *Client) CreateEvent(ctx context.Context, link *internal.CalendarLink, task *internal.Task) (string, error) {
	httpClient, err := c.httpClient(ctx, link)
	if err != nil {
		return "", err
	}
	var res graphEvent
	_, err = c.do(ctx, httpClient, http.MethodPost, c.eventsURL(link, ""), newGraphEvent(task), &res)
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

func (c *Client) UpdateEvent(ctx context.Context, link *internal.CalendarLink, task *internal.Task) error {
	httpClient, err := c.httpClient(ctx, link)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, httpClient, http.MethodPatch, c.eventsURL(link, task.EventID), newGraphEvent(task), nil)
	return err
}

func (c *Client) DeleteEvent(ctx context.Context, link *internal.CalendarLink, eventID string) error {
	httpClient, err := c.httpClient(ctx, link)
	if err != nil {
		return err
	}
	status, err := c.do(ctx, httpClient, http.MethodDelete, c.eventsURL(link, eventID), nil, nil)
	if status == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) eventsURL(link *internal.CalendarLink, eventID string) string {
	u := fmt.Sprintf("%s/me/calendars/%s/events", c.BaseURL, url.PathEscape(link.CalendarID))
	if eventID != "" {
		u += "/" + url.PathEscape(eventID)
	}
	return u
}

func (c *Client) httpClient(ctx context.Context, link *internal.CalendarLink) (*http.Client, error) {
	var tok *oauth2.Token
	if err := json.Unmarshal([]byte(link.Auth), &tok); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTokenExpired, err)
	}
	return c.oauthCfg.Client(ctx, tok), nil
}

// do runs one Graph round-trip, decoding the response into out when
// given, and maps failure statuses onto the stable error kinds.
func (c *Client) do(ctx context.Context, httpClient *http.Client, method, rawurl string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawurl, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return resp.StatusCode, fmt.Errorf("%w: graph status %d", errs.ErrTokenExpired, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return resp.StatusCode, fmt.Errorf("%w: graph status %d", errs.ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("graph: %s %s: status %d: %s",
			method, rawurl, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("graph: decoding response: %v", err)
		}
	}
	return resp.StatusCode, nil
}

func newRemoteEvent(ev *graphEvent) *internal.RemoteEvent {
	if ev.Removed != nil {
		return &internal.RemoteEvent{
			ID:        ev.ID,
			Cancelled: true,
			Version:   ev.ChangeKey,
		}
	}
	return &internal.RemoteEvent{
		ID:       ev.ID,
		Summary:  ev.Subject,
		StartsAt: parseGraphTime(ev.Start),
		EndsAt:   parseGraphTime(ev.End),
		Version:  ev.ChangeKey,
	}
}

func parseGraphTime(t *graphDateTime) time.Time {
	if t == nil {
		return time.Time{}
	}
	loc := time.UTC
	if t.TimeZone != "" && t.TimeZone != "UTC" {
		if l, err := time.LoadLocation(t.TimeZone); err == nil {
			loc = l
		}
	}
	// Graph drops the offset and reports fractional seconds.
	parsed, err := time.ParseInLocation(graphTimeFormat+".0000000", t.DateTime, loc)
	if err != nil {
		parsed, _ = time.ParseInLocation(graphTimeFormat, t.DateTime, loc)
	}
	return parsed
}

func newGraphEvent(task *internal.Task) *graphEvent {
	return &graphEvent{
		Subject: task.Title,
		Start: &graphDateTime{
			DateTime: task.StartsAt.UTC().Format(graphTimeFormat),
			TimeZone: "UTC",
		},
		End: &graphDateTime{
			DateTime: task.EndsAt.UTC().Format(graphTimeFormat),
			TimeZone: "UTC",
		},
	}
}
