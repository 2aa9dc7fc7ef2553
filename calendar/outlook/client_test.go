package outlook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/taskmirror/calsync/internal"
	"github.com/taskmirror/calsync/internal/errs"
)

func testClient(baseURL string) *Client {
	c := NewClient(&oauth2.Config{}, zap.NewNop())
	c.BaseURL = baseURL
	return c
}

func testLink() *internal.CalendarLink {
	return &internal.CalendarLink{
		ID:         1,
		Platform:   internal.PlatformOutlook,
		CalendarID: "cal-1",
		Auth:       `{"access_token":"tok","token_type":"Bearer"}`,
		Subscription: internal.WebhookSubscription{
			ID: "sub-1",
		},
	}
}

func TestClassifyNotification_Handshake(t *testing.T) {
	c := testClient("")

	query := url.Values{"validationToken": {"echo me back"}}
	notif, err := c.ClassifyNotification(http.Header{}, query)
	require.NoError(t, err)
	assert.Equal(t, internal.NotificationHandshake, notif.Kind)
	assert.Equal(t, "echo me back", notif.ValidationToken)
}

func TestClassifyNotification_Changed(t *testing.T) {
	c := testClient("")

	header := http.Header{}
	header.Set(headerChannelID, "sub-1")
	notif, err := c.ClassifyNotification(header, nil)
	require.NoError(t, err)
	assert.Equal(t, internal.NotificationChanged, notif.Kind)
	assert.Equal(t, "sub-1", notif.SubscriptionID)
}

func TestClassifyNotification_ForeignDelivery(t *testing.T) {
	c := testClient("")

	header := http.Header{}
	header.Set("X-Goog-Channel-ID", "chan-1")
	_, err := c.ClassifyNotification(header, nil)
	assert.ErrorIs(t, err, errs.ErrUnroutableNotification)
}

func TestFetchDelta_PagesAndDeltaLink(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/me/calendars/cal-1/calendarView/delta":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]any{{
					"id":        "e1",
					"subject":   "standup",
					"changeKey": "ck1",
					"start":     map[string]string{"dateTime": "2026-08-28T10:00:00.0000000", "timeZone": "UTC"},
					"end":       map[string]string{"dateTime": "2026-08-28T11:00:00.0000000", "timeZone": "UTC"},
				}},
				"@odata.nextLink": server.URL + "/page2",
			})
		case "/page2":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]any{{
					"id":       "e2",
					"@removed": map[string]string{"reason": "deleted"},
				}},
				"@odata.deltaLink": server.URL + "/delta-next",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := testClient(server.URL)
	delta, err := c.FetchDelta(context.Background(), testLink())
	require.NoError(t, err)
	require.Len(t, delta.Events, 2)

	assert.Equal(t, "e1", delta.Events[0].ID)
	assert.Equal(t, "standup", delta.Events[0].Summary)
	assert.Equal(t, "ck1", delta.Events[0].Version)
	assert.Equal(t, time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC), delta.Events[0].StartsAt)
	assert.False(t, delta.Events[0].Cancelled)

	assert.Equal(t, "e2", delta.Events[1].ID)
	assert.True(t, delta.Events[1].Cancelled)

	assert.Equal(t, server.URL+"/delta-next", delta.NextCursor)
}

func TestFetchDelta_ExpiredDeltaLinkRefetches(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/stale-delta", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	mux.HandleFunc("/me/calendars/cal-1/calendarView/delta", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value":            []map[string]any{{"id": "e1", "changeKey": "ck1"}},
			"@odata.deltaLink": "fresh-delta",
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := testClient(server.URL)
	link := testLink()
	link.Cursor = server.URL + "/stale-delta"

	delta, err := c.FetchDelta(context.Background(), link)
	require.NoError(t, err)
	require.Len(t, delta.Events, 1)
	assert.Equal(t, "fresh-delta", delta.NextCursor)
}

func TestFetchDelta_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, errs.ErrTokenExpired},
		{"throttled", http.StatusTooManyRequests, errs.ErrProviderUnavailable},
		{"server error", http.StatusBadGateway, errs.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			c := testClient(server.URL)
			_, err := c.FetchDelta(context.Background(), testLink())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreateSubscription(t *testing.T) {
	expiry := time.Now().Add(70 * time.Hour).UTC().Truncate(time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/subscriptions", r.URL.Path)

		var req graphSubscription
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "created,updated,deleted", req.ChangeType)
		assert.Equal(t, "https://example.com/webhooks/calendar", req.NotificationURL)
		assert.Equal(t, "/me/calendars/cal-1/events", req.Resource)
		assert.NotEmpty(t, req.ClientState)

		_ = json.NewEncoder(w).Encode(graphSubscription{
			ID:                 "sub-99",
			ClientState:        req.ClientState,
			ExpirationDateTime: expiry.Format(time.RFC3339),
		})
	}))
	defer server.Close()

	c := testClient(server.URL)
	sub, err := c.CreateSubscription(context.Background(), testLink(), "https://example.com/webhooks/calendar")
	require.NoError(t, err)
	assert.Equal(t, "sub-99", sub.ID)
	assert.True(t, sub.ExpiresAt.Equal(expiry))
}

func TestStopSubscription_GoneIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := testClient(server.URL)
	assert.NoError(t, c.StopSubscription(context.Background(), testLink()))
}

func TestCreateEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/me/calendars/cal-1/events", r.URL.Path)
		var ev graphEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		assert.Equal(t, "write report", ev.Subject)
		_ = json.NewEncoder(w).Encode(graphEvent{ID: "ev-1"})
	}))
	defer server.Close()

	c := testClient(server.URL)
	id, err := c.CreateEvent(context.Background(), testLink(), &internal.Task{
		Title:    "write report",
		StartsAt: time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC),
		EndsAt:   time.Date(2026, 8, 28, 15, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "ev-1", id)
}

func TestParseGraphTime(t *testing.T) {
	got := parseGraphTime(&graphDateTime{DateTime: "2026-08-28T10:30:00.0000000", TimeZone: "UTC"})
	assert.Equal(t, time.Date(2026, 8, 28, 10, 30, 0, 0, time.UTC), got)

	got = parseGraphTime(&graphDateTime{DateTime: "2026-08-28T10:30:00", TimeZone: "UTC"})
	assert.Equal(t, time.Date(2026, 8, 28, 10, 30, 0, 0, time.UTC), got)

	assert.True(t, parseGraphTime(nil).IsZero())
}

