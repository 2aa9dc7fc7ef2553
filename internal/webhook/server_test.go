package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmirror/calsync/internal"
	"github.com/taskmirror/calsync/internal/errs"
)

type fakeProvider struct {
	internal.Provider
}

// Classification mirrors the Google header scheme.
func (fakeProvider) ClassifyNotification(header http.Header, query url.Values) (*internal.Notification, error) {
	if token := query.Get("validationToken"); token != "" {
		return &internal.Notification{
			Kind:            internal.NotificationHandshake,
			ValidationToken: token,
		}, nil
	}
	channelID := header.Get("X-Goog-Channel-ID")
	if channelID == "" {
		return nil, errs.ErrUnroutableNotification
	}
	notif := &internal.Notification{
		Kind:           internal.NotificationChanged,
		SubscriptionID: channelID,
	}
	if header.Get("X-Goog-Resource-State") == "sync" {
		notif.Kind = internal.NotificationSync
	}
	return notif, nil
}

type fakeMux struct{}

func (fakeMux) Get(string) (internal.Provider, error) { return fakeProvider{}, nil }
func (fakeMux) Platforms() []string                   { return []string{"google"} }

type fakeLinks struct {
	bySub map[string]*internal.CalendarLink
}

func (f fakeLinks) LinkBySubscriptionID(_ context.Context, subID string) (*internal.CalendarLink, error) {
	link, ok := f.bySub[subID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return link, nil
}

type fakeSyncer struct {
	mu     sync.Mutex
	synced []int64
}

func (f *fakeSyncer) SyncLink(_ context.Context, linkID int64) (internal.ReconcileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, linkID)
	return internal.ReconcileResult{}, nil
}

func (f *fakeSyncer) syncedLinks() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.synced...)
}

func newTestServer(t *testing.T, secret string) (*Server, *fakeSyncer) {
	t.Helper()
	syncer := &fakeSyncer{}
	links := fakeLinks{bySub: map[string]*internal.CalendarLink{
		"chan-42": {ID: 42, Platform: internal.PlatformGoogle},
	}}
	srv := NewServer(fakeMux{}, links, syncer, ServerConfig{Secret: secret, Workers: 1}, zap.NewNop())
	return srv, syncer
}

func TestServer_ChangedNotificationDelegates(t *testing.T) {
	srv, syncer := newTestServer(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.Start(ctx)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/calendar", nil)
	req.Header.Set("X-Goog-Channel-ID", "chan-42")
	req.Header.Set("X-Goog-Resource-State", "exists")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool {
		return len(syncer.syncedLinks()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{42}, syncer.syncedLinks())
}

func TestServer_SyncNotificationAcknowledgedWithoutSideEffects(t *testing.T) {
	srv, syncer := newTestServer(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.Start(ctx)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/calendar", nil)
	req.Header.Set("X-Goog-Channel-ID", "chan-42")
	req.Header.Set("X-Goog-Resource-State", "sync")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, syncer.syncedLinks())
}

func TestServer_HandshakeEchoesTokenVerbatim(t *testing.T) {
	srv, _ := newTestServer(t, "")

	token := "weird token & % chars"
	req := httptest.NewRequest(http.MethodPost,
		"/webhooks/calendar?validationToken="+url.QueryEscape(token), nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, token, rec.Body.String())
}

func TestServer_UnknownChannelAcknowledged(t *testing.T) {
	srv, syncer := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/calendar", nil)
	req.Header.Set("X-Goog-Channel-ID", "nobody-home")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	// Acknowledged, not retried: the provider has no redelivery
	// tuning beyond its own policy.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, syncer.syncedLinks())
}

func TestServer_UnroutableDeliveryAcknowledged(t *testing.T) {
	srv, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/calendar", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_BadSignatureRejected(t *testing.T) {
	srv, syncer := newTestServer(t, "topsecret")

	body := `{"change":"something"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/calendar", strings.NewReader(body))
	req.Header.Set("X-Goog-Channel-ID", "chan-42")
	req.Header.Set("X-Goog-Signature", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, syncer.syncedLinks())
}

func TestServer_HandshakeExemptFromSignatureCheck(t *testing.T) {
	srv, _ := newTestServer(t, "topsecret")

	// Subscription validation round-trips are unsigned; the token
	// must be echoed even with a secret configured or the
	// subscription never activates.
	req := httptest.NewRequest(http.MethodPost,
		"/webhooks/calendar?validationToken=echo-me", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "echo-me", rec.Body.String())
}

func TestServer_ValidSignatureAccepted(t *testing.T) {
	srv, _ := newTestServer(t, "topsecret")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.Start(ctx)

	body := `{"change":"something"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/calendar", strings.NewReader(body))
	req.Header.Set("X-Goog-Channel-ID", "chan-42")
	req.Header.Set("X-Goog-Signature", sign([]byte(body), "topsecret"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}
