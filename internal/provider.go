package internal

import (
	"context"
	"net/http"
	"net/url"
)

// NotificationKind classifies an inbound webhook delivery.
type NotificationKind int

const (
	// NotificationChanged signals that events changed and a delta
	// fetch is required. The payload carries no event content.
	NotificationChanged NotificationKind = iota

	// NotificationSync is Google's initial handshake on a fresh
	// channel; it must be acknowledged without side effects.
	NotificationSync

	// NotificationHandshake is Outlook's subscription validation;
	// the validation token must be echoed back verbatim.
	NotificationHandshake
)

// Notification is the provider-normalized view of one delivery,
// built from routing metadata only (headers and query, never the
// body).
type Notification struct {
	Kind            NotificationKind
	SubscriptionID  string
	ResourceID      string
	ValidationToken string
}

type Mux interface {
	Get(platform string) (Provider, error)
	Platforms() []string
}

// Provider is the capability set each calendar platform implements.
type Provider interface {
	// ClassifyNotification inspects routing metadata of an inbound
	// delivery. It returns errs.ErrUnroutableNotification when the
	// delivery does not belong to this platform.
	ClassifyNotification(header http.Header, query url.Values) (*Notification, error)

	// FetchDelta returns every event changed since the link's cursor
	// plus the next cursor. Safe to call with a stale cursor: the
	// result is a superset, never a gap.
	FetchDelta(ctx context.Context, link *CalendarLink) (*Delta, error)

	// CreateSubscription installs a push channel delivering to
	// callbackURL. StopSubscription tears down the link's current
	// channel; stopping an already-dead channel is not an error.
	CreateSubscription(ctx context.Context, link *CalendarLink, callbackURL string) (*WebhookSubscription, error)
	StopSubscription(ctx context.Context, link *CalendarLink) error

	// Event write operations, used when pushing local tasks out.
	CreateEvent(ctx context.Context, link *CalendarLink, task *Task) (eventID string, err error)
	UpdateEvent(ctx context.Context, link *CalendarLink, task *Task) error
	DeleteEvent(ctx context.Context, link *CalendarLink, eventID string) error
}
