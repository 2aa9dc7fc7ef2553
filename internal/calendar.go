package internal

import (
	"fmt"
	"time"
)

// Platform names as stored on a CalendarLink.
const (
	PlatformGoogle  = "google"
	PlatformOutlook = "outlook"
)

type SyncDirection string

func (d SyncDirection) String() string {
	return string(d)
}

var (
	SyncToRemote      SyncDirection = "to_remote"
	SyncFromRemote    SyncDirection = "from_remote"
	SyncBidirectional SyncDirection = "bidirectional"
)

// FetchesRemote reports whether remote deltas are pulled into the
// local mirror for this direction.
func (d SyncDirection) FetchesRemote() bool {
	return d == SyncFromRemote || d == SyncBidirectional
}

// PushesLocal reports whether locally created tasks are pushed to the
// remote calendar for this direction.
func (d SyncDirection) PushesLocal() bool {
	return d == SyncToRemote || d == SyncBidirectional
}

// WebhookSubscription is the provider-issued push channel bound to a
// CalendarLink. A link has at most one active subscription; the zero
// value means unsubscribed.
type WebhookSubscription struct {
	ID         string
	ResourceID string
	ExpiresAt  time.Time
}

func (s WebhookSubscription) Active() bool {
	return s.ID != ""
}

func (s WebhookSubscription) ExpiresWithin(d time.Duration) bool {
	return s.Active() && time.Until(s.ExpiresAt) <= d
}

// CalendarLink binds one external calendar to one local user.
// Subscription fields are mutated only by the subscription manager,
// the cursor only by the reconciler.
type CalendarLink struct {
	ID           int64
	UserID       int64
	Platform     string
	CalendarID   string
	Auth         string // oauth token material, JSON
	Direction    SyncDirection
	Cursor       string
	Subscription WebhookSubscription

	SyncBroken bool
	LastError  string
}

func (l CalendarLink) String() string {
	return fmt.Sprintf("%s/%d/%s", l.Platform, l.UserID, l.CalendarID)
}
