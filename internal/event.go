package internal

import "time"

// RemoteEvent is the provider-normalized shape of one changed event.
// Version is a provider-opaque token (etag, changeKey) that changes
// whenever the event changes.
type RemoteEvent struct {
	ID        string
	Summary   string
	StartsAt  time.Time
	EndsAt    time.Time
	Cancelled bool
	Version   string
}

// Delta is the result of one incremental fetch: every event changed
// since the stored cursor plus the cursor to persist afterwards.
type Delta struct {
	Events     []*RemoteEvent
	NextCursor string
}

// Task is the local mirror of one external event. Cancelled tasks are
// kept, never hard-deleted.
type Task struct {
	ID        int64
	LinkID    int64
	EventID   string // empty until pushed for locally created tasks
	Title     string
	StartsAt  time.Time
	EndsAt    time.Time
	Cancelled bool
}

// EventRef maps (link, external event id) to a local task. It is the
// idempotency key that prevents duplicate task creation on replayed
// notifications. Version holds the last reconciled version token.
type EventRef struct {
	LinkID  int64
	EventID string
	TaskID  int64
	Version string
}

// ReconcileResult counts the effects of applying one delta batch.
type ReconcileResult struct {
	Created   int
	Updated   int
	Cancelled int
}

func (r ReconcileResult) Empty() bool {
	return r.Created == 0 && r.Updated == 0 && r.Cancelled == 0
}
