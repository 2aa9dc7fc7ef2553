package sqlite

import (
	"database/sql"
	"time"

	"github.com/taskmirror/calsync/internal"
)

type CalendarLink struct {
	ID            int64        `db:"id"`
	UserID        int64        `db:"user_id"`
	Platform      string       `db:"platform"`
	CalendarID    string       `db:"calendar_id"`
	Auth          string       `db:"auth"`
	Direction     string       `db:"direction"`
	Cursor        string       `db:"cursor"`
	SubID         string       `db:"sub_id"`
	SubResourceID string       `db:"sub_resource_id"`
	SubExpiresAt  sql.NullTime `db:"sub_expires_at"`
	SyncBroken    bool         `db:"sync_broken"`
	LastError     string       `db:"last_error"`
}

func (l CalendarLink) Convert() *internal.CalendarLink {
	var expiresAt time.Time
	if l.SubExpiresAt.Valid {
		expiresAt = l.SubExpiresAt.Time
	}
	return &internal.CalendarLink{
		ID:         l.ID,
		UserID:     l.UserID,
		Platform:   l.Platform,
		CalendarID: l.CalendarID,
		Auth:       l.Auth,
		Direction:  internal.SyncDirection(l.Direction),
		Cursor:     l.Cursor,
		Subscription: internal.WebhookSubscription{
			ID:         l.SubID,
			ResourceID: l.SubResourceID,
			ExpiresAt:  expiresAt,
		},
		SyncBroken: l.SyncBroken,
		LastError:  l.LastError,
	}
}

func convertLinks(links []CalendarLink) []*internal.CalendarLink {
	res := make([]*internal.CalendarLink, len(links))
	for i, l := range links {
		res[i] = l.Convert()
	}
	return res
}

type Task struct {
	ID        int64     `db:"id"`
	LinkID    int64     `db:"link_id"`
	EventID   string    `db:"event_id"`
	Title     string    `db:"title"`
	StartsAt  time.Time `db:"starts_at"`
	EndsAt    time.Time `db:"ends_at"`
	Cancelled bool      `db:"cancelled"`
}

func (t Task) Convert() *internal.Task {
	return &internal.Task{
		ID:        t.ID,
		LinkID:    t.LinkID,
		EventID:   t.EventID,
		Title:     t.Title,
		StartsAt:  t.StartsAt,
		EndsAt:    t.EndsAt,
		Cancelled: t.Cancelled,
	}
}

func convertTasks(tasks []Task) []*internal.Task {
	res := make([]*internal.Task, len(tasks))
	for i, t := range tasks {
		res[i] = t.Convert()
	}
	return res
}

type EventRef struct {
	LinkID  int64  `db:"link_id"`
	EventID string `db:"event_id"`
	TaskID  int64  `db:"task_id"`
	Version string `db:"version"`
}

func (r EventRef) Convert() *internal.EventRef {
	return &internal.EventRef{
		LinkID:  r.LinkID,
		EventID: r.EventID,
		TaskID:  r.TaskID,
		Version: r.Version,
	}
}
