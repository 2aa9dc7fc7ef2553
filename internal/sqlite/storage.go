package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/taskmirror/calsync/internal"
	"github.com/taskmirror/calsync/internal/errs"
)

const DriverName = "sqlite3"

type Storage struct {
	db    *sqlx.DB
	locks *keyedMutex
}

func NewStorage(db *sql.DB) *Storage {
	s := &Storage{
		db:    sqlx.NewDb(db, DriverName),
		locks: newKeyedMutex(),
	}
	err := s.RunMigrations()
	if err != nil {
		panic(fmt.Sprintf("sqlite: running migrations: %v", err))
	}
	return s
}

// WithLinkLock runs fn while holding the mutual-exclusion lock for one
// calendar link. Reconciliation, renewal and outbound push for the same
// link never interleave; unrelated links are not blocked.
func (s *Storage) WithLinkLock(ctx context.Context, linkID int64, fn func(context.Context) error) error {
	if err := s.locks.Lock(ctx, linkID); err != nil {
		return err
	}
	defer s.locks.Unlock(linkID)
	return fn(ctx)
}

func (s *Storage) AddLink(ctx context.Context, link *internal.CalendarLink) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO calendar_links (user_id, platform, calendar_id, auth, direction)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, platform, calendar_id) DO UPDATE SET auth = excluded.auth;
	`, link.UserID, link.Platform, link.CalendarID, link.Auth, link.Direction)
	if err != nil {
		return err
	}
	link.ID, err = res.LastInsertId()
	return err
}

func (s *Storage) LinkByID(ctx context.Context, id int64) (*internal.CalendarLink, error) {
	var l CalendarLink
	err := s.db.GetContext(ctx, &l, `SELECT * FROM calendar_links WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return l.Convert(), nil
}

// LinkBySubscriptionID resolves the link a webhook delivery belongs to
// from the channel id carried in its headers.
func (s *Storage) LinkBySubscriptionID(ctx context.Context, subID string) (*internal.CalendarLink, error) {
	var l CalendarLink
	err := s.db.GetContext(ctx, &l, `SELECT * FROM calendar_links WHERE sub_id = ?`, subID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return l.Convert(), nil
}

func (s *Storage) Links(ctx context.Context) ([]*internal.CalendarLink, error) {
	var links []CalendarLink
	err := s.db.SelectContext(ctx, &links, `SELECT * FROM calendar_links ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return convertLinks(links), nil
}

// LinksNeedingSubscription returns healthy links that either have no
// push channel or whose channel expires at or before deadline.
func (s *Storage) LinksNeedingSubscription(ctx context.Context, deadline time.Time) ([]*internal.CalendarLink, error) {
	var links []CalendarLink
	err := s.db.SelectContext(ctx, &links, `
		SELECT * FROM calendar_links
		WHERE sync_broken = 0
			AND (sub_id = '' OR sub_expires_at <= ?)
		ORDER BY id
	`, deadline)
	if err != nil {
		return nil, err
	}
	return convertLinks(links), nil
}

func (s *Storage) SaveSubscription(ctx context.Context, linkID int64, sub internal.WebhookSubscription) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE calendar_links
		SET sub_id = ?, sub_resource_id = ?, sub_expires_at = ?
		WHERE id = ?
	`, sub.ID, sub.ResourceID, sub.ExpiresAt, linkID)
	return err
}

func (s *Storage) ClearSubscription(ctx context.Context, linkID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE calendar_links
		SET sub_id = '', sub_resource_id = '', sub_expires_at = NULL
		WHERE id = ?
	`, linkID)
	return err
}

func (s *Storage) SaveCursor(ctx context.Context, linkID int64, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE calendar_links SET cursor = ? WHERE id = ?
	`, cursor, linkID)
	return err
}

func (s *Storage) MarkSyncBroken(ctx context.Context, linkID int64, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE calendar_links SET sync_broken = 1, last_error = ? WHERE id = ?
	`, lastError, linkID)
	return err
}

func (s *Storage) MarkSyncOK(ctx context.Context, linkID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE calendar_links SET sync_broken = 0, last_error = '' WHERE id = ?
	`, linkID)
	return err
}

func (s *Storage) EventRef(ctx context.Context, linkID int64, eventID string) (*internal.EventRef, error) {
	var ref EventRef
	err := s.db.GetContext(ctx, &ref, `
		SELECT link_id, event_id, task_id, version
		FROM event_refs
		WHERE link_id = ? AND event_id = ?
	`, linkID, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ref.Convert(), nil
}

// CreateMirrorTask inserts a task for a newly seen remote event
// together with its event ref, atomically.
func (s *Storage) CreateMirrorTask(ctx context.Context, task *internal.Task, version string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (link_id, event_id, title, starts_at, ends_at, cancelled)
		VALUES (?, ?, ?, ?, ?, ?)
	`, task.LinkID, task.EventID, task.Title, task.StartsAt, task.EndsAt, task.Cancelled)
	if err != nil {
		return err
	}
	task.ID, err = res.LastInsertId()
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO event_refs (link_id, event_id, task_id, version)
		VALUES (?, ?, ?, ?)
	`, task.LinkID, task.EventID, task.ID, version)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateMirrorTask rewrites the mirrored fields of the task behind an
// event ref and records the new version token. A non-cancelled remote
// event reinstates a previously cancelled task.
func (s *Storage) UpdateMirrorTask(ctx context.Context, ref *internal.EventRef, ev *internal.RemoteEvent) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET title = ?, starts_at = ?, ends_at = ?, cancelled = 0 WHERE id = ?
	`, ev.Summary, ev.StartsAt, ev.EndsAt, ref.TaskID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE event_refs SET version = ? WHERE link_id = ? AND event_id = ?
	`, ev.Version, ref.LinkID, ref.EventID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// CancelMirrorTask flags the task cancelled. The event ref is kept so
// a replayed cancellation stays a no-op.
func (s *Storage) CancelMirrorTask(ctx context.Context, ref *internal.EventRef) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET cancelled = 1 WHERE id = ?
	`, ref.TaskID)
	return err
}

// AddTask inserts a locally created task. It has no event ref until
// the outbound pusher records one.
func (s *Storage) AddTask(ctx context.Context, task *internal.Task) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (link_id, event_id, title, starts_at, ends_at, cancelled)
		VALUES (?, ?, ?, ?, ?, ?)
	`, task.LinkID, task.EventID, task.Title, task.StartsAt, task.EndsAt, task.Cancelled)
	if err != nil {
		return err
	}
	task.ID, err = res.LastInsertId()
	return err
}

// UnpushedTasks returns active tasks on a link that have no external
// event yet.
func (s *Storage) UnpushedTasks(ctx context.Context, linkID int64) ([]*internal.Task, error) {
	var tasks []Task
	err := s.db.SelectContext(ctx, &tasks, `
		SELECT * FROM tasks
		WHERE link_id = ? AND event_id = '' AND cancelled = 0
		ORDER BY id
	`, linkID)
	if err != nil {
		return nil, err
	}
	return convertTasks(tasks), nil
}

// SetTaskEventID records the provider event created for a pushed task
// and installs the event ref so future remote deltas map back to it.
func (s *Storage) SetTaskEventID(ctx context.Context, task *internal.Task, eventID, version string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET event_id = ? WHERE id = ?
	`, eventID, task.ID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO event_refs (link_id, event_id, task_id, version)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(link_id, event_id) DO UPDATE SET task_id = excluded.task_id
	`, task.LinkID, eventID, task.ID, version)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	task.EventID = eventID
	return nil
}

// TasksInWindow returns non-cancelled tasks on the given links whose
// interval intersects [from, to).
func (s *Storage) TasksInWindow(ctx context.Context, linkIDs []int64, from, to time.Time) ([]*internal.Task, error) {
	if len(linkIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT * FROM tasks
		WHERE link_id IN (?)
			AND cancelled = 0
			AND starts_at < ? AND ends_at > ?
		ORDER BY starts_at, ends_at
	`, linkIDs, to, from)
	if err != nil {
		return nil, err
	}

	var tasks []Task
	err = s.db.SelectContext(ctx, &tasks, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return convertTasks(tasks), nil
}
