// Package reconciler merges remote event deltas into the local task
// mirror, idempotently and serialized per calendar link.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/taskmirror/calsync/internal"
	"github.com/taskmirror/calsync/internal/errs"
)

type (
	Mux          = internal.Mux
	CalendarLink = internal.CalendarLink
	RemoteEvent  = internal.RemoteEvent
	Result       = internal.ReconcileResult
)

type Storage interface {
	LinkByID(ctx context.Context, id int64) (*CalendarLink, error)
	EventRef(ctx context.Context, linkID int64, eventID string) (*internal.EventRef, error)
	CreateMirrorTask(ctx context.Context, task *internal.Task, version string) error
	UpdateMirrorTask(ctx context.Context, ref *internal.EventRef, ev *RemoteEvent) error
	CancelMirrorTask(ctx context.Context, ref *internal.EventRef) error
	SaveCursor(ctx context.Context, linkID int64, cursor string) error
	MarkSyncBroken(ctx context.Context, linkID int64, lastError string) error
	MarkSyncOK(ctx context.Context, linkID int64) error
	WithLinkLock(ctx context.Context, linkID int64, fn func(context.Context) error) error
}

type Reconciler struct {
	mux     Mux
	storage Storage
	logger  *zap.Logger

	// MaxFetchRetries bounds backoff retries of a transient delta
	// fetch failure before it is surfaced as a link-level warning.
	MaxFetchRetries uint64
	FetchBackoff    time.Duration
}

func New(mux Mux, storage Storage, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		mux:             mux,
		storage:         storage,
		logger:          logger,
		MaxFetchRetries: 3,
		FetchBackoff:    500 * time.Millisecond,
	}
}

// SyncLink fetches the delta for one link and reconciles it, holding
// the link lock for the whole fetch-apply-advance sequence so two
// batches for the same link never race on the cursor.
func (r *Reconciler) SyncLink(ctx context.Context, linkID int64) (Result, error) {
	var res Result
	err := r.storage.WithLinkLock(ctx, linkID, func(ctx context.Context) error {
		var err error
		res, err = r.syncLocked(ctx, linkID)
		return err
	})
	return res, err
}

func (r *Reconciler) syncLocked(ctx context.Context, linkID int64) (Result, error) {
	link, err := r.storage.LinkByID(ctx, linkID)
	if err != nil {
		return Result{}, err
	}
	if link.SyncBroken {
		r.logger.Warn("skipping sync-broken link", zap.Int64("link", link.ID))
		return Result{}, nil
	}
	if !link.Direction.FetchesRemote() {
		return Result{}, nil
	}

	provider, err := r.mux.Get(link.Platform)
	if err != nil {
		return Result{}, err
	}

	delta, err := r.fetchDelta(ctx, provider, link)
	if err != nil {
		if errors.Is(err, errs.ErrTokenExpired) {
			if merr := r.storage.MarkSyncBroken(ctx, link.ID, err.Error()); merr != nil {
				return Result{}, merr
			}
			r.logger.Warn("link sync broken, re-authorization required",
				zap.Int64("link", link.ID), zap.Error(err))
		}
		return Result{}, err
	}

	res, err := r.Reconcile(ctx, link, delta.Events)
	if err != nil {
		// Cursor stays behind: the same range is re-fetched on the
		// next attempt and per-event upserts are re-entrant.
		return res, err
	}

	if delta.NextCursor != "" && delta.NextCursor != link.Cursor {
		if err := r.storage.SaveCursor(ctx, link.ID, delta.NextCursor); err != nil {
			return res, err
		}
	}
	if link.LastError != "" {
		if err := r.storage.MarkSyncOK(ctx, link.ID); err != nil {
			return res, err
		}
	}

	if !res.Empty() {
		r.logger.Info("reconciled delta",
			zap.Int64("link", link.ID),
			zap.Int("created", res.Created),
			zap.Int("updated", res.Updated),
			zap.Int("cancelled", res.Cancelled),
		)
	}
	return res, nil
}

func (r *Reconciler) fetchDelta(ctx context.Context, provider internal.Provider, link *CalendarLink) (*internal.Delta, error) {
	var delta *internal.Delta
	backoff := retry.WithMaxRetries(r.MaxFetchRetries, retry.NewExponential(r.FetchBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		delta, err = provider.FetchDelta(ctx, link)
		if errors.Is(err, errs.ErrProviderUnavailable) {
			r.logger.Warn("delta fetch failed, retrying",
				zap.Int64("link", link.ID), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return delta, nil
}

// Reconcile applies one batch of remote changes to the mirror. Each
// per-event upsert is independent and re-entrant, so replayed or
// reordered batches converge to the same state.
func (r *Reconciler) Reconcile(ctx context.Context, link *CalendarLink, events []*RemoteEvent) (Result, error) {
	var res Result
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		effect, err := r.apply(ctx, link, ev)
		if err != nil {
			return res, fmt.Errorf("event %s: %w", ev.ID, err)
		}
		switch effect {
		case created:
			res.Created++
		case updated:
			res.Updated++
		case cancelled:
			res.Cancelled++
		}
	}
	return res, nil
}

type effect int

const (
	noop effect = iota
	created
	updated
	cancelled
)

func (r *Reconciler) apply(ctx context.Context, link *CalendarLink, ev *RemoteEvent) (effect, error) {
	ref, err := r.storage.EventRef(ctx, link.ID, ev.ID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		ref = nil
	case err != nil:
		return noop, err
	}

	switch {
	case ref == nil && ev.Cancelled:
		// Nothing to cancel; a removal we never mirrored.
		return noop, nil

	case ref == nil:
		task := &internal.Task{
			LinkID:   link.ID,
			EventID:  ev.ID,
			Title:    ev.Summary,
			StartsAt: ev.StartsAt,
			EndsAt:   ev.EndsAt,
		}
		if err := r.storage.CreateMirrorTask(ctx, task, ev.Version); err != nil {
			return noop, err
		}
		return created, nil

	case ev.Cancelled:
		if err := r.storage.CancelMirrorTask(ctx, ref); err != nil {
			return noop, err
		}
		return cancelled, nil

	case ref.Version == ev.Version:
		// Replayed delivery, avoid the redundant write.
		return noop, nil

	default:
		if err := r.storage.UpdateMirrorTask(ctx, ref, ev); err != nil {
			return noop, err
		}
		return updated, nil
	}
}
