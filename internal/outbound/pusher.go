// Package outbound pushes locally created tasks out to the remote
// calendar for links that sync toward the provider.
package outbound

import (
	"context"

	"go.uber.org/zap"

	"github.com/taskmirror/calsync/internal"
)

type (
	Mux          = internal.Mux
	CalendarLink = internal.CalendarLink
	Task         = internal.Task
)

type Storage interface {
	Links(ctx context.Context) ([]*CalendarLink, error)
	UnpushedTasks(ctx context.Context, linkID int64) ([]*Task, error)
	SetTaskEventID(ctx context.Context, task *Task, eventID, version string) error
	WithLinkLock(ctx context.Context, linkID int64, fn func(context.Context) error) error
}

type Pusher struct {
	mux     Mux
	storage Storage
	logger  *zap.Logger
}

func NewPusher(mux Mux, storage Storage, logger *zap.Logger) *Pusher {
	return &Pusher{
		mux:     mux,
		storage: storage,
		logger:  logger,
	}
}

// PushAll walks every link syncing toward the provider and pushes its
// unpushed tasks. One failing link does not stop the rest.
func (p *Pusher) PushAll(ctx context.Context) error {
	links, err := p.storage.Links(ctx)
	if err != nil {
		return err
	}
	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return err
		}
		if link.SyncBroken || !link.Direction.PushesLocal() {
			continue
		}
		if err := p.PushLink(ctx, link); err != nil {
			p.logger.Warn("outbound push failed",
				zap.Int64("link", link.ID), zap.Error(err))
		}
	}
	return nil
}

// PushLink creates remote events for the link's unpushed tasks and
// records the returned event ids, under the link lock. Recording the
// id installs the event ref, so the next inbound delta for the same
// event maps back onto the task instead of duplicating it.
func (p *Pusher) PushLink(ctx context.Context, link *CalendarLink) error {
	provider, err := p.mux.Get(link.Platform)
	if err != nil {
		return err
	}
	return p.storage.WithLinkLock(ctx, link.ID, func(ctx context.Context) error {
		tasks, err := p.storage.UnpushedTasks(ctx, link.ID)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			eventID, err := provider.CreateEvent(ctx, link, task)
			if err != nil {
				return err
			}
			if err := p.storage.SetTaskEventID(ctx, task, eventID, ""); err != nil {
				// Undo the remote create so the retry does not
				// duplicate the event.
				_ = provider.DeleteEvent(ctx, link, eventID)
				return err
			}
			p.logger.Info("pushed task",
				zap.Int64("link", link.ID),
				zap.Int64("task", task.ID),
				zap.String("event", eventID))
		}
		return nil
	})
}
