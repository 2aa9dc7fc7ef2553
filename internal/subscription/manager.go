// Package subscription owns the lifecycle of provider push channels:
// create before first use, renew before expiry, stop on teardown.
package subscription

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
)

type Storage interface {
	LinkByID(ctx context.Context, id int64) (*CalendarLink, error)
	LinksNeedingSubscription(ctx context.Context, deadline time.Time) ([]*CalendarLink, error)
	SaveSubscription(ctx context.Context, linkID int64, sub internal.WebhookSubscription) error
	ClearSubscription(ctx context.Context, linkID int64) error
	MarkSyncBroken(ctx context.Context, linkID int64, lastError string) error
	WithLinkLock(ctx context.Context, linkID int64, fn func(context.Context) error) error
}

type Manager struct {
	mux         Mux
	storage     Storage
	callbackURL string
	logger      *zap.Logger

	// ScanInterval must stay well below the shortest provider expiry
	// window (Google channels live ~7 days).
	ScanInterval   time.Duration
	RenewThreshold time.Duration

	MaxCreateRetries uint64
	CreateBackoff    time.Duration
}

func NewManager(mux Mux, storage Storage, callbackURL string, logger *zap.Logger) *Manager {
	return &Manager{
		mux:              mux,
		storage:          storage,
		callbackURL:      callbackURL,
		logger:           logger,
		ScanInterval:     time.Hour,
		RenewThreshold:   24 * time.Hour,
		MaxCreateRetries: 3,
		CreateBackoff:    time.Second,
	}
}

// Run scans immediately and then on every tick until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.ScanInterval)
	defer ticker.Stop()

	for {
		if err := m.Scan(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("subscription scan failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Scan renews every healthy link whose channel is missing or expires
// within the renewal threshold. One failing link does not stop the
// scan; its renewal is retried on the next pass.
func (m *Manager) Scan(ctx context.Context) error {
	links, err := m.storage.LinksNeedingSubscription(ctx, time.Now().Add(m.RenewThreshold))
	if err != nil {
		return err
	}
	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.Renew(ctx, link.ID); err != nil {
			m.logger.Warn("subscription renewal failed",
				zap.Int64("link", link.ID), zap.Error(err))
		}
	}
	return nil
}

// Renew replaces a link's push channel: stop the old one best-effort,
// create the new one, then atomically swap the stored fields. Runs
// under the link lock so it never interleaves with reconciliation.
func (m *Manager) Renew(ctx context.Context, linkID int64) error {
	return m.storage.WithLinkLock(ctx, linkID, func(ctx context.Context) error {
		link, err := m.storage.LinkByID(ctx, linkID)
		if err != nil {
			return err
		}
		if link.SyncBroken {
			return nil
		}
		return m.renewLocked(ctx, link)
	})
}

func (m *Manager) renewLocked(ctx context.Context, link *CalendarLink) error {
	provider, err := m.mux.Get(link.Platform)
	if err != nil {
		return err
	}

	if link.Subscription.Active() {
		// Best-effort: a stop failure is survivable since the old
		// channel expires on its own.
		if err := provider.StopSubscription(ctx, link); err != nil {
			m.logger.Warn("stopping old subscription failed",
				zap.Int64("link", link.ID),
				zap.String("subscription", link.Subscription.ID),
				zap.Error(err))
		}
	}

	sub, err := m.createSubscription(ctx, provider, link)
	if err != nil {
		if errors.Is(err, errs.ErrTokenExpired) {
			if merr := m.storage.MarkSyncBroken(ctx, link.ID, err.Error()); merr != nil {
				return merr
			}
			return err
		}
		return fmt.Errorf("%w: %v", errs.ErrSubscriptionCreateFailed, err)
	}

	if err := m.storage.SaveSubscription(ctx, link.ID, *sub); err != nil {
		return err
	}
	m.logger.Info("subscription installed",
		zap.Int64("link", link.ID),
		zap.String("subscription", sub.ID),
		zap.Time("expires", sub.ExpiresAt))
	return nil
}

func (m *Manager) createSubscription(ctx context.Context, provider internal.Provider, link *CalendarLink) (*internal.WebhookSubscription, error) {
	var sub *internal.WebhookSubscription
	backoff := retry.WithMaxRetries(m.MaxCreateRetries, retry.NewExponential(m.CreateBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		sub, err = provider.CreateSubscription(ctx, link, m.callbackURL)
		if errors.Is(err, errs.ErrProviderUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Stop tears down a link's channel and clears the stored fields, used
// when a link is being removed.
func (m *Manager) Stop(ctx context.Context, linkID int64) error {
	return m.storage.WithLinkLock(ctx, linkID, func(ctx context.Context) error {
		link, err := m.storage.LinkByID(ctx, linkID)
		if err != nil {
			return err
		}
		if !link.Subscription.Active() {
			return nil
		}
		provider, err := m.mux.Get(link.Platform)
		if err != nil {
			return err
		}
		if err := provider.StopSubscription(ctx, link); err != nil {
			m.logger.Warn("stopping subscription failed",
				zap.Int64("link", link.ID), zap.Error(err))
		}
		return m.storage.ClearSubscription(ctx, link.ID)
	})
}
