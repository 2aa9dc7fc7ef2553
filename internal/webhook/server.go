// Package webhook authenticates and routes inbound change
// notifications from calendar providers.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/taskmirror/calsync/internal"
	"github.com/taskmirror/calsync/internal/errs"
)

// Signature headers checked against the shared secret, per provider.
var signatureHeaders = []string{"X-Goog-Signature", "X-Outlook-Signature"}

// Syncer runs the reconcile pipeline for one link.
type Syncer interface {
	SyncLink(ctx context.Context, linkID int64) (internal.ReconcileResult, error)
}

// LinkResolver maps a channel id from routing metadata to its link.
type LinkResolver interface {
	LinkBySubscriptionID(ctx context.Context, subID string) (*internal.CalendarLink, error)
}

type ServerConfig struct {
	// Secret enables HMAC verification of inbound bodies. Empty
	// disables it (providers that cannot sign rely on the opaque
	// channel id instead).
	Secret       string
	Workers      int
	QueueSize    int
	MaxBodyBytes int64
}

// Server is the inbound webhook endpoint. It performs no mutation
// itself: deliveries are authenticated, classified, and delegated to
// the reconciler through a worker pool keyed only by link id.
type Server struct {
	providers internal.Mux
	links     LinkResolver
	syncer    Syncer
	cfg       ServerConfig
	logger    *zap.Logger

	jobs chan int64
	wg   sync.WaitGroup
}

func NewServer(providers internal.Mux, links LinkResolver, syncer Syncer, cfg ServerConfig, logger *zap.Logger) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		providers: providers,
		links:     links,
		syncer:    syncer,
		cfg:       cfg,
		logger:    logger,
		jobs:      make(chan int64, cfg.QueueSize),
	}
}

// Start launches the worker pool. Workers drain until ctx is done;
// Wait blocks until they exit.
func (s *Server) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
}

func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case linkID := <-s.jobs:
			if _, err := s.syncer.SyncLink(ctx, linkID); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("sync failed", zap.Int64("link", linkID), zap.Error(err))
			}
		}
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	notif, err := s.classify(r)
	if err != nil {
		// Provider offers no redelivery tuning: acknowledge so it
		// does not storm, and rely on cursors to catch up later.
		s.logger.Warn("unroutable delivery", zap.Error(err))
		w.WriteHeader(http.StatusOK)
		return
	}

	// The subscription handshake carries no signature; without the
	// echo the subscription never activates.
	if notif.Kind != internal.NotificationHandshake && s.cfg.Secret != "" {
		if !VerifySignature(body, presentedSignature(r.Header), s.cfg.Secret) {
			s.logger.Warn("rejected unauthenticated delivery",
				zap.String("remote", r.RemoteAddr))
			http.Error(w, errs.ErrAuthenticationFailed.Error(), http.StatusUnauthorized)
			return
		}
	}

	switch notif.Kind {
	case internal.NotificationHandshake:
		// Echo the validation token verbatim.
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, notif.ValidationToken)

	case internal.NotificationSync:
		s.logger.Debug("initial sync notification",
			zap.String("subscription", notif.SubscriptionID))
		w.WriteHeader(http.StatusOK)

	case internal.NotificationChanged:
		s.delegate(w, r, notif)

	default:
		w.WriteHeader(http.StatusOK)
	}
}

// classify asks each registered provider to recognize the delivery
// from its routing metadata; shared logic never sniffs headers itself.
func (s *Server) classify(r *http.Request) (*internal.Notification, error) {
	for _, platform := range s.providers.Platforms() {
		provider, err := s.providers.Get(platform)
		if err != nil {
			return nil, err
		}
		notif, err := provider.ClassifyNotification(r.Header, r.URL.Query())
		if errors.Is(err, errs.ErrUnroutableNotification) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return notif, nil
	}
	return nil, errs.ErrUnroutableNotification
}

func (s *Server) delegate(w http.ResponseWriter, r *http.Request, notif *internal.Notification) {
	link, err := s.links.LinkBySubscriptionID(r.Context(), notif.SubscriptionID)
	if errors.Is(err, errs.ErrNotFound) {
		s.logger.Warn("notification for unknown channel",
			zap.String("subscription", notif.SubscriptionID))
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	select {
	case s.jobs <- link.ID:
	default:
		// A dropped job is safe: the cursor has not advanced, so the
		// next notification or renewal scan re-fetches the range.
		s.logger.Warn("sync queue full, dropping delivery",
			zap.Int64("link", link.ID))
	}
	w.WriteHeader(http.StatusAccepted)
}

func presentedSignature(h http.Header) string {
	for _, name := range signatureHeaders {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}
