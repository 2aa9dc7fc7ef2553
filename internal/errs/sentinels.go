// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAuthenticationFailed indicates a webhook delivery with a bad
	// or missing signature. Rejected, never retried.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrUnroutableNotification indicates a delivery whose channel or
	// platform cannot be resolved. Logged and acknowledged.
	ErrUnroutableNotification = errors.New("unroutable notification")

	// ErrProviderUnavailable indicates a transient provider failure,
	// retried with backoff before being surfaced.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrTokenExpired indicates the link's oauth material no longer
	// refreshes; the link enters sync-broken until re-authorized.
	ErrTokenExpired = errors.New("token expired")

	// ErrSubscriptionCreateFailed is fatal for one renewal cycle and
	// retried on the next scan.
	ErrSubscriptionCreateFailed = errors.New("subscription create failed")
)
