package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthenticated       = errors.New("unauthenticated")
	ErrForbidden             = errors.New("forbidden")
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrRateLimited           = errors.New("rate limited")
	ErrBadRequest            = errors.New("bad request")
	ErrBotBlocked            = errors.New("bot traffic blocked")
	ErrUpstreamMisconfigured = errors.New("upstream misconfigured")
	ErrUpstreamUnreachable   = errors.New("upstream unreachable")
	ErrUpstreamTimeout       = errors.New("upstream timeout")
)
