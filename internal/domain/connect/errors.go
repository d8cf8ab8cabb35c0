package connect

import "errors"

var (
	// ErrNotConfigured signals the platform is disabled or unknown.
	ErrNotConfigured = errors.New("connect: platform not configured")
	// ErrStateRejected indicates an unknown, reused, expired, or mismatched state token.
	ErrStateRejected = errors.New("connect: state rejected")
	// ErrExchangeFailed indicates the code-for-token exchange did not yield a usable token.
	ErrExchangeFailed = errors.New("connect: code exchange failed")
	// ErrIdentityFetchFailed indicates the provider identity lookup failed; the
	// whole authorization attempt is invalid without it.
	ErrIdentityFetchFailed = errors.New("connect: identity fetch failed")
	// ErrNeedsReauth means the stored credential is unusable and the user must reconnect.
	ErrNeedsReauth = errors.New("connect: reauthorization required")
	// ErrRefreshFailed marks a failed refresh attempt.
	ErrRefreshFailed = errors.New("connect: token refresh failed")
	// ErrAuthRejected marks an authentication-rejection response (401/invalid_grant)
	// from the platform; callers must fail fast and never retry it.
	ErrAuthRejected = errors.New("connect: provider rejected credentials")
	// ErrConnectionNotFound signals an unknown connection id.
	ErrConnectionNotFound = errors.New("connect: connection not found")
)
