package twitchapi

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnauthenticated indicates no usable credential is held; the operator
	// must run the authorization flow before retrying.
	ErrUnauthenticated = errors.New("not authenticated with twitch")

	// ErrNotFound indicates no credential of the requested kind is stored.
	ErrNotFound = errors.New("credential not found")

	// ErrStateMismatch indicates the OAuth callback carried a state value that
	// does not match the outstanding authorization request.
	ErrStateMismatch = errors.New("oauth state mismatch")

	// ErrNoPendingRequest indicates an OAuth callback arrived with no
	// authorization request outstanding.
	ErrNoPendingRequest = errors.New("no pending authorization request")

	// ErrExchangeFailed indicates the remote rejected the authorization code.
	ErrExchangeFailed = errors.New("authorization code exchange failed")

	// ErrRefreshFailed indicates a refresh was rejected or impossible; the
	// local credential has been discarded and re-authorization is required.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// ScopeError reports an operation that needs scopes the current grant lacks.
type ScopeError struct {
	Missing []string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("insufficient scope: missing %s", strings.Join(e.Missing, ", "))
}

// IsInsufficientScope reports whether err is (or wraps) a ScopeError.
func IsInsufficientScope(err error) bool {
	var se *ScopeError
	return errors.As(err, &se)
}
