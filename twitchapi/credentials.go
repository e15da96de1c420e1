package twitchapi

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"slices"
	"sync"
	"time"
)

// TokenKind distinguishes user-scoped tokens from app (client-credentials) tokens.
type TokenKind string

const (
	UserToken TokenKind = "user"
	AppToken  TokenKind = "app"
)

// stateExpiry bounds how long an issued authorization state stays redeemable.
const stateExpiry = 5 * time.Minute

// Credential is an access token plus the metadata needed to decide when it
// must be refreshed. App credentials never carry a refresh token or scopes.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Kind         TokenKind
	ExpiresAt    time.Time // zero when the remote did not report a lifetime
	Scopes       []string
}

// HasScopes reports whether the credential covers every requested scope.
func (c *Credential) HasScopes(scopes []string) bool {
	for _, s := range scopes {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// authRequest tracks the single outstanding authorization-code flow.
type authRequest struct {
	state     string
	scopes    []string
	createdAt time.Time
}

// Store holds the current credentials and in-flight authorization state in
// memory. At most one credential per kind; putting a new one supersedes the
// old. It performs no network I/O.
type Store struct {
	mu      sync.Mutex
	creds   map[TokenKind]*Credential
	pending *authRequest
}

func NewStore() *Store {
	return &Store{creds: make(map[TokenKind]*Credential)}
}

// Put replaces any existing credential of cred.Kind.
func (s *Store) Put(cred *Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cred
	s.creds[cred.Kind] = &cp
}

// Get returns a copy of the current credential of the given kind, or
// ErrNotFound.
func (s *Store) Get(kind TokenKind) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, kind)
	}
	cp := *c
	return &cp, nil
}

// Delete discards the credential of the given kind if one is held.
func (s *Store) Delete(kind TokenKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, kind)
}

// BeginAuthorization generates a random state token and records the pending
// request. Issuing a new request invalidates any prior unredeemed one.
func (s *Store) BeginAuthorization(scopes []string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(buf)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = &authRequest{state: state, scopes: slices.Clone(scopes), createdAt: time.Now()}
	return state, nil
}

// CompleteAuthorization validates the returned state against the outstanding
// request and clears it. Returns the scopes the request asked for. An expired
// state is treated as a mismatch; neither failure mutates stored credentials.
func (s *Store) CompleteAuthorization(returnedState string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil, ErrNoPendingRequest
	}
	if returnedState != s.pending.state || time.Since(s.pending.createdAt) > stateExpiry {
		return nil, ErrStateMismatch
	}
	scopes := s.pending.scopes
	s.pending = nil
	return scopes, nil
}

// PendingAuthorization reports whether an authorization request is outstanding.
func (s *Store) PendingAuthorization() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}
