package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/streamwatch/telemetry"
)

// refreshMargin is how close to expiry a token may get before EnsureValid
// refreshes it. Matches Twitch's guidance of refreshing ahead of expiry.
const refreshMargin = 60 * time.Second

// remoteCallTimeout bounds every token-endpoint round trip.
const remoteCallTimeout = 15 * time.Second

// Grant is the result of EnsureValid: a bearer token plus enough metadata for
// the caller to decide whether the intended operation still applies. Degraded
// means the caller asked for a user token but got the app fallback.
type Grant struct {
	AccessToken string
	Kind        TokenKind
	Degraded    bool
	Scopes      []string
}

// RequireScopes fails with a ScopeError naming every requested scope the
// grant does not hold. App and degraded grants hold no user scopes at all.
func (g Grant) RequireScopes(scopes ...string) error {
	if len(scopes) == 0 {
		return nil
	}
	var missing []string
	for _, s := range scopes {
		if g.Kind != UserToken || g.Degraded || !slices.Contains(g.Scopes, s) {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return &ScopeError{Missing: missing}
	}
	return nil
}

// TokenManager owns the credential lifecycle: authorization-code exchange,
// refresh, revocation, validation, and user/app fallback selection. It is the
// only component that talks to the Twitch OAuth endpoints.
type TokenManager struct {
	clientID     string
	clientSecret string
	redirectURI  string
	store        *Store
	hc           *http.Client
	group        singleflight.Group
}

func NewTokenManager(clientID, clientSecret, redirectURI string, store *Store, hc *http.Client) *TokenManager {
	if store == nil {
		store = NewStore()
	}
	return &TokenManager{
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		store:        store,
		hc:           hc,
	}
}

// Store exposes the credential store for the command surface (status checks).
func (m *TokenManager) Store() *Store { return m.store }

// AuthorizationURL begins a new authorization-code flow and returns the URL
// the operator must open. Any prior unredeemed flow is invalidated.
func (m *TokenManager) AuthorizationURL(scopes []string) (string, error) {
	state, err := m.store.BeginAuthorization(scopes)
	if err != nil {
		return "", err
	}
	return BuildAuthorizeURL(m.clientID, m.redirectURI, strings.Join(scopes, " "), state)
}

// ExchangeCode redeems the callback's state+code pair for a user credential.
// A state mismatch or missing pending request rejects the exchange without
// touching stored credentials.
func (m *TokenManager) ExchangeCode(ctx context.Context, state, code string) (*Credential, error) {
	if _, err := m.store.CompleteAuthorization(state); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, remoteCallTimeout)
	defer cancel()
	res, err := ExchangeAuthCode(ctx, m.hc, m.clientID, m.clientSecret, code, m.redirectURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	cred := &Credential{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		Kind:         UserToken,
		ExpiresAt:    ComputeExpiry(res.ExpiresIn),
		Scopes:       res.Scope,
	}
	m.store.Put(cred)
	slog.Info("user token acquired", slog.Any("scopes", cred.Scopes))
	return cred, nil
}

// EnsureValid returns a usable bearer token of the requested kind, refreshing
// or acquiring as needed. A missing user credential is ErrUnauthenticated; a
// missing app credential triggers first-time acquisition. If a user refresh
// fails the credential is discarded and the app token is returned with
// Degraded set, so callers know before attempting a user-scoped operation.
func (m *TokenManager) EnsureValid(ctx context.Context, kind TokenKind) (Grant, error) {
	switch kind {
	case AppToken:
		return m.ensureApp(ctx)
	case UserToken:
		return m.ensureUser(ctx)
	default:
		return Grant{}, fmt.Errorf("unknown token kind %q", kind)
	}
}

// EnsureValidAny prefers the user token and falls back to the app token when
// no user credential is held at all.
func (m *TokenManager) EnsureValidAny(ctx context.Context) (Grant, error) {
	g, err := m.ensureUser(ctx)
	if err == nil {
		return g, nil
	}
	app, appErr := m.ensureApp(ctx)
	if appErr != nil {
		return Grant{}, fmt.Errorf("no usable token: %w", appErr)
	}
	app.Degraded = true
	return app, nil
}

func (m *TokenManager) ensureUser(ctx context.Context) (Grant, error) {
	cred, err := m.store.Get(UserToken)
	if err != nil {
		return Grant{}, ErrUnauthenticated
	}
	if time.Until(cred.ExpiresAt) > refreshMargin {
		return Grant{AccessToken: cred.AccessToken, Kind: UserToken, Scopes: cred.Scopes}, nil
	}
	// Expired or about to: refresh once even under concurrent callers.
	v, err, _ := m.group.Do(string(UserToken), func() (any, error) {
		cur, err := m.store.Get(UserToken)
		if err != nil {
			return nil, ErrUnauthenticated
		}
		if time.Until(cur.ExpiresAt) > refreshMargin {
			return cur, nil
		}
		return m.refreshUser(ctx, cur)
	})
	if err == nil {
		fresh := v.(*Credential)
		return Grant{AccessToken: fresh.AccessToken, Kind: UserToken, Scopes: fresh.Scopes}, nil
	}
	// Refresh failed: fall back to the app token and mark the grant degraded
	// so user-scoped operations can refuse it.
	slog.Warn("user token unusable, falling back to app token", slog.Any("err", err))
	app, appErr := m.ensureApp(ctx)
	if appErr != nil {
		return Grant{}, fmt.Errorf("%w (app fallback also failed: %v)", err, appErr)
	}
	app.Degraded = true
	return app, nil
}

// refreshUser rotates the user credential. The credential is discarded only
// when the remote rejects the refresh token; a canceled or timed-out round
// trip keeps it so a later EnsureValid can retry.
func (m *TokenManager) refreshUser(ctx context.Context, cur *Credential) (*Credential, error) {
	if cur.RefreshToken == "" {
		m.store.Delete(UserToken)
		return nil, fmt.Errorf("%w: no refresh token held", ErrRefreshFailed)
	}
	// Detached from the caller: the refresh outlives the first singleflight
	// waiter, and its cancellation must not abort a rotation already in flight.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), remoteCallTimeout)
	defer cancel()
	res, err := RefreshToken(rctx, m.hc, m.clientID, m.clientSecret, cur.RefreshToken)
	if err != nil {
		telemetry.IncTokenRefreshFailures()
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			m.store.Delete(UserToken)
		}
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	next := &Credential{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		Kind:         UserToken,
		ExpiresAt:    ComputeExpiry(res.ExpiresIn),
		Scopes:       res.Scope,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	if len(next.Scopes) == 0 {
		next.Scopes = cur.Scopes
	}
	m.store.Put(next)
	telemetry.IncTokenRefreshes()
	slog.Info("user token refreshed")
	return next, nil
}

func (m *TokenManager) ensureApp(ctx context.Context) (Grant, error) {
	if cred, err := m.store.Get(AppToken); err == nil && time.Until(cred.ExpiresAt) > refreshMargin {
		return Grant{AccessToken: cred.AccessToken, Kind: AppToken}, nil
	}
	v, err, _ := m.group.Do(string(AppToken), func() (any, error) {
		if cred, err := m.store.Get(AppToken); err == nil && time.Until(cred.ExpiresAt) > refreshMargin {
			return cred, nil
		}
		return m.fetchAppToken(ctx)
	})
	if err != nil {
		return Grant{}, err
	}
	return Grant{AccessToken: v.(*Credential).AccessToken, Kind: AppToken}, nil
}

// fetchAppToken acquires an app access token via the client-credentials
// grant. No user interaction is involved.
func (m *TokenManager) fetchAppToken(ctx context.Context) (*Credential, error) {
	if m.clientID == "" || m.clientSecret == "" {
		return nil, fmt.Errorf("missing client id/secret for twitch app token")
	}
	cc := clientcredentials.Config{
		ClientID:     m.clientID,
		ClientSecret: m.clientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams, // Twitch wants credentials in the form body
	}
	rctx, cancel := context.WithTimeout(ctx, remoteCallTimeout)
	defer cancel()
	if m.hc != nil {
		rctx = context.WithValue(rctx, oauth2.HTTPClient, m.hc)
	}
	tok, err := cc.Token(rctx)
	if err != nil {
		return nil, fmt.Errorf("twitch app token request failed: %w", err)
	}
	cred := &Credential{AccessToken: tok.AccessToken, Kind: AppToken, ExpiresAt: tok.Expiry}
	m.store.Put(cred)
	slog.Info("app token acquired")
	return cred, nil
}

// Refresh forces a rotation of the given kind regardless of expiry.
func (m *TokenManager) Refresh(ctx context.Context, kind TokenKind) (*Credential, error) {
	if kind == AppToken {
		return m.fetchAppToken(ctx)
	}
	cur, err := m.store.Get(UserToken)
	if err != nil {
		return nil, fmt.Errorf("%w: no user credential held", ErrRefreshFailed)
	}
	return m.refreshUser(ctx, cur)
}

// Revoke performs a best-effort remote revocation, then unconditionally
// discards the local credential.
func (m *TokenManager) Revoke(ctx context.Context, kind TokenKind) {
	if cred, err := m.store.Get(kind); err == nil {
		rctx, cancel := context.WithTimeout(ctx, remoteCallTimeout)
		if err := RevokeTokenRemote(rctx, m.hc, m.clientID, cred.AccessToken); err != nil {
			slog.Warn("remote token revocation failed", slog.String("kind", string(kind)), slog.Any("err", err))
		}
		cancel()
	}
	m.store.Delete(kind)
	slog.Info("token revoked", slog.String("kind", string(kind)))
}

// Validate introspects the held token of the given kind without mutating it.
func (m *TokenManager) Validate(ctx context.Context, kind TokenKind) (*ValidateResult, error) {
	cred, err := m.store.Get(kind)
	if err != nil {
		return nil, err
	}
	rctx, cancel := context.WithTimeout(ctx, remoteCallTimeout)
	defer cancel()
	return ValidateToken(rctx, m.hc, cred.AccessToken)
}
