package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/streamwatch/testutil"
)

func newTestManager(t *testing.T) (*TokenManager, *testutil.MockTwitchServer) {
	t.Helper()
	mock := testutil.NewMockTwitchServer(t)
	m := NewTokenManager("test-client", "test-secret", "http://localhost/callback", NewStore(), testClient(mock.URL))
	return m, mock
}

func TestEnsureValidUserCached(t *testing.T) {
	m, mock := newTestManager(t)
	callCount := 0
	mock.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		callCount++
		w.WriteHeader(http.StatusInternalServerError)
	}
	m.Store().Put(&Credential{
		AccessToken: "fresh-token",
		Kind:        UserToken,
		ExpiresAt:   time.Now().Add(time.Hour),
		Scopes:      []string{"chat:read"},
	})

	g, err := m.EnsureValid(context.Background(), UserToken)
	if err != nil {
		t.Fatalf("EnsureValid() error = %v", err)
	}
	if g.AccessToken != "fresh-token" || g.Kind != UserToken || g.Degraded {
		t.Errorf("grant = %+v, want fresh user grant", g)
	}
	if callCount != 0 {
		t.Errorf("expected no token endpoint calls for a fresh credential, got %d", callCount)
	}
}

func TestEnsureValidUserRefreshesExpired(t *testing.T) {
	m, mock := newTestManager(t)
	mock.MockOAuthTokenResponse("rotated-access", "rotated-refresh", 3600, nil)
	m.Store().Put(&Credential{
		AccessToken:  "stale-access",
		RefreshToken: "old-refresh",
		Kind:         UserToken,
		ExpiresAt:    time.Now().Add(10 * time.Second), // inside the refresh margin
		Scopes:       []string{"chat:read"},
	})

	g, err := m.EnsureValid(context.Background(), UserToken)
	if err != nil {
		t.Fatalf("EnsureValid() error = %v", err)
	}
	if g.AccessToken != "rotated-access" {
		t.Errorf("AccessToken = %s, want rotated-access", g.AccessToken)
	}

	cred, err := m.Store().Get(UserToken)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cred.RefreshToken != "rotated-refresh" {
		t.Errorf("RefreshToken = %s, want rotated-refresh", cred.RefreshToken)
	}
	// Scopes survive a refresh response that omits them.
	if len(cred.Scopes) != 1 || cred.Scopes[0] != "chat:read" {
		t.Errorf("Scopes = %v, want [chat:read]", cred.Scopes)
	}
}

func TestEnsureValidUserConcurrentSingleRefresh(t *testing.T) {
	m, mock := newTestManager(t)
	var mu sync.Mutex
	callCount := 0
	mock.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		callCount++
		mu.Unlock()
		time.Sleep(50 * time.Millisecond) // widen the race window
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck // test mock response
			"access_token":  "rotated",
			"refresh_token": "rotated-refresh",
			"expires_in":    3600,
		})
	}
	m.Store().Put(&Credential{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		Kind:         UserToken,
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	grants := make([]Grant, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			grants[i], errs[i] = m.EnsureValid(context.Background(), UserToken)
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("EnsureValid()[%d] error = %v", i, errs[i])
		}
		if grants[i].AccessToken != "rotated" {
			t.Errorf("grant[%d].AccessToken = %s, want rotated", i, grants[i].AccessToken)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if callCount != 1 {
		t.Errorf("expected exactly 1 refresh call, got %d", callCount)
	}
}

func TestEnsureValidUserCanceledCallerKeepsCredential(t *testing.T) {
	m, mock := newTestManager(t)
	var mu sync.Mutex
	callCount := 0
	mock.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		callCount++
		mu.Unlock()
		time.Sleep(300 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck // test mock response
			"access_token":  "rotated",
			"refresh_token": "rotated-refresh",
			"expires_in":    3600,
		})
	}
	m.Store().Put(&Credential{
		AccessToken:  "stale",
		RefreshToken: "still-good",
		Kind:         UserToken,
		ExpiresAt:    time.Now().Add(-time.Minute),
		Scopes:       []string{"chat:read"},
	})

	// Cancel the caller mid-refresh. The rotation already in flight must
	// finish rather than destroy a refresh token the remote never rejected.
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	g, err := m.EnsureValid(ctx, UserToken)
	if err != nil {
		t.Fatalf("EnsureValid() error = %v", err)
	}
	if g.AccessToken != "rotated" {
		t.Errorf("AccessToken = %s, want rotated", g.AccessToken)
	}

	cred, err := m.Store().Get(UserToken)
	if err != nil {
		t.Fatalf("user credential lost after canceled caller: %v", err)
	}
	if cred.RefreshToken != "rotated-refresh" {
		t.Errorf("RefreshToken = %s, want rotated-refresh", cred.RefreshToken)
	}

	// The rotated credential serves later callers without another round trip.
	g2, err := m.EnsureValid(context.Background(), UserToken)
	if err != nil {
		t.Fatalf("EnsureValid() after cancellation error = %v", err)
	}
	if g2.AccessToken != "rotated" {
		t.Errorf("AccessToken = %s, want rotated", g2.AccessToken)
	}
	mu.Lock()
	defer mu.Unlock()
	if callCount != 1 {
		t.Errorf("refresh calls = %d, want 1", callCount)
	}
}

func TestEnsureValidUserMissing(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.EnsureValid(context.Background(), UserToken); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("EnsureValid() with no credential error = %v, want ErrUnauthenticated", err)
	}
}

func TestEnsureValidUserRefreshFailureFallsBackDegraded(t *testing.T) {
	m, mock := newTestManager(t)
	refreshCalls := 0
	mock.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("grant_type") == "refresh_token" {
			refreshCalls++
			http.Error(w, `{"status":400,"message":"Invalid refresh token"}`, http.StatusBadRequest)
			return
		}
		// client_credentials grant for the app fallback
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck // test mock response
			"access_token": "app-token",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}
	m.Store().Put(&Credential{
		AccessToken:  "stale",
		RefreshToken: "revoked-refresh",
		Kind:         UserToken,
		ExpiresAt:    time.Now().Add(-time.Minute),
		Scopes:       []string{"chat:read"},
	})

	g, err := m.EnsureValid(context.Background(), UserToken)
	if err != nil {
		t.Fatalf("EnsureValid() error = %v", err)
	}
	if g.Kind != AppToken || !g.Degraded {
		t.Errorf("grant = %+v, want degraded app grant", g)
	}
	if refreshCalls != 1 {
		t.Errorf("refresh calls = %d, want 1", refreshCalls)
	}
	// The dead user credential is discarded so the next call demands re-auth.
	if _, err := m.Store().Get(UserToken); !errors.Is(err, ErrNotFound) {
		t.Errorf("user credential still held after failed refresh: %v", err)
	}

	// Degraded grants refuse user-scoped operations.
	if err := g.RequireScopes("chat:read"); !IsInsufficientScope(err) {
		t.Errorf("RequireScopes() on degraded grant error = %v, want scope error", err)
	}
}

func TestEnsureValidAppAcquiresOnce(t *testing.T) {
	m, mock := newTestManager(t)
	callCount := 0
	mock.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		callCount++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck // test mock response
			"access_token": "app-token",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}

	g1, err := m.EnsureValid(context.Background(), AppToken)
	if err != nil {
		t.Fatalf("EnsureValid() error = %v", err)
	}
	g2, err := m.EnsureValid(context.Background(), AppToken)
	if err != nil {
		t.Fatalf("EnsureValid() error = %v", err)
	}
	if g1.AccessToken != "app-token" || g2.AccessToken != "app-token" {
		t.Errorf("grants = %q, %q, want app-token twice", g1.AccessToken, g2.AccessToken)
	}
	if callCount != 1 {
		t.Errorf("expected 1 acquisition call, got %d", callCount)
	}
}

func TestEnsureValidAnyPrefersUser(t *testing.T) {
	m, _ := newTestManager(t)
	m.Store().Put(&Credential{
		AccessToken: "user-token",
		Kind:        UserToken,
		ExpiresAt:   time.Now().Add(time.Hour),
		Scopes:      []string{"chat:read"},
	})

	g, err := m.EnsureValidAny(context.Background())
	if err != nil {
		t.Fatalf("EnsureValidAny() error = %v", err)
	}
	if g.Kind != UserToken || g.Degraded {
		t.Errorf("grant = %+v, want non-degraded user grant", g)
	}
	if err := g.RequireScopes("chat:read"); err != nil {
		t.Errorf("RequireScopes() error = %v", err)
	}
}

func TestEnsureValidAnyFallsBackToApp(t *testing.T) {
	m, mock := newTestManager(t)
	mock.MockOAuthTokenResponse("app-token", "", 3600, nil)

	g, err := m.EnsureValidAny(context.Background())
	if err != nil {
		t.Fatalf("EnsureValidAny() error = %v", err)
	}
	if g.Kind != AppToken || !g.Degraded {
		t.Errorf("grant = %+v, want degraded app grant", g)
	}
}

func TestExchangeCodeStateMismatch(t *testing.T) {
	m, mock := newTestManager(t)
	exchangeCalls := 0
	mock.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		exchangeCalls++
		w.WriteHeader(http.StatusInternalServerError)
	}
	if _, err := m.AuthorizationURL([]string{"chat:read"}); err != nil {
		t.Fatalf("AuthorizationURL() error = %v", err)
	}

	if _, err := m.ExchangeCode(context.Background(), "forged-state", "code-1"); !errors.Is(err, ErrStateMismatch) {
		t.Errorf("ExchangeCode() error = %v, want ErrStateMismatch", err)
	}
	if exchangeCalls != 0 {
		t.Errorf("token endpoint reached despite state mismatch (%d calls)", exchangeCalls)
	}
}

func TestExchangeCodeStoresCredential(t *testing.T) {
	m, mock := newTestManager(t)
	mock.MockOAuthTokenResponse("user-access", "user-refresh", 3600, []string{"chat:read"})

	state, err := m.Store().BeginAuthorization([]string{"chat:read"})
	if err != nil {
		t.Fatalf("BeginAuthorization() error = %v", err)
	}
	cred, err := m.ExchangeCode(context.Background(), state, "code-1")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if cred.Kind != UserToken || cred.AccessToken != "user-access" {
		t.Errorf("credential = %+v, want stored user token", cred)
	}
	if _, err := m.Store().Get(UserToken); err != nil {
		t.Errorf("Get() after exchange error = %v", err)
	}
}

func TestRevokeDiscardsLocally(t *testing.T) {
	m, mock := newTestManager(t)
	// Remote revocation failing must not keep the local credential alive.
	mock.MockRevokeResponse(http.StatusInternalServerError)
	m.Store().Put(&Credential{AccessToken: "doomed", Kind: UserToken, ExpiresAt: time.Now().Add(time.Hour)})

	m.Revoke(context.Background(), UserToken)
	if _, err := m.Store().Get(UserToken); !errors.Is(err, ErrNotFound) {
		t.Errorf("credential still held after Revoke: %v", err)
	}
}

func TestRequireScopes(t *testing.T) {
	g := Grant{Kind: UserToken, Scopes: []string{"a", "b"}}
	if err := g.RequireScopes("a", "b"); err != nil {
		t.Errorf("RequireScopes() error = %v", err)
	}
	err := g.RequireScopes("a", "c")
	if !IsInsufficientScope(err) {
		t.Fatalf("RequireScopes() error = %v, want scope error", err)
	}
	var se *ScopeError
	if !errors.As(err, &se) || len(se.Missing) != 1 || se.Missing[0] != "c" {
		t.Errorf("missing = %v, want [c]", err)
	}

	app := Grant{Kind: AppToken}
	if err := app.RequireScopes("a"); !IsInsufficientScope(err) {
		t.Errorf("app grant RequireScopes() error = %v, want scope error", err)
	}
	if err := app.RequireScopes(); err != nil {
		t.Errorf("RequireScopes() with no scopes error = %v", err)
	}
}
