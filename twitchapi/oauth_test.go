package twitchapi

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/streamwatch/testutil"
)

func TestBuildAuthorizeURL(t *testing.T) {
	tests := []struct {
		name        string
		clientID    string
		redirectURI string
		scopes      string
		state       string
		wantErr     bool
		wantParts   []string
	}{
		{
			name:        "valid request",
			clientID:    "test-client-id",
			redirectURI: "http://localhost/callback",
			scopes:      "moderator:read:followers chat:read",
			state:       "random-state",
			wantErr:     false,
			wantParts:   []string{"client_id=test-client-id", "state=random-state", "scope="},
		},
		{
			name:        "empty client ID",
			clientID:    "",
			redirectURI: "http://localhost/callback",
			scopes:      "chat:read",
			state:       "state",
			wantErr:     true,
		},
		{
			name:        "empty redirect URI",
			clientID:    "client",
			redirectURI: "",
			scopes:      "chat:read",
			state:       "state",
			wantErr:     true,
		},
		{
			name:        "comma separated scopes",
			clientID:    "client-id",
			redirectURI: "http://localhost/callback",
			scopes:      "user:read:email,chat:read",
			state:       "state-123",
			wantErr:     false,
			wantParts:   []string{"client_id=client-id", "scope=user%3Aread%3Aemail+chat%3Aread"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url, err := BuildAuthorizeURL(tt.clientID, tt.redirectURI, tt.scopes, tt.state)

			if tt.wantErr {
				if err == nil {
					t.Error("BuildAuthorizeURL() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("BuildAuthorizeURL() unexpected error = %v", err)
				return
			}
			for _, part := range tt.wantParts {
				if !strings.Contains(url, part) {
					t.Errorf("URL missing expected part %q: %s", part, url)
				}
			}
			if !strings.HasPrefix(url, "https://id.twitch.tv/oauth2/authorize") {
				t.Errorf("URL doesn't start with Twitch auth endpoint: %s", url)
			}
		})
	}
}

func TestComputeExpiry(t *testing.T) {
	tests := []struct {
		name      string
		expiresIn int
		wantAfter time.Duration
	}{
		{name: "4 hours", expiresIn: 14400, wantAfter: 4 * time.Hour},
		{name: "1 hour", expiresIn: 3600, wantAfter: 1 * time.Hour},
		{name: "zero defaults to 60 minutes", expiresIn: 0, wantAfter: 60 * time.Minute},
		{name: "negative defaults to 60 minutes", expiresIn: -100, wantAfter: 60 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := time.Now()
			expiry := ComputeExpiry(tt.expiresIn)
			after := time.Now()

			expectedExpiry := before.Add(tt.wantAfter)

			// Allow 2 second tolerance
			if expiry.Before(expectedExpiry.Add(-2*time.Second)) || expiry.After(after.Add(tt.wantAfter).Add(2*time.Second)) {
				t.Errorf("ComputeExpiry(%d) = %v, want approximately %v", tt.expiresIn, expiry, expectedExpiry)
			}
		})
	}
}

func testClient(host string) *http.Client {
	return &http.Client{Transport: &testutil.RewriteTransport{Host: host}}
}

func TestExchangeAuthCode(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.MockOAuthTokenResponse("access-123", "refresh-456", 3600, []string{"chat:read"})

	res, err := ExchangeAuthCode(context.Background(), testClient(mock.URL), "client", "secret", "code-1", "http://localhost/callback")
	if err != nil {
		t.Fatalf("ExchangeAuthCode() error = %v", err)
	}
	if res.AccessToken != "access-123" {
		t.Errorf("AccessToken = %s, want access-123", res.AccessToken)
	}
	if res.RefreshToken != "refresh-456" {
		t.Errorf("RefreshToken = %s, want refresh-456", res.RefreshToken)
	}
	if len(res.Scope) != 1 || res.Scope[0] != "chat:read" {
		t.Errorf("Scope = %v, want [chat:read]", res.Scope)
	}
}

func TestExchangeAuthCodeMissingParams(t *testing.T) {
	if _, err := ExchangeAuthCode(context.Background(), nil, "", "secret", "code", "uri"); err == nil {
		t.Error("expected error for missing client id")
	}
	if _, err := ExchangeAuthCode(context.Background(), nil, "client", "secret", "", "uri"); err == nil {
		t.Error("expected error for missing code")
	}
}

func TestRefreshToken(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.MockOAuthTokenResponse("new-access", "new-refresh", 7200, nil)

	res, err := RefreshToken(context.Background(), testClient(mock.URL), "client", "secret", "old-refresh")
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}
	if res.AccessToken != "new-access" {
		t.Errorf("AccessToken = %s, want new-access", res.AccessToken)
	}
	if res.RefreshToken != "new-refresh" {
		t.Errorf("RefreshToken = %s, want new-refresh", res.RefreshToken)
	}
}

func TestRefreshTokenRejected(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":400,"message":"Invalid refresh token"}`, http.StatusBadRequest)
	}

	if _, err := RefreshToken(context.Background(), testClient(mock.URL), "client", "secret", "bad"); err == nil {
		t.Error("RefreshToken() expected error for rejected refresh")
	}
}

func TestValidateToken(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.MockValidateResponse("somestreamer", "12345", []string{"chat:read"}, 3000)

	res, err := ValidateToken(context.Background(), testClient(mock.URL), "access-123")
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if res.Login != "somestreamer" || res.UserID != "12345" {
		t.Errorf("ValidateToken() = %+v, want login somestreamer / user_id 12345", res)
	}
}

func TestValidateTokenRejected(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.Handlers["/oauth2/validate"] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":401,"message":"invalid access token"}`, http.StatusUnauthorized)
	}

	if _, err := ValidateToken(context.Background(), testClient(mock.URL), "stale"); err == nil {
		t.Error("ValidateToken() expected error for rejected token")
	}
}

func TestRevokeTokenRemote(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.MockRevokeResponse(http.StatusOK)

	if err := RevokeTokenRemote(context.Background(), testClient(mock.URL), "client", "access-123"); err != nil {
		t.Errorf("RevokeTokenRemote() error = %v", err)
	}
}
