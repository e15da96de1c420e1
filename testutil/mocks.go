package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockTwitchServer creates a test server that mocks Twitch OAuth and Helix
// API responses.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockTwitchServer creates a new mock Twitch API server.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockOAuthTokenResponse adds a handler for the OAuth token endpoint.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int, scopes []string) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		if refreshToken != "" {
			response["refresh_token"] = refreshToken
		}
		if len(scopes) > 0 {
			response["scope"] = scopes
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockValidateResponse adds a handler for the token introspection endpoint.
func (m *MockTwitchServer) MockValidateResponse(login, userID string, scopes []string, expiresIn int) {
	m.Handlers["/oauth2/validate"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"client_id":  "mock-client",
			"login":      login,
			"user_id":    userID,
			"scopes":     scopes,
			"expires_in": expiresIn,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockRevokeResponse adds a handler for the revocation endpoint.
func (m *MockTwitchServer) MockRevokeResponse(status int) {
	m.Handlers["/oauth2/revoke"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}
}

// MockUserResponse adds a handler for the /helix/users endpoint.
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": []map[string]string{
				{"id": userID, "login": login, "display_name": login},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockStreamsResponse adds a handler for the /helix/streams endpoint.
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]interface{}) {
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": streams,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockEventSubCreate adds a handler for POST /helix/eventsub/subscriptions
// responding with the given status; on 202 it echoes back a subscription id.
func (m *MockTwitchServer) MockEventSubCreate(id string, status int) {
	m.Handlers["/helix/eventsub/subscriptions"] = func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		var req struct {
			Type      string            `json:"type"`
			Version   string            `json:"version"`
			Condition map[string]string `json:"condition"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck // test mock request
		if status != http.StatusAccepted {
			w.WriteHeader(status)
			return
		}
		response := map[string]interface{}{
			"data": []map[string]interface{}{
				{"id": id, "type": req.Type, "version": req.Version, "status": "enabled", "condition": req.Condition},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// RewriteTransport redirects requests for the hard-coded Twitch hosts to a
// test server.
type RewriteTransport struct {
	Host string
}

func (t *RewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.Host != "" {
		host := t.Host
		if len(host) > 7 && host[:7] == "http://" {
			host = host[7:]
		}
		req.URL.Host = host
	}
	return http.DefaultTransport.RoundTrip(req)
}
