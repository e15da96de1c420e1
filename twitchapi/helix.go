// Package twitchapi contains the Twitch credential lifecycle (OAuth code
// exchange, refresh, validation, revocation, app-token fallback) and a
// minimal Helix client for user/stream lookup and EventSub subscription
// management.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const helixBaseURL = "https://api.twitch.tv/helix"

// ErrDuplicateSubscription indicates the remote already holds an identical
// EventSub subscription (HTTP 409). Callers treat it as already-enabled.
var ErrDuplicateSubscription = errors.New("eventsub subscription already exists")

// HelixClient provides the Helix methods needed for event subscriptions and
// notification enrichment.
type HelixClient struct {
	Tokens     *TokenManager
	ClientID   string
	HTTPClient *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// GetUserID resolves a login name to its user ID using the app token.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	grant, err := hc.Tokens.EnsureValid(ctx, AppToken)
	if err != nil {
		return "", err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, helixBaseURL+"/users", nil)
	q := req.URL.Query()
	q.Set("login", login)
	req.URL.RawQuery = q.Encode()
	hc.authorize(req, grant.AccessToken)
	resp, err := hc.http().Do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// UserInfo is the subset of Helix user data used in notifications.
type UserInfo struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// GetUserInfo fetches basic profile data for a user ID.
func (hc *HelixClient) GetUserInfo(ctx context.Context, userID string) (*UserInfo, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID empty")
	}
	grant, err := hc.Tokens.EnsureValid(ctx, AppToken)
	if err != nil {
		return nil, err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, helixBaseURL+"/users", nil)
	q := req.URL.Query()
	q.Set("id", userID)
	req.URL.RawQuery = q.Encode()
	hc.authorize(req, grant.AccessToken)
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	var body struct {
		Data []UserInfo `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("user not found")
	}
	return &body.Data[0], nil
}

// StreamInfo is the subset of Helix stream data used in notifications.
type StreamInfo struct {
	Title        string    `json:"title"`
	GameName     string    `json:"game_name"`
	ThumbnailURL string    `json:"thumbnail_url"`
	StartedAt    time.Time `json:"started_at"`
	ViewerCount  int       `json:"viewer_count"`
}

// GetStreamInfo returns the live stream for a user, or nil when offline.
func (hc *HelixClient) GetStreamInfo(ctx context.Context, userID string) (*StreamInfo, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID empty")
	}
	grant, err := hc.Tokens.EnsureValid(ctx, AppToken)
	if err != nil {
		return nil, err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, helixBaseURL+"/streams", nil)
	q := req.URL.Query()
	q.Set("user_id", userID)
	req.URL.RawQuery = q.Encode()
	hc.authorize(req, grant.AccessToken)
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	var body struct {
		Data []StreamInfo `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	return &body.Data[0], nil
}

// EventSubSubscription mirrors the Helix subscription resource.
type EventSubSubscription struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Condition map[string]string `json:"condition"`
}

// CreateEventSubSubscription registers a websocket-transport subscription
// against the given session, using the supplied bearer token. A 409 from the
// remote is returned as ErrDuplicateSubscription.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, bearer, subType, version string, condition map[string]string, sessionID string) (*EventSubSubscription, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sessionID empty")
	}
	payload := map[string]any{
		"type":      subType,
		"version":   version,
		"condition": condition,
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, helixBaseURL+"/eventsub/subscriptions", bytes.NewReader(buf))
	hc.authorize(req, bearer)
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode == http.StatusConflict {
		return nil, ErrDuplicateSubscription
	}
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("eventsub subscription create failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Data []EventSubSubscription `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("empty data in eventsub create response")
	}
	return &body.Data[0], nil
}

// DeleteEventSubSubscription removes the remote subscription by id.
func (hc *HelixClient) DeleteEventSubSubscription(ctx context.Context, bearer, id string) error {
	if id == "" {
		return fmt.Errorf("subscription id empty")
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodDelete, helixBaseURL+"/eventsub/subscriptions", nil)
	q := req.URL.Query()
	q.Set("id", id)
	req.URL.RawQuery = q.Encode()
	hc.authorize(req, bearer)
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("eventsub subscription delete failed: %s: %s", resp.Status, string(b))
	}
	return nil
}

// ListEventSubSubscriptions returns the subscriptions the remote holds for
// this client.
func (hc *HelixClient) ListEventSubSubscriptions(ctx context.Context, bearer string) ([]EventSubSubscription, error) {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, helixBaseURL+"/eventsub/subscriptions", nil)
	hc.authorize(req, bearer)
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("eventsub subscription list failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Data []EventSubSubscription `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

func (hc *HelixClient) authorize(req *http.Request, bearer string) {
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+bearer)
}
