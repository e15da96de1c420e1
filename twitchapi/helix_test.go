package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/onnwee/streamwatch/testutil"
)

func newTestHelix(t *testing.T) (*HelixClient, *testutil.MockTwitchServer) {
	t.Helper()
	m, mock := newTestManager(t)
	// Helix lookups run on the app token; seed one so no acquisition happens.
	m.Store().Put(&Credential{
		AccessToken: "app-token",
		Kind:        AppToken,
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	hc := &HelixClient{
		Tokens:     m,
		ClientID:   "test-client",
		HTTPClient: testClient(mock.URL),
	}
	return hc, mock
}

func TestGetUserID(t *testing.T) {
	hc, mock := newTestHelix(t)
	mock.MockUserResponse("12345", "somestreamer")

	id, err := hc.GetUserID(context.Background(), "somestreamer")
	if err != nil {
		t.Fatalf("GetUserID() error = %v", err)
	}
	if id != "12345" {
		t.Errorf("GetUserID() = %s, want 12345", id)
	}
}

func TestGetUserIDNotFound(t *testing.T) {
	hc, mock := newTestHelix(t)
	mock.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`)) //nolint:errcheck // test mock response
	}

	if _, err := hc.GetUserID(context.Background(), "ghost"); err == nil {
		t.Error("GetUserID() expected error for unknown login")
	}
}

func TestGetStreamInfoOffline(t *testing.T) {
	hc, mock := newTestHelix(t)
	mock.MockStreamsResponse(nil)

	info, err := hc.GetStreamInfo(context.Background(), "12345")
	if err != nil {
		t.Fatalf("GetStreamInfo() error = %v", err)
	}
	if info != nil {
		t.Errorf("GetStreamInfo() = %+v, want nil for offline channel", info)
	}
}

func TestGetStreamInfoLive(t *testing.T) {
	hc, mock := newTestHelix(t)
	mock.MockStreamsResponse([]map[string]interface{}{
		{"title": "speedrun", "game_name": "Celeste", "viewer_count": 42},
	})

	info, err := hc.GetStreamInfo(context.Background(), "12345")
	if err != nil {
		t.Fatalf("GetStreamInfo() error = %v", err)
	}
	if info == nil || info.Title != "speedrun" || info.GameName != "Celeste" {
		t.Errorf("GetStreamInfo() = %+v, want live stream data", info)
	}
}

func TestCreateEventSubSubscription(t *testing.T) {
	hc, mock := newTestHelix(t)
	mock.MockEventSubCreate("sub-abc", http.StatusAccepted)

	sub, err := hc.CreateEventSubSubscription(context.Background(), "bearer-1", "stream.online", "1",
		map[string]string{"broadcaster_user_id": "12345"}, "session-1")
	if err != nil {
		t.Fatalf("CreateEventSubSubscription() error = %v", err)
	}
	if sub.ID != "sub-abc" || sub.Type != "stream.online" {
		t.Errorf("subscription = %+v, want id sub-abc type stream.online", sub)
	}
}

func TestCreateEventSubSubscriptionDuplicate(t *testing.T) {
	hc, mock := newTestHelix(t)
	mock.MockEventSubCreate("", http.StatusConflict)

	_, err := hc.CreateEventSubSubscription(context.Background(), "bearer-1", "stream.online", "1",
		map[string]string{"broadcaster_user_id": "12345"}, "session-1")
	if !errors.Is(err, ErrDuplicateSubscription) {
		t.Errorf("CreateEventSubSubscription() error = %v, want ErrDuplicateSubscription", err)
	}
}

func TestCreateEventSubSubscriptionRequiresSession(t *testing.T) {
	hc, _ := newTestHelix(t)
	if _, err := hc.CreateEventSubSubscription(context.Background(), "bearer-1", "stream.online", "1", nil, ""); err == nil {
		t.Error("CreateEventSubSubscription() expected error for empty session id")
	}
}

func TestDeleteEventSubSubscription(t *testing.T) {
	hc, mock := newTestHelix(t)
	mock.MockEventSubCreate("", http.StatusAccepted) // handler also serves DELETE with 204

	if err := hc.DeleteEventSubSubscription(context.Background(), "bearer-1", "sub-abc"); err != nil {
		t.Errorf("DeleteEventSubSubscription() error = %v", err)
	}
}

func TestDeleteEventSubSubscriptionGoneAlready(t *testing.T) {
	hc, mock := newTestHelix(t)
	mock.Handlers["/helix/eventsub/subscriptions"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}

	// 404 means the remote already dropped it; not an error for us.
	if err := hc.DeleteEventSubSubscription(context.Background(), "bearer-1", "sub-gone"); err != nil {
		t.Errorf("DeleteEventSubSubscription() error = %v, want nil for 404", err)
	}
}
