package eventsub

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventSub websocket message types.
const (
	msgWelcome      = "session_welcome"
	msgKeepalive    = "session_keepalive"
	msgNotification = "notification"
	msgReconnect    = "session_reconnect"
	msgRevocation   = "revocation"
)

// envelope is the outer shape of every EventSub websocket message.
type envelope struct {
	Metadata metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

type metadata struct {
	MessageID           string    `json:"message_id"`
	MessageType         string    `json:"message_type"`
	MessageTimestamp    time.Time `json:"message_timestamp"`
	SubscriptionType    string    `json:"subscription_type,omitempty"`
	SubscriptionVersion string    `json:"subscription_version,omitempty"`
}

// sessionPayload is carried by welcome and reconnect messages.
type sessionPayload struct {
	Session struct {
		ID                      string `json:"id"`
		Status                  string `json:"status"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
		ReconnectURL            string `json:"reconnect_url"`
	} `json:"session"`
}

// notificationPayload is carried by notification and revocation messages.
type notificationPayload struct {
	Subscription struct {
		ID        string            `json:"id"`
		Type      string            `json:"type"`
		Status    string            `json:"status"`
		Condition map[string]string `json:"condition"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

func decodeEnvelope(raw []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode eventsub message: %w", err)
	}
	return &env, nil
}

func (e *envelope) sessionPayload() (*sessionPayload, error) {
	var p sessionPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Metadata.MessageType, err)
	}
	return &p, nil
}

func (e *envelope) notificationPayload() (*notificationPayload, error) {
	var p notificationPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Metadata.MessageType, err)
	}
	return &p, nil
}

// targetOf extracts the subscribed entity id from a condition, preferring the
// broadcaster field every supported topic uses.
func targetOf(condition map[string]string) string {
	for _, k := range []string{"broadcaster_user_id", "to_broadcaster_user_id", "user_id"} {
		if v := condition[k]; v != "" {
			return v
		}
	}
	return ""
}
