package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/streamwatch/twitchapi"
)

const queueSize = 32

type pending struct {
	topic  string
	target string
	text   string
}

// Announcer posts event notifications into a Twitch chat channel. It
// implements the session's Dispatcher contract: OnEvent enqueues and returns
// immediately; delivery happens on the Run goroutine.
type Announcer struct {
	Username   string
	OAuthToken string
	Channel    string
	Helix      *twitchapi.HelixClient // optional; enriches go-live messages

	queue chan pending
}

func NewAnnouncer(username, oauthToken, channel string, helix *twitchapi.HelixClient) *Announcer {
	return &Announcer{
		Username:   username,
		OAuthToken: oauthToken,
		Channel:    channel,
		Helix:      helix,
		queue:      make(chan pending, queueSize),
	}
}

// OnEvent formats and enqueues a notification. Never blocks; an overflowing
// queue drops the oldest kind of traffic a chat channel tolerates losing.
func (a *Announcer) OnEvent(topic, target string, payload json.RawMessage, occurredAt time.Time) {
	text, ok := formatEvent(topic, payload)
	if !ok {
		return
	}
	select {
	case a.queue <- pending{topic: topic, target: target, text: text}:
	default:
		slog.Warn("announcer queue full, dropping message", slog.String("topic", topic))
	}
}

// Run connects to Twitch IRC and delivers queued messages until ctx is
// canceled.
func (a *Announcer) Run(ctx context.Context) error {
	if a.Username == "" || a.OAuthToken == "" || a.Channel == "" {
		slog.Info("announcer creds not set; chat notifications disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	client := twitch.NewClient(a.Username, a.OAuthToken)
	client.Join(a.Channel)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				client.Disconnect()
				return
			case p := <-a.queue:
				client.Say(a.Channel, a.enrich(ctx, p))
			}
		}
	}()

	if err := client.Connect(); err != nil && ctx.Err() == nil {
		slog.Error("twitch chat connect error", slog.Any("err", err))
	}
	<-done
	return ctx.Err()
}

// enrich appends stream title and category to go-live messages when Helix
// lookup is available.
func (a *Announcer) enrich(ctx context.Context, p pending) string {
	if p.topic != "stream.online" || a.Helix == nil || p.target == "" {
		return p.text
	}
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	info, err := a.Helix.GetStreamInfo(sctx, p.target)
	if err != nil || info == nil {
		return p.text
	}
	if info.GameName != "" {
		return fmt.Sprintf("%s Playing %s: %s", p.text, info.GameName, info.Title)
	}
	return fmt.Sprintf("%s %s", p.text, info.Title)
}

// formatEvent renders a chat line for the topics the announcer understands.
func formatEvent(topic string, payload json.RawMessage) (string, bool) {
	var ev struct {
		BroadcasterUserName     string `json:"broadcaster_user_name"`
		UserName                string `json:"user_name"`
		FromBroadcasterUserName string `json:"from_broadcaster_user_name"`
		Viewers                 int    `json:"viewers"`
		Bits                    int    `json:"bits"`
		Tier                    string `json:"tier"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		slog.Warn("undecodable event payload", slog.String("topic", topic), slog.Any("err", err))
		return "", false
	}
	switch topic {
	case "stream.online":
		return fmt.Sprintf("%s is LIVE! https://twitch.tv/%s", ev.BroadcasterUserName, ev.BroadcasterUserName), true
	case "stream.offline":
		return fmt.Sprintf("%s has gone offline. Thanks for watching!", ev.BroadcasterUserName), true
	case "channel.follow":
		return fmt.Sprintf("Thanks for the follow, %s!", ev.UserName), true
	case "channel.subscribe":
		return fmt.Sprintf("%s just subscribed (tier %s)!", ev.UserName, ev.Tier), true
	case "channel.cheer":
		return fmt.Sprintf("%s cheered %d bits!", ev.UserName, ev.Bits), true
	case "channel.raid":
		return fmt.Sprintf("%s is raiding with %d viewers!", ev.FromBroadcasterUserName, ev.Viewers), true
	default:
		return "", false
	}
}
