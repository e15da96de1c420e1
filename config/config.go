// Package config loads environment variables and provides a typed Config used
// across the service. It applies sensible defaults so the binary can run
// locally with minimal setup. For required credentials use ValidateTwitchReady
// or ValidateAnnouncerReady.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	// Twitch application
	TwitchClientID     string
	TwitchClientSecret string
	TwitchRedirectURI  string
	TwitchScopes       string

	// Monitored channel and topics
	TwitchChannel string
	EventTopics   []string

	// Chat announcer (bot account posting notifications)
	TwitchBotUsername string
	TwitchBotOAuth    string
	AnnounceChannel   string

	// EventSub session tuning
	EventSubEndpoint string
	HandshakeTimeout time.Duration
	KeepaliveGrace   time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration

	// HTTP
	HTTPAddr string
}

// Load reads environment variables and applies defaults. Missing Twitch app
// credentials don't fail the load; the binary degrades to a status-only mode.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.TwitchRedirectURI = os.Getenv("TWITCH_REDIRECT_URI")
	if cfg.TwitchRedirectURI == "" {
		cfg.TwitchRedirectURI = "http://localhost:8080/callback"
	}
	cfg.TwitchScopes = os.Getenv("TWITCH_SCOPES")
	if cfg.TwitchScopes == "" {
		// default scopes for follower + subscription notifications
		cfg.TwitchScopes = "moderator:read:followers channel:read:subscriptions"
	}

	cfg.TwitchChannel = os.Getenv("TWITCH_CHANNEL")
	topics := os.Getenv("EVENT_TOPICS")
	if topics == "" {
		topics = "stream.online"
	}
	for _, t := range strings.Split(topics, ",") {
		if t = strings.TrimSpace(t); t != "" {
			cfg.EventTopics = append(cfg.EventTopics, t)
		}
	}

	cfg.TwitchBotUsername = os.Getenv("TWITCH_BOT_USERNAME")
	cfg.TwitchBotOAuth = os.Getenv("TWITCH_BOT_OAUTH")
	cfg.AnnounceChannel = os.Getenv("ANNOUNCE_CHANNEL")
	if cfg.AnnounceChannel == "" {
		cfg.AnnounceChannel = cfg.TwitchChannel
	}

	cfg.EventSubEndpoint = os.Getenv("EVENTSUB_ENDPOINT")

	var err error
	if cfg.HandshakeTimeout, err = durationEnv("EVENTSUB_HANDSHAKE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.KeepaliveGrace, err = durationEnv("EVENTSUB_KEEPALIVE_GRACE", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.BackoffBase, err = durationEnv("EVENTSUB_BACKOFF_BASE", time.Second); err != nil {
		return nil, err
	}
	if cfg.BackoffCap, err = durationEnv("EVENTSUB_BACKOFF_CAP", 60*time.Second); err != nil {
		return nil, err
	}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	return cfg, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s (duration): %q", key, v)
	}
	return d, nil
}

// ValidateTwitchReady checks the fields required for the EventSub session.
func (c *Config) ValidateTwitchReady() error {
	if c.TwitchClientID == "" || c.TwitchClientSecret == "" || c.TwitchChannel == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET, TWITCH_CHANNEL")
	}
	return nil
}

// ValidateAnnouncerReady checks the fields required for the chat announcer.
func (c *Config) ValidateAnnouncerReady() error {
	if c.TwitchBotUsername == "" || c.TwitchBotOAuth == "" || c.AnnounceChannel == "" {
		return fmt.Errorf("missing announcer env: require TWITCH_BOT_USERNAME, TWITCH_BOT_OAUTH, ANNOUNCE_CHANNEL")
	}
	return nil
}
