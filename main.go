// Command streamwatch is the main entrypoint for the EventSub watcher.
// It:
//   - Loads configuration and initializes structured logging.
//   - Obtains and keeps Twitch OAuth tokens fresh (user and app).
//   - Maintains a persistent EventSub websocket session with reconnect and
//     subscription reconciliation.
//   - Relays notifications to chat through an optional IRC announcer.
//   - Exposes a minimal HTTP server with /healthz, /status, /callback,
//     /subscriptions, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/onnwee/streamwatch/config"
	"github.com/onnwee/streamwatch/eventsub"
	"github.com/onnwee/streamwatch/notify"
	"github.com/onnwee/streamwatch/server"
	"github.com/onnwee/streamwatch/telemetry"
	"github.com/onnwee/streamwatch/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load() //nolint:errcheck // optional local override

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateTwitchReady(); err != nil {
		slog.Error("twitch config incomplete", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("streamwatch", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Credential store + token lifecycle
	store := twitchapi.NewStore()
	tokens := twitchapi.NewTokenManager(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, store, nil)
	helix := &twitchapi.HelixClient{Tokens: tokens, ClientID: cfg.TwitchClientID}

	// Resolve the monitored channel login to a user id. Helix accepts the app
	// token for this, so it works before the operator authorizes.
	resolveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	broadcasterID, err := helix.GetUserID(resolveCtx, cfg.TwitchChannel)
	cancel()
	if err != nil {
		slog.Error("failed to resolve channel login", slog.String("channel", cfg.TwitchChannel), slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("monitoring channel", slog.String("login", cfg.TwitchChannel), slog.String("user_id", broadcasterID))

	// Subscription registry: record the desired topic set up front. The
	// session reconciles it against Twitch after every welcome.
	registry := eventsub.NewRegistry(helix, tokens)
	for _, topic := range cfg.EventTopics {
		registry.Want(topic, broadcasterID)
	}

	// Chat announcer (no-op when bot creds are unset)
	announcer := notify.NewAnnouncer(cfg.TwitchBotUsername, cfg.TwitchBotOAuth, cfg.AnnounceChannel, helix)
	if err := cfg.ValidateAnnouncerReady(); err != nil {
		slog.Info("chat announcer disabled", slog.Any("err", err))
	}

	session := eventsub.NewSession(tokens, registry, announcer, eventsub.SessionConfig{
		Endpoint:         cfg.EventSubEndpoint,
		HandshakeTimeout: cfg.HandshakeTimeout,
		KeepaliveGrace:   cfg.KeepaliveGrace,
		BackoffBase:      cfg.BackoffBase,
		BackoffCap:       cfg.BackoffCap,
	})

	// Print the authorize URL so the operator can grant user scopes. Until
	// the callback lands the session runs degraded on the app token.
	authURL, err := tokens.AuthorizationURL(strings.Fields(cfg.TwitchScopes))
	if err != nil {
		slog.Error("failed to build authorize url", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("authorize the watcher by visiting", slog.String("url", authURL))

	go func() {
		if err := session.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("eventsub session exited with error", slog.Any("err", err))
		}
	}()
	go func() {
		if err := announcer.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("announcer exited with error", slog.Any("err", err))
		}
	}()

	// HTTP server (health/status/callback/subscriptions/metrics)
	handlers := server.NewHandlers(tokens, helix, registry, session)
	go func() {
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
