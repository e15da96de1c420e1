// Package telemetry provides Prometheus metrics, OpenTelemetry tracing setup,
// and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SessionConnects         prometheus.Counter
	SessionReconnects       prometheus.Counter
	HandshakeFailures       prometheus.Counter
	WatchdogTimeouts        prometheus.Counter
	MessagesReceived        prometheus.Counter
	NotificationsDispatched prometheus.Counter
	NotificationsDropped    prometheus.Counter
	SubscriptionFailures    prometheus.Counter
	TokenRefreshes          prometheus.Counter
	TokenRefreshFailures    prometheus.Counter

	// Histograms (seconds)
	ReconcileDuration prometheus.Observer

	// Gauges
	SubscriptionsEnabledGauge prometheus.Gauge
	SessionActiveGauge        prometheus.Gauge // 1=active, 0=not
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SessionConnects = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_session_connects_total", Help: "Number of EventSub websocket connects attempted"})
		SessionReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_session_reconnects_total", Help: "Number of reconnect cycles entered after a session loss"})
		HandshakeFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_handshake_failures_total", Help: "Number of connects that failed to receive a welcome in time"})
		WatchdogTimeouts = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_watchdog_timeouts_total", Help: "Number of sessions dropped by the keepalive watchdog"})
		MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_messages_received_total", Help: "Number of websocket messages received"})
		NotificationsDispatched = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_notifications_dispatched_total", Help: "Number of event notifications handed to the dispatcher"})
		NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_notifications_dropped_total", Help: "Number of event notifications dropped due to a full dispatch buffer"})
		SubscriptionFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "eventsub_subscription_failures_total", Help: "Number of subscription registrations rejected by the remote"})
		TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "twitch_token_refreshes_total", Help: "Number of successful token refreshes"})
		TokenRefreshFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "twitch_token_refresh_failures_total", Help: "Number of failed token refreshes"})
		ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "eventsub_reconcile_duration_seconds", Help: "Subscription reconcile duration seconds", Buckets: prometheus.DefBuckets})
		SubscriptionsEnabledGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "eventsub_subscriptions_enabled", Help: "Current number of enabled subscriptions"})
		SessionActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "eventsub_session_active", Help: "Session active=1 inactive=0"})
	})
}

// SetSubscriptionsEnabled records the current enabled subscription count.
func SetSubscriptionsEnabled(n int) {
	if SubscriptionsEnabledGauge != nil {
		SubscriptionsEnabledGauge.Set(float64(n))
	}
}

// UpdateSessionGauge sets gauge to 1 if the session is active else 0.
func UpdateSessionGauge(active bool) {
	if SessionActiveGauge != nil {
		if active {
			SessionActiveGauge.Set(1)
		} else {
			SessionActiveGauge.Set(0)
		}
	}
}

func IncSessionConnects()         { incr(SessionConnects) }
func IncSessionReconnects()       { incr(SessionReconnects) }
func IncHandshakeFailures()       { incr(HandshakeFailures) }
func IncWatchdogTimeouts()        { incr(WatchdogTimeouts) }
func IncMessagesReceived()        { incr(MessagesReceived) }
func IncNotificationsDispatched() { incr(NotificationsDispatched) }
func IncNotificationsDropped()    { incr(NotificationsDropped) }
func IncSubscriptionFailures()    { incr(SubscriptionFailures) }
func IncTokenRefreshes()          { incr(TokenRefreshes) }
func IncTokenRefreshFailures()    { incr(TokenRefreshFailures) }

func incr(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
