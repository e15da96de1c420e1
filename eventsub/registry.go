package eventsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/streamwatch/telemetry"
	"github.com/onnwee/streamwatch/twitchapi"
)

// RemoteStatus is the registration state of a subscription on the remote side.
type RemoteStatus string

const (
	StatusPending RemoteStatus = "pending"
	StatusEnabled RemoteStatus = "enabled"
	StatusFailed  RemoteStatus = "failed"
	StatusRevoked RemoteStatus = "revoked"
)

// Subscription tracks one desired (topic, target) pair and what the remote
// currently knows about it.
type Subscription struct {
	ID        string // assigned remotely, empty until enabled
	Topic     string
	Target    string
	Wanted    bool
	Status    RemoteStatus
	SessionID string // session the remote registration is bound to
	LastError string
}

// ErrSubscriptionNotFound is returned by Unwant for an unknown (topic, target).
var ErrSubscriptionNotFound = errors.New("subscription not found")

// SubscriptionAPI is the slice of the Helix client the registry needs.
type SubscriptionAPI interface {
	CreateEventSubSubscription(ctx context.Context, bearer, subType, version string, condition map[string]string, sessionID string) (*twitchapi.EventSubSubscription, error)
	DeleteEventSubSubscription(ctx context.Context, bearer, id string) error
}

// TokenProvider supplies bearer tokens for scheduled deletes.
type TokenProvider interface {
	EnsureValidAny(ctx context.Context) (twitchapi.Grant, error)
}

type subKey struct{ topic, target string }

// Registry tracks desired and registered subscriptions, deduplicated by
// (topic, target). It performs network I/O only in Reconcile and in the
// best-effort delete scheduled by Unwant.
type Registry struct {
	api    SubscriptionAPI
	tokens TokenProvider

	mu   sync.Mutex
	subs map[subKey]*Subscription

	// reconMu serializes overlapping reconciles (fresh connect + rapid
	// reconnect must not race).
	reconMu sync.Mutex
}

func NewRegistry(api SubscriptionAPI, tokens TokenProvider) *Registry {
	return &Registry{api: api, tokens: tokens, subs: make(map[subKey]*Subscription)}
}

// Want records the intent to receive topic events for target. Idempotent;
// re-wanting an existing pair is a no-op beyond restoring the desire flag.
func (r *Registry) Want(topic, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := subKey{topic, target}
	if s, ok := r.subs[k]; ok {
		s.Wanted = true
		return
	}
	r.subs[k] = &Subscription{Topic: topic, Target: target, Wanted: true, Status: StatusPending}
}

// Unwant drops the desire for a pair and schedules a best-effort remote
// delete when a remote id exists.
func (r *Registry) Unwant(topic, target string) error {
	r.mu.Lock()
	s, ok := r.subs[subKey{topic, target}]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrSubscriptionNotFound, topic, target)
	}
	s.Wanted = false
	id := s.ID
	s.ID = ""
	s.Status = StatusPending
	s.SessionID = ""
	r.mu.Unlock()

	if id == "" {
		return nil
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grant, err := r.tokens.EnsureValidAny(ctx)
		if err != nil {
			slog.Warn("subscription delete skipped: no token", slog.String("topic", topic), slog.Any("err", err))
			return
		}
		if err := r.api.DeleteEventSubSubscription(ctx, grant.AccessToken, id); err != nil {
			slog.Warn("subscription delete failed", slog.String("topic", topic), slog.String("id", id), slog.Any("err", err))
		}
	}()
	return nil
}

// MarkRevoked records a remote revocation notice. The desire flag is left
// untouched so a future reconcile re-registers the pair.
func (r *Registry) MarkRevoked(topic, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[subKey{topic, target}]; ok {
		s.Status = StatusRevoked
		s.ID = ""
		s.SessionID = ""
	}
	r.updateEnabledGaugeLocked()
}

// Reconcile registers every wanted pair not already bound to sessionID. One
// failing pair never blocks the rest; failures are joined into the returned
// error and recorded per subscription. Overlapping reconciles are serialized.
func (r *Registry) Reconcile(ctx context.Context, sessionID string, grant twitchapi.Grant) error {
	r.reconMu.Lock()
	defer r.reconMu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "eventsub", "registry.reconcile",
		attribute.String("session_id", sessionID))
	defer span.End()

	r.mu.Lock()
	var todo []*Subscription
	for _, s := range r.subs {
		if s.Wanted && s.SessionID != sessionID {
			todo = append(todo, s)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range todo {
		if err := r.registerOne(ctx, s, sessionID, grant); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", s.Topic, s.Target, err))
			telemetry.IncSubscriptionFailures()
		}
	}
	r.mu.Lock()
	r.updateEnabledGaugeLocked()
	r.mu.Unlock()
	if err := errors.Join(errs...); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.SetSpanSuccess(span)
	return nil
}

func (r *Registry) registerOne(ctx context.Context, s *Subscription, sessionID string, grant twitchapi.Grant) error {
	fail := func(err error) error {
		r.mu.Lock()
		s.Status = StatusFailed
		s.LastError = err.Error()
		r.mu.Unlock()
		return err
	}
	if err := grant.RequireScopes(RequiredScopes(s.Topic)...); err != nil {
		return fail(err)
	}
	created, err := r.api.CreateEventSubSubscription(ctx, grant.AccessToken, s.Topic, topicVersion(s.Topic), conditionFor(s.Topic, s.Target), sessionID)
	if err != nil && !errors.Is(err, twitchapi.ErrDuplicateSubscription) {
		return fail(err)
	}
	r.mu.Lock()
	s.Status = StatusEnabled
	s.SessionID = sessionID
	s.LastError = ""
	if created != nil {
		s.ID = created.ID
	}
	r.mu.Unlock()
	slog.Info("subscription enabled", slog.String("topic", s.Topic), slog.String("target", s.Target), slog.String("session_id", sessionID))
	return nil
}

// Snapshot returns a stable-ordered copy of all tracked subscriptions.
func (r *Registry) Snapshot() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Target < out[j].Target
	})
	return out
}

func (r *Registry) updateEnabledGaugeLocked() {
	n := 0
	for _, s := range r.subs {
		if s.Status == StatusEnabled {
			n++
		}
	}
	telemetry.SetSubscriptionsEnabled(n)
}
