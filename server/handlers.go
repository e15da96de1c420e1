// Package server exposes the HTTP surface: the OAuth redirect receiver,
// health/status endpoints, Prometheus metrics, and a small admin API mapping
// to the subscription and token operations.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/streamwatch/eventsub"
	"github.com/onnwee/streamwatch/telemetry"
	"github.com/onnwee/streamwatch/twitchapi"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	tokens   *twitchapi.TokenManager
	helix    *twitchapi.HelixClient
	registry *eventsub.Registry
	session  *eventsub.Session
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(tokens *twitchapi.TokenManager, helix *twitchapi.HelixClient, registry *eventsub.Registry, session *eventsub.Session) *Handlers {
	return &Handlers{tokens: tokens, helix: helix, registry: registry, session: session}
}

// HandleHealthz reports process liveness.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// tokenStatus is the local view of one credential for the status surface.
type tokenStatus struct {
	Held      bool      `json:"held"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Scopes    []string  `json:"scopes,omitempty"`
}

// HandleStatus reports session state, tracked subscriptions, and token
// validity. Validity is the cheap local expiry view; remote introspection is
// behind /auth/validate.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tokens := map[string]tokenStatus{}
	for _, kind := range []twitchapi.TokenKind{twitchapi.UserToken, twitchapi.AppToken} {
		st := tokenStatus{}
		if cred, err := h.tokens.Store().Get(kind); err == nil {
			st.Held = true
			st.ExpiresAt = cred.ExpiresAt
			st.Scopes = cred.Scopes
		}
		tokens[string(kind)] = st
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"session":       h.session.Status(),
		"subscriptions": h.registry.Snapshot(),
		"tokens":        tokens,
	})
}

// HandleCallback receives the OAuth authorization-code redirect and completes
// the exchange. Responds with a tiny HTML page aimed at the operator's
// browser.
func (h *Handlers) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	log := telemetry.LoggerWithCorr(r.Context())
	if errName := q.Get("error"); errName != "" {
		log.Warn("oauth callback returned error", "error", errName, "description", q.Get("error_description"))
		writeHTML(w, http.StatusBadRequest, "Authorization failed: "+errName)
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		writeHTML(w, http.StatusBadRequest, "Missing code or state parameter.")
		return
	}
	if _, err := h.tokens.ExchangeCode(r.Context(), state, code); err != nil {
		log.Error("oauth code exchange failed", "err", err)
		status := http.StatusBadGateway
		if errors.Is(err, twitchapi.ErrStateMismatch) || errors.Is(err, twitchapi.ErrNoPendingRequest) {
			status = http.StatusForbidden
		}
		writeHTML(w, status, "Authorization failed. Check the service logs and retry.")
		return
	}
	log.Info("oauth authorization completed")
	writeHTML(w, http.StatusOK, "Authorization successful. You can close this window.")
}

// HandleAuthURL begins a new authorization flow and returns the URL the
// operator must open. Scopes come from the query (space or comma separated).
func (h *Handlers) HandleAuthURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw := strings.ReplaceAll(r.URL.Query().Get("scopes"), ",", " ")
	url, err := h.tokens.AuthorizationURL(strings.Fields(raw))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"url": url})
}

// HandleAuthValidate runs remote token introspection for the given kind.
func (h *Handlers) HandleAuthValidate(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(r.URL.Query().Get("kind"))
	if !ok {
		http.Error(w, "kind must be user or app", http.StatusBadRequest)
		return
	}
	res, err := h.tokens.Validate(r.Context(), kind)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"valid": false, "error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"valid": true, "login": res.Login, "scopes": res.Scopes, "expires_in": res.ExpiresIn})
}

// HandleAuthRevoke revokes and discards the credential of the given kind.
func (h *Handlers) HandleAuthRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	kind, ok := parseKind(r.URL.Query().Get("kind"))
	if !ok {
		http.Error(w, "kind must be user or app", http.StatusBadRequest)
		return
	}
	h.tokens.Revoke(r.Context(), kind)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "revoked", "kind": string(kind)})
}

// HandleSubscriptions handles POST (want) and DELETE (unwant) for a
// (topic, target) pair. Target may be given as a login, which is resolved to
// a user id via Helix.
func (h *Handlers) HandleSubscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleWant(w, r)
	case http.MethodDelete:
		h.handleUnwant(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) handleWant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Topic  string `json:"topic"`
		Target string `json:"target"`
		Login  string `json:"login"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" {
		http.Error(w, "body must be {topic, target|login}", http.StatusBadRequest)
		return
	}
	target := req.Target
	if target == "" && req.Login != "" {
		id, err := h.helix.GetUserID(r.Context(), req.Login)
		if err != nil {
			http.Error(w, fmt.Sprintf("resolve login %q: %v", req.Login, err), http.StatusBadGateway)
			return
		}
		target = id
	}
	if target == "" {
		http.Error(w, "target or login required", http.StatusBadRequest)
		return
	}
	h.registry.Want(req.Topic, target)
	// Register against the live session right away when one exists; a
	// pending session picks the pair up at its next reconcile.
	result := "registered"
	if err := h.session.ResubscribeNow(r.Context()); err != nil {
		if errors.Is(err, eventsub.ErrNotActive) {
			result = "pending session"
		} else if twitchapi.IsInsufficientScope(err) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "wanted", "error": err.Error()})
			return
		} else {
			result = "deferred: " + err.Error()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "topic": req.Topic, "target": target, "registration": result})
}

func (h *Handlers) handleUnwant(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	topic, target := q.Get("topic"), q.Get("target")
	if topic == "" || target == "" {
		http.Error(w, "topic and target required", http.StatusBadRequest)
		return
	}
	if err := h.registry.Unwant(topic, target); err != nil {
		if errors.Is(err, eventsub.ErrSubscriptionNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func parseKind(s string) (twitchapi.TokenKind, bool) {
	switch s {
	case "user":
		return twitchapi.UserToken, true
	case "app":
		return twitchapi.AppToken, true
	default:
		return "", false
	}
}

func writeHTML(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<html><body><h1>Streamwatch</h1><p>%s</p></body></html>", msg)
}
