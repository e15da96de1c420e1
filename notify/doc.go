// Package notify delivers decoded EventSub notifications to a Twitch chat
// channel through IRC. It is the consumer side of the event pipeline: the
// session hands events over asynchronously and never waits on delivery.
//
// The announcer keeps its own small send queue so a slow or disconnected IRC
// connection back-pressures here, not in the websocket read loop.
package notify
