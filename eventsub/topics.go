package eventsub

// requiredScopes maps each supported subscription topic to the user scopes
// its registration needs. Topics absent from the map need none and work with
// an app token too.
var requiredScopes = map[string][]string{
	"channel.follow":               {"moderator:read:followers"},
	"channel.subscribe":            {"channel:read:subscriptions"},
	"channel.subscription.gift":    {"channel:read:subscriptions"},
	"channel.subscription.message": {"channel:read:subscriptions"},
	"channel.cheer":                {"bits:read"},
	"channel.raid":                 {"channel:read:raids"},
	"channel.poll.begin":           {"channel:read:polls"},
	"channel.poll.progress":        {"channel:read:polls"},
	"channel.poll.end":             {"channel:read:polls"},
	"channel.prediction.begin":     {"channel:read:predictions"},
	"channel.prediction.end":       {"channel:read:predictions"},
	"channel.hype_train.begin":     {"channel:read:hype_train"},
	"channel.hype_train.end":       {"channel:read:hype_train"},
	"channel.goal.begin":           {"channel:read:goals"},
	"channel.goal.end":             {"channel:read:goals"},
	"channel.shoutout.create":      {"moderator:read:shoutouts"},
	"channel.shoutout.receive":     {"moderator:read:shoutouts"},
	// stream.online / stream.offline need no special scopes.
}

// RequiredScopes returns the user scopes needed to register topic.
func RequiredScopes(topic string) []string {
	return requiredScopes[topic]
}

// topicVersion returns the subscription version Helix expects for a topic.
// channel.follow v1 was retired; v2 additionally requires a moderator.
func topicVersion(topic string) string {
	if topic == "channel.follow" {
		return "2"
	}
	return "1"
}

// conditionFor builds the Helix condition object binding topic to target.
func conditionFor(topic, target string) map[string]string {
	cond := map[string]string{"broadcaster_user_id": target}
	if topic == "channel.follow" {
		// v2 scopes follower reads to a moderator of the channel; the
		// broadcaster moderates their own channel.
		cond["moderator_user_id"] = target
	}
	if topic == "channel.raid" {
		return map[string]string{"to_broadcaster_user_id": target}
	}
	return cond
}
