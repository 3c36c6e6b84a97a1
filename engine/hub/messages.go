package hub

import "time"

// topicFamilies is the closed set of subscribable topic families.
var topicFamilies = map[string]struct{}{
	"line":       {},
	"equipment":  {},
	"job":        {},
	"production": {},
	"oee":        {},
	"downtime":   {},
	"andon":      {},
	"escalation": {},
	"quality":    {},
	"changeover": {},
	"system":     {},
}

type (
	// clientMessage is any inbound frame.
	clientMessage struct {
		Type             string `json:"type"`
		SubscriptionType string `json:"subscription_type,omitempty"`
		TargetID         string `json:"target_id,omitempty"`
	}

	// ackMessage confirms a subscribe or unsubscribe.
	ackMessage struct {
		Type      string    `json:"type"`
		Topic     string    `json:"topic"`
		Timestamp time.Time `json:"timestamp"`
	}

	// pongMessage answers an application-level ping.
	pongMessage struct {
		Type      string    `json:"type"`
		Timestamp time.Time `json:"timestamp"`
	}

	// errorMessage reports a malformed or rejected frame. The connection
	// stays open.
	errorMessage struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}

	// statsMessage answers get_stats.
	statsMessage struct {
		Type              string    `json:"type"`
		ConnectionID      string    `json:"connection_id"`
		UserID            string    `json:"user_id"`
		ConnectedAt       time.Time `json:"connected_at"`
		MessagesSent      int64     `json:"messages_sent"`
		SubscriptionCount int       `json:"subscription_count"`
	}

	// subscriptionsMessage answers get_subscriptions.
	subscriptionsMessage struct {
		Type          string   `json:"type"`
		Subscriptions []string `json:"subscriptions"`
	}

	// eventFrame is the outbound serialization of a bus event.
	eventFrame struct {
		Type        string    `json:"type"`
		Timestamp   time.Time `json:"timestamp"`
		Data        any       `json:"data"`
		RoutingKeys []string  `json:"routing_keys"`
	}
)
