package domain

import "time"

// Webhook is a user's subscription to an event type.
type Webhook struct {
	WebhookID string
	UserID    UserID
	Event     string
	URL       string
	CreatedAt time.Time
	UpdatedAt time.Time
}
