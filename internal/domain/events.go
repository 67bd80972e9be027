package domain

import "time"

// Exchange and routing keys for user lifecycle events.
const (
	UserEventsExchange      = "user_events"
	UserCreatedRoutingKey   = "user.created"
	PasswordResetRoutingKey = "user.password_reset"
)

// UserCreatedEvent is published after a user and its credential are
// persisted. It intentionally carries no password material.
type UserCreatedEvent struct {
	Username  string      `json:"username"`
	Scopes    []UserScope `json:"scopes"`
	CreatedAt time.Time   `json:"created_at"`
}

// PasswordResetEvent is published after an admin rotates a user's
// credential.
type PasswordResetEvent struct {
	Username string    `json:"username"`
	ResetAt  time.Time `json:"reset_at"`
}
