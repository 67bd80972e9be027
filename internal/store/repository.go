package store

import (
	"context"
	"errors"

	"github.com/voteflow/auth-service/internal/domain"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialExists   = errors.New("credential already exists")
	// ErrUnavailable wraps transient backend failures (timeouts, dropped
	// connections). Callers may retry after a short delay.
	ErrUnavailable = errors.New("store unavailable")
)

// UserDirectory persists identity records keyed by username.
type UserDirectory interface {
	// FilterUserInfo returns the page of users matching the filter,
	// ordered by username ascending. An empty filter matches all users.
	FilterUserInfo(ctx context.Context, filter domain.UserFilter, skip, limit int) ([]domain.UserInfo, error)
	GetUserInfo(ctx context.Context, username string) (*domain.UserInfo, error)
	// SetUserInfo creates or overwrites the record for user.Username.
	SetUserInfo(ctx context.Context, user *domain.UserInfo) error
}

// CredentialStore persists hashed passwords keyed by username.
type CredentialStore interface {
	GetCredential(ctx context.Context, username string) (*domain.AuthenticationCredential, error)
	// SetCredential creates a credential; fails with ErrCredentialExists
	// if one is already stored for the username.
	SetCredential(ctx context.Context, cred *domain.AuthenticationCredential) error
	// UpdateCredential overwrites an existing credential; fails with
	// ErrCredentialNotFound if none is stored.
	UpdateCredential(ctx context.Context, cred *domain.AuthenticationCredential) error
}

// OutboxMessage is a pending event captured in the same transaction as the
// state change it describes.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// Repository is the full surface the user service depends on. A user and
// its credential are created in a single transaction together with the
// user.created outbox event, so neither can exist without the other and
// the event cannot be lost.
type Repository interface {
	UserDirectory
	CredentialStore

	CreateUserWithCredential(ctx context.Context, user *domain.UserInfo, cred *domain.AuthenticationCredential, exchange, routingKey string, event any) error
	UpdateCredentialAndEnqueueEvent(ctx context.Context, cred *domain.AuthenticationCredential, exchange, routingKey string, event any) error

	ClaimOutboxMessages(ctx context.Context, batchSize, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}
