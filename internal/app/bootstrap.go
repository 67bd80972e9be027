package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/voteflow/auth-service/internal/auth"
	"github.com/voteflow/auth-service/internal/domain"
	"github.com/voteflow/auth-service/internal/store"
)

// EnsureDefaultAdmin provisions the bootstrap admin account from
// configuration on first startup. Idempotent: an existing record is left
// untouched, including its password. A concurrent start losing the create
// race is also fine.
func EnsureDefaultAdmin(ctx context.Context, repo store.Repository, authCtx *auth.AuthenticationContext, username, password string) error {
	if username == "" || password == "" {
		return nil
	}

	if _, err := repo.GetUserInfo(ctx, username); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrUserNotFound) {
		return fmt.Errorf("check bootstrap admin: %w", err)
	}

	hashed, err := authCtx.HashPassword(password)
	if err != nil {
		return err
	}
	user := domain.UserInfo{
		Username: username,
		Scopes:   []domain.UserScope{domain.ScopeAdmin},
	}
	cred := domain.AuthenticationCredential{Username: username, HashedPassword: hashed}
	event := domain.UserCreatedEvent{
		Username:  username,
		Scopes:    user.Scopes,
		CreatedAt: time.Now().UTC(),
	}

	err = repo.CreateUserWithCredential(ctx, &user, &cred,
		domain.UserEventsExchange, domain.UserCreatedRoutingKey, event)
	if err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return nil
		}
		return fmt.Errorf("create bootstrap admin: %w", err)
	}
	log.Printf("Provisioned bootstrap admin account %s", username)
	return nil
}
