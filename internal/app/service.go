package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/voteflow/auth-service/internal/auth"
	"github.com/voteflow/auth-service/internal/domain"
	"github.com/voteflow/auth-service/internal/store"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

var (
	// ErrInvalidRequest marks malformed input: a blank username, an empty
	// or unknown scope set, or a token that resolves to no user.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInactiveUser marks an operation against a disabled account.
	ErrInactiveUser = errors.New("inactive user")
	// ErrInvalidCredentials covers both unknown usernames and wrong
	// passwords so a login failure reveals neither.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// UserService implements the user-management operations: search, self
// fetch, creation with a generated one-time password, password reset, and
// login.
type UserService struct {
	repo    store.Repository
	authCtx *auth.AuthenticationContext
	tokens  *auth.TokenIssuer
}

// NewUserService wires the service to its repository, hashing context,
// and token issuer.
func NewUserService(repo store.Repository, authCtx *auth.AuthenticationContext, tokens *auth.TokenIssuer) *UserService {
	return &UserService{repo: repo, authCtx: authCtx, tokens: tokens}
}

// FindUsers returns the page of users matching the filter, ordered by
// username ascending. skip is floored at 0; limit defaults to 100 and is
// capped at 1000.
func (s *UserService) FindUsers(ctx context.Context, filter domain.UserFilter, skip, limit int) ([]domain.UserInfo, error) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return s.repo.FilterUserInfo(ctx, filter, skip, limit)
}

// GetCurrentUser returns the record for the caller's own resolved
// identity. The username comes from the validated token, never from the
// request, so a caller cannot fetch another user's record here.
func (s *UserService) GetCurrentUser(ctx context.Context, username string) (*domain.UserInfo, error) {
	if strings.TrimSpace(username) == "" {
		return nil, fmt.Errorf("%w: user not specified", ErrInvalidRequest)
	}
	user, err := s.repo.GetUserInfo(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: unknown user", ErrInvalidRequest)
		}
		return nil, err
	}
	if user.Disabled {
		return nil, ErrInactiveUser
	}
	return user, nil
}

// CreateUser provisions a user with a server-generated temporary password.
// The user row, its credential, and the user.created event are written in
// one transaction; a duplicate username fails with store.ErrUserExists and
// leaves no partial state. The returned plaintext is disclosed exactly
// once and never persisted.
func (s *UserService) CreateUser(ctx context.Context, req domain.CreateUserRequest) (*domain.CreateUserResponse, error) {
	username, err := normalizeUsername(req.Username)
	if err != nil {
		return nil, err
	}
	if err := validateScopes(req.Scopes); err != nil {
		return nil, err
	}

	// Early duplicate check for a friendly failure; the transaction below
	// still owns correctness under concurrency.
	if _, err := s.repo.GetUserInfo(ctx, username); err == nil {
		return nil, store.ErrUserExists
	} else if !errors.Is(err, store.ErrUserNotFound) {
		return nil, err
	}

	password, err := auth.GenerateTemporaryPassword()
	if err != nil {
		return nil, err
	}
	hashed, err := s.authCtx.HashPassword(password)
	if err != nil {
		return nil, err
	}

	user := domain.UserInfo{
		Username:  username,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Scopes:    req.Scopes,
	}
	cred := domain.AuthenticationCredential{Username: username, HashedPassword: hashed}
	event := domain.UserCreatedEvent{
		Username:  username,
		Scopes:    req.Scopes,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.repo.CreateUserWithCredential(ctx, &user, &cred,
		domain.UserEventsExchange, domain.UserCreatedRoutingKey, event); err != nil {
		return nil, err
	}
	log.Printf("Created user %s with scopes %v", username, user.Scopes)

	return &domain.CreateUserResponse{UserInfo: user, Password: password}, nil
}

// ResetPassword overwrites the stored hash for username with a hash of the
// admin-supplied plaintext and echoes both back. Fails with
// store.ErrCredentialNotFound when the target has no credential.
func (s *UserService) ResetPassword(ctx context.Context, username, password string) (*domain.ResetPasswordResponse, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return nil, err
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password required", ErrInvalidRequest)
	}

	hashed, err := s.authCtx.HashPassword(password)
	if err != nil {
		return nil, err
	}
	cred := domain.AuthenticationCredential{Username: username, HashedPassword: hashed}
	event := domain.PasswordResetEvent{Username: username, ResetAt: time.Now().UTC()}

	if err := s.repo.UpdateCredentialAndEnqueueEvent(ctx, &cred,
		domain.UserEventsExchange, domain.PasswordResetRoutingKey, event); err != nil {
		return nil, err
	}
	log.Printf("Reset password for user %s", username)

	return &domain.ResetPasswordResponse{Username: username, Password: password}, nil
}

// Login verifies the password against the stored credential and issues a
// bearer token carrying the user's scope set. Unknown usernames and wrong
// passwords are indistinguishable to the caller.
func (s *UserService) Login(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	cred, err := s.repo.GetCredential(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrCredentialNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !s.authCtx.VerifyPassword(password, cred.HashedPassword) {
		return nil, ErrInvalidCredentials
	}

	user, err := s.repo.GetUserInfo(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if user.Disabled {
		return nil, ErrInactiveUser
	}

	token, err := s.tokens.Issue(user.Username, user.Scopes)
	if err != nil {
		return nil, err
	}
	return &domain.TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(s.tokens.TTL().Seconds()),
	}, nil
}

func normalizeUsername(raw string) (string, error) {
	username := strings.ToLower(strings.TrimSpace(raw))
	if username == "" {
		return "", fmt.Errorf("%w: username required", ErrInvalidRequest)
	}
	return username, nil
}

func validateScopes(scopes []domain.UserScope) error {
	if len(scopes) == 0 {
		return fmt.Errorf("%w: at least one scope required", ErrInvalidRequest)
	}
	for _, s := range scopes {
		if !s.Valid() {
			return fmt.Errorf("%w: unknown scope %q", ErrInvalidRequest, s)
		}
	}
	return nil
}
