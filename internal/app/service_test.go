package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/voteflow/auth-service/internal/auth"
	"github.com/voteflow/auth-service/internal/domain"
	"github.com/voteflow/auth-service/internal/store"
)

func newTestService(t *testing.T) (*UserService, *store.MemoryRepository) {
	t.Helper()
	repo := store.NewMemoryRepository()
	authCtx := auth.NewAuthenticationContext(bcrypt.MinCost)
	tokens := auth.NewTokenIssuer("test-secret", 30*time.Minute)
	return NewUserService(repo, authCtx, tokens), repo
}

func TestCreateUserReturnsWorkingPassword(t *testing.T) {
	service, repo := newTestService(t)

	resp, err := service.CreateUser(context.Background(), domain.CreateUserRequest{
		Username: "alice",
		Scopes:   []domain.UserScope{domain.ScopeVoter},
	})
	if err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}
	if resp.UserInfo.Username != "alice" {
		t.Fatalf("expected username alice, got %q", resp.UserInfo.Username)
	}
	if resp.Password == "" {
		t.Fatal("expected a generated password")
	}

	cred, err := repo.GetCredential(context.Background(), "alice")
	if err != nil {
		t.Fatalf("expected credential to exist: %v", err)
	}
	if cred.HashedPassword == resp.Password {
		t.Fatal("stored credential must be a hash, not the plaintext")
	}
	authCtx := auth.NewAuthenticationContext(bcrypt.MinCost)
	if !authCtx.VerifyPassword(resp.Password, cred.HashedPassword) {
		t.Fatal("generated password must verify against the stored hash")
	}
}

func TestCreateUserNormalizesUsername(t *testing.T) {
	service, _ := newTestService(t)

	resp, err := service.CreateUser(context.Background(), domain.CreateUserRequest{
		Username: "  Alice  ",
		Scopes:   []domain.UserScope{domain.ScopeVoter},
	})
	if err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}
	if resp.UserInfo.Username != "alice" {
		t.Fatalf("expected normalized username alice, got %q", resp.UserInfo.Username)
	}
}

func TestCreateUserValidation(t *testing.T) {
	service, _ := newTestService(t)

	tests := []struct {
		name string
		req  domain.CreateUserRequest
	}{
		{
			name: "blank username",
			req:  domain.CreateUserRequest{Username: "   ", Scopes: []domain.UserScope{domain.ScopeVoter}},
		},
		{
			name: "no scopes",
			req:  domain.CreateUserRequest{Username: "alice"},
		},
		{
			name: "unknown scope",
			req:  domain.CreateUserRequest{Username: "alice", Scopes: []domain.UserScope{"superuser"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := service.CreateUser(context.Background(), tt.req); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestCreateUserDuplicateConflict(t *testing.T) {
	service, repo := newTestService(t)

	if _, err := service.CreateUser(context.Background(), domain.CreateUserRequest{
		Username: "alice",
		Scopes:   []domain.UserScope{domain.ScopeVoter},
	}); err != nil {
		t.Fatalf("first create returned error: %v", err)
	}

	_, err := service.CreateUser(context.Background(), domain.CreateUserRequest{
		Username: "alice",
		Scopes:   []domain.UserScope{domain.ScopeAdmin},
	})
	if !errors.Is(err, store.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}

	stored, err := repo.GetUserInfo(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetUserInfo returned error: %v", err)
	}
	if len(stored.Scopes) != 1 || stored.Scopes[0] != domain.ScopeVoter {
		t.Fatalf("conflicting create mutated the record: %v", stored.Scopes)
	}
}

func TestResetPasswordRotatesCredential(t *testing.T) {
	service, repo := newTestService(t)

	created, err := service.CreateUser(context.Background(), domain.CreateUserRequest{
		Username: "alice",
		Scopes:   []domain.UserScope{domain.ScopeVoter},
	})
	if err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}

	resp, err := service.ResetPassword(context.Background(), "alice", "p@ss1234")
	if err != nil {
		t.Fatalf("ResetPassword returned error: %v", err)
	}
	if resp.Username != "alice" || resp.Password != "p@ss1234" {
		t.Fatalf("expected echoed username and password, got %+v", resp)
	}

	cred, err := repo.GetCredential(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetCredential returned error: %v", err)
	}
	authCtx := auth.NewAuthenticationContext(bcrypt.MinCost)
	if authCtx.VerifyPassword(created.Password, cred.HashedPassword) {
		t.Fatal("old password must no longer verify")
	}
	if !authCtx.VerifyPassword("p@ss1234", cred.HashedPassword) {
		t.Fatal("new password must verify")
	}
}

func TestResetPasswordUnknownUser(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.ResetPassword(context.Background(), "ghost", "p@ss1234")
	if !errors.Is(err, store.ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}
}

func TestGetCurrentUser(t *testing.T) {
	service, repo := newTestService(t)

	if err := repo.SetUserInfo(context.Background(), &domain.UserInfo{
		Username: "alice",
		Scopes:   []domain.UserScope{domain.ScopeVoter},
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := repo.SetUserInfo(context.Background(), &domain.UserInfo{
		Username: "mallory",
		Scopes:   []domain.UserScope{domain.ScopeVoter},
		Disabled: true,
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	user, err := service.GetCurrentUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetCurrentUser returned error: %v", err)
	}
	if user.Username != "alice" {
		t.Fatalf("expected alice, got %q", user.Username)
	}

	if _, err := service.GetCurrentUser(context.Background(), "mallory"); !errors.Is(err, ErrInactiveUser) {
		t.Fatalf("expected ErrInactiveUser, got %v", err)
	}
	if _, err := service.GetCurrentUser(context.Background(), ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for blank username, got %v", err)
	}
	if _, err := service.GetCurrentUser(context.Background(), "ghost"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for unknown username, got %v", err)
	}
}

func TestLogin(t *testing.T) {
	service, repo := newTestService(t)

	created, err := service.CreateUser(context.Background(), domain.CreateUserRequest{
		Username: "alice",
		Scopes:   []domain.UserScope{domain.ScopeVoter},
	})
	if err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}

	resp, err := service.Login(context.Background(), "alice", created.Password)
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if resp.AccessToken == "" || resp.TokenType != "bearer" {
		t.Fatalf("unexpected token response: %+v", resp)
	}

	if _, err := service.Login(context.Background(), "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
	if _, err := service.Login(context.Background(), "ghost", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}

	// Disabled accounts cannot log in even with the right password.
	stored, err := repo.GetUserInfo(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetUserInfo returned error: %v", err)
	}
	stored.Disabled = true
	if err := repo.SetUserInfo(context.Background(), stored); err != nil {
		t.Fatalf("SetUserInfo returned error: %v", err)
	}
	if _, err := service.Login(context.Background(), "alice", created.Password); !errors.Is(err, ErrInactiveUser) {
		t.Fatalf("expected ErrInactiveUser, got %v", err)
	}
}

func TestFindUsersClampsPagination(t *testing.T) {
	service, repo := newTestService(t)

	for _, username := range []string{"alice", "bob", "carol"} {
		if err := repo.SetUserInfo(context.Background(), &domain.UserInfo{
			Username: username,
			Scopes:   []domain.UserScope{domain.ScopeVoter},
		}); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	// Negative skip and zero limit fall back to sane defaults.
	users, err := service.FindUsers(context.Background(), domain.UserFilter{}, -5, 0)
	if err != nil {
		t.Fatalf("FindUsers returned error: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("expected 3 users, got %d", len(users))
	}
	if users[0].Username != "alice" || users[2].Username != "carol" {
		t.Fatalf("expected username-ascending order, got %v", users)
	}
}

func TestEnsureDefaultAdmin(t *testing.T) {
	repo := store.NewMemoryRepository()
	authCtx := auth.NewAuthenticationContext(bcrypt.MinCost)

	if err := EnsureDefaultAdmin(context.Background(), repo, authCtx, "default", "testingpass"); err != nil {
		t.Fatalf("EnsureDefaultAdmin returned error: %v", err)
	}

	admin, err := repo.GetUserInfo(context.Background(), "default")
	if err != nil {
		t.Fatalf("expected bootstrap admin to exist: %v", err)
	}
	if !admin.HasScope(domain.ScopeAdmin) {
		t.Fatalf("bootstrap admin missing admin scope: %v", admin.Scopes)
	}
	cred, err := repo.GetCredential(context.Background(), "default")
	if err != nil {
		t.Fatalf("expected bootstrap credential to exist: %v", err)
	}

	// Second run is a no-op and must not rotate the credential.
	if err := EnsureDefaultAdmin(context.Background(), repo, authCtx, "default", "otherpass"); err != nil {
		t.Fatalf("second EnsureDefaultAdmin returned error: %v", err)
	}
	credAfter, err := repo.GetCredential(context.Background(), "default")
	if err != nil {
		t.Fatalf("GetCredential returned error: %v", err)
	}
	if credAfter.HashedPassword != cred.HashedPassword {
		t.Fatal("idempotent bootstrap must not rotate the credential")
	}

	// Blank bootstrap config disables provisioning.
	empty := store.NewMemoryRepository()
	if err := EnsureDefaultAdmin(context.Background(), empty, authCtx, "", ""); err != nil {
		t.Fatalf("EnsureDefaultAdmin with blank config returned error: %v", err)
	}
	if _, err := empty.GetUserInfo(context.Background(), "default"); !errors.Is(err, store.ErrUserNotFound) {
		t.Fatalf("expected no bootstrap admin, got %v", err)
	}
}
