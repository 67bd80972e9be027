package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/voteflow/auth-service/internal/domain"
)

func newSQLiteRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("OpenSQLite returned error: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteCreateUserWithCredential(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()

	email := "alice@example.org"
	user := domain.UserInfo{
		Username: "alice",
		Email:    &email,
		Scopes:   []domain.UserScope{domain.ScopeAdmin, domain.ScopeVoter},
	}
	cred := domain.AuthenticationCredential{Username: "alice", HashedPassword: "hash-1"}
	if err := repo.CreateUserWithCredential(ctx, &user, &cred,
		domain.UserEventsExchange, domain.UserCreatedRoutingKey, domain.UserCreatedEvent{Username: "alice"}); err != nil {
		t.Fatalf("create returned error: %v", err)
	}

	stored, err := repo.GetUserInfo(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserInfo returned error: %v", err)
	}
	if stored.Email == nil || *stored.Email != email {
		t.Fatalf("expected email round-trip, got %v", stored.Email)
	}
	if len(stored.Scopes) != 2 || stored.Scopes[0] != domain.ScopeAdmin || stored.Scopes[1] != domain.ScopeVoter {
		t.Fatalf("expected scopes round-trip, got %v", stored.Scopes)
	}

	storedCred, err := repo.GetCredential(ctx, "alice")
	if err != nil {
		t.Fatalf("GetCredential returned error: %v", err)
	}
	if storedCred.HashedPassword != "hash-1" {
		t.Fatalf("expected stored hash, got %q", storedCred.HashedPassword)
	}

	// The event landed in the outbox.
	claimed, err := repo.ClaimOutboxMessages(ctx, 10, 120)
	if err != nil {
		t.Fatalf("ClaimOutboxMessages returned error: %v", err)
	}
	if len(claimed) != 1 || claimed[0].RoutingKey != domain.UserCreatedRoutingKey {
		t.Fatalf("expected one user.created event, got %v", claimed)
	}
}

func TestSQLiteDuplicateCreateRollsBack(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()

	user := domain.UserInfo{Username: "alice", Scopes: []domain.UserScope{domain.ScopeVoter}}
	cred := domain.AuthenticationCredential{Username: "alice", HashedPassword: "hash-1"}
	if err := repo.CreateUserWithCredential(ctx, &user, &cred,
		domain.UserEventsExchange, domain.UserCreatedRoutingKey, domain.UserCreatedEvent{Username: "alice"}); err != nil {
		t.Fatalf("first create returned error: %v", err)
	}

	dup := domain.UserInfo{Username: "alice", Scopes: []domain.UserScope{domain.ScopeAdmin}}
	dupCred := domain.AuthenticationCredential{Username: "alice", HashedPassword: "hash-2"}
	err := repo.CreateUserWithCredential(ctx, &dup, &dupCred,
		domain.UserEventsExchange, domain.UserCreatedRoutingKey, domain.UserCreatedEvent{Username: "alice"})
	if !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}

	stored, err := repo.GetUserInfo(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserInfo returned error: %v", err)
	}
	if len(stored.Scopes) != 1 || stored.Scopes[0] != domain.ScopeVoter {
		t.Fatalf("duplicate create mutated the user record: %v", stored.Scopes)
	}
	storedCred, err := repo.GetCredential(ctx, "alice")
	if err != nil {
		t.Fatalf("GetCredential returned error: %v", err)
	}
	if storedCred.HashedPassword != "hash-1" {
		t.Fatal("duplicate create mutated the credential")
	}

	// Exactly one outbox event survives, from the winning create.
	claimed, err := repo.ClaimOutboxMessages(ctx, 10, 120)
	if err != nil {
		t.Fatalf("ClaimOutboxMessages returned error: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected one outbox event, got %d", len(claimed))
	}
}

func TestSQLiteFilterUserInfo(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()
	adminScope := domain.ScopeAdmin
	activeOnly := false

	seed := []domain.UserInfo{
		{Username: "carol", Scopes: []domain.UserScope{domain.ScopeVoter}},
		{Username: "alice", Scopes: []domain.UserScope{domain.ScopeAdmin, domain.ScopeVoter}},
		{Username: "bob", Scopes: []domain.UserScope{domain.ScopeVoter}, Disabled: true},
		{Username: "albert", Scopes: []domain.UserScope{domain.ScopeGuardian}},
	}
	for i := range seed {
		if err := repo.SetUserInfo(ctx, &seed[i]); err != nil {
			t.Fatalf("failed to seed %s: %v", seed[i].Username, err)
		}
	}

	tests := []struct {
		name   string
		filter domain.UserFilter
		skip   int
		limit  int
		want   []string
	}{
		{
			name:  "all users in username order",
			limit: 10,
			want:  []string{"albert", "alice", "bob", "carol"},
		},
		{
			name:   "username prefix",
			filter: domain.UserFilter{Username: "AL"},
			limit:  10,
			want:   []string{"albert", "alice"},
		},
		{
			name:   "scope filter",
			filter: domain.UserFilter{Scope: &adminScope},
			limit:  10,
			want:   []string{"alice"},
		},
		{
			name:   "disabled filter",
			filter: domain.UserFilter{Disabled: &activeOnly},
			limit:  10,
			want:   []string{"albert", "alice", "carol"},
		},
		{
			name:  "pagination",
			skip:  1,
			limit: 2,
			want:  []string{"alice", "bob"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users, err := repo.FilterUserInfo(ctx, tt.filter, tt.skip, tt.limit)
			if err != nil {
				t.Fatalf("FilterUserInfo returned error: %v", err)
			}
			if len(users) != len(tt.want) {
				t.Fatalf("expected %d users, got %d", len(tt.want), len(users))
			}
			for i, username := range tt.want {
				if users[i].Username != username {
					t.Fatalf("expected %q at position %d, got %q", username, i, users[i].Username)
				}
			}
		})
	}
}

func TestSQLiteCredentialRotation(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()

	err := repo.UpdateCredentialAndEnqueueEvent(ctx,
		&domain.AuthenticationCredential{Username: "ghost", HashedPassword: "h"},
		domain.UserEventsExchange, domain.PasswordResetRoutingKey, domain.PasswordResetEvent{Username: "ghost"})
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound for unknown user, got %v", err)
	}

	user := domain.UserInfo{Username: "alice", Scopes: []domain.UserScope{domain.ScopeVoter}}
	cred := domain.AuthenticationCredential{Username: "alice", HashedPassword: "hash-1"}
	if err := repo.CreateUserWithCredential(ctx, &user, &cred,
		domain.UserEventsExchange, domain.UserCreatedRoutingKey, domain.UserCreatedEvent{Username: "alice"}); err != nil {
		t.Fatalf("create returned error: %v", err)
	}

	rotated := domain.AuthenticationCredential{Username: "alice", HashedPassword: "hash-2"}
	if err := repo.UpdateCredentialAndEnqueueEvent(ctx, &rotated,
		domain.UserEventsExchange, domain.PasswordResetRoutingKey, domain.PasswordResetEvent{Username: "alice"}); err != nil {
		t.Fatalf("rotation returned error: %v", err)
	}

	stored, err := repo.GetCredential(ctx, "alice")
	if err != nil {
		t.Fatalf("GetCredential returned error: %v", err)
	}
	if stored.HashedPassword != "hash-2" {
		t.Fatalf("expected rotated hash, got %q", stored.HashedPassword)
	}

	// Both the create and the reset produced events.
	claimed, err := repo.ClaimOutboxMessages(ctx, 10, 120)
	if err != nil {
		t.Fatalf("ClaimOutboxMessages returned error: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 outbox events, got %d", len(claimed))
	}
	if claimed[0].RoutingKey != domain.UserCreatedRoutingKey || claimed[1].RoutingKey != domain.PasswordResetRoutingKey {
		t.Fatalf("unexpected routing keys: %q, %q", claimed[0].RoutingKey, claimed[1].RoutingKey)
	}
}

func TestSQLiteOutboxLifecycle(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()

	user := domain.UserInfo{Username: "alice", Scopes: []domain.UserScope{domain.ScopeVoter}}
	cred := domain.AuthenticationCredential{Username: "alice", HashedPassword: "hash"}
	if err := repo.CreateUserWithCredential(ctx, &user, &cred,
		domain.UserEventsExchange, domain.UserCreatedRoutingKey, domain.UserCreatedEvent{Username: "alice"}); err != nil {
		t.Fatalf("create returned error: %v", err)
	}

	claimed, err := repo.ClaimOutboxMessages(ctx, 10, 120)
	if err != nil {
		t.Fatalf("ClaimOutboxMessages returned error: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 message, got %d", len(claimed))
	}
	if claimed[0].Attempts != 1 {
		t.Fatalf("expected first attempt, got %d", claimed[0].Attempts)
	}

	// Claimed messages stay invisible until the stale window passes.
	again, err := repo.ClaimOutboxMessages(ctx, 10, 120)
	if err != nil {
		t.Fatalf("ClaimOutboxMessages returned error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no claimable messages, got %d", len(again))
	}

	// A zero-delay failure makes it immediately retryable.
	if err := repo.MarkOutboxFailed(ctx, claimed[0].ID, 0, "broker down"); err != nil {
		t.Fatalf("MarkOutboxFailed returned error: %v", err)
	}
	retry, err := repo.ClaimOutboxMessages(ctx, 10, 120)
	if err != nil {
		t.Fatalf("ClaimOutboxMessages returned error: %v", err)
	}
	if len(retry) != 1 {
		t.Fatalf("expected 1 retryable message, got %d", len(retry))
	}
	if retry[0].Attempts != 2 {
		t.Fatalf("expected second attempt, got %d", retry[0].Attempts)
	}

	if err := repo.MarkOutboxPublished(ctx, retry[0].ID); err != nil {
		t.Fatalf("MarkOutboxPublished returned error: %v", err)
	}
	final, err := repo.ClaimOutboxMessages(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ClaimOutboxMessages returned error: %v", err)
	}
	if len(final) != 0 {
		t.Fatalf("expected no messages after publish, got %d", len(final))
	}
}
