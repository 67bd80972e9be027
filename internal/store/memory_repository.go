package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/voteflow/auth-service/internal/domain"
)

// MemoryRepository is a mutex-guarded in-memory implementation of
// Repository. It backs unit tests and lets the user service run without a
// database.
type MemoryRepository struct {
	mu          sync.Mutex
	users       map[string]domain.UserInfo
	credentials map[string]domain.AuthenticationCredential
	outbox      []outboxEntry
	nextID      int64
}

type outboxEntry struct {
	msg         OutboxMessage
	status      string
	nextAttempt time.Time
	claimedAt   time.Time
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:       map[string]domain.UserInfo{},
		credentials: map[string]domain.AuthenticationCredential{},
		nextID:      1,
	}
}

// FilterUserInfo returns users matching the filter, ordered by username
// ascending.
func (r *MemoryRepository) FilterUserInfo(ctx context.Context, filter domain.UserFilter, skip, limit int) ([]domain.UserInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []domain.UserInfo
	for _, user := range r.users {
		if filter.Username != "" && !strings.HasPrefix(strings.ToLower(user.Username), strings.ToLower(filter.Username)) {
			continue
		}
		if filter.Scope != nil && !user.HasScope(*filter.Scope) {
			continue
		}
		if filter.Disabled != nil && user.Disabled != *filter.Disabled {
			continue
		}
		matched = append(matched, user)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Username < matched[j].Username })

	if skip >= len(matched) {
		return []domain.UserInfo{}, nil
	}
	matched = matched[skip:]
	if limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// GetUserInfo retrieves a user by username.
func (r *MemoryRepository) GetUserInfo(ctx context.Context, username string) (*domain.UserInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &user, nil
}

// SetUserInfo creates or overwrites the record for user.Username.
func (r *MemoryRepository) SetUserInfo(ctx context.Context, user *domain.UserInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *user
	now := time.Now().UTC()
	if existing, ok := r.users[user.Username]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	r.users[user.Username] = stored
	return nil
}

// GetCredential retrieves the stored credential for a username.
func (r *MemoryRepository) GetCredential(ctx context.Context, username string) (*domain.AuthenticationCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cred, ok := r.credentials[username]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return &cred, nil
}

// SetCredential inserts a new credential record.
func (r *MemoryRepository) SetCredential(ctx context.Context, cred *domain.AuthenticationCredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.credentials[cred.Username]; ok {
		return ErrCredentialExists
	}
	r.credentials[cred.Username] = *cred
	return nil
}

// UpdateCredential overwrites an existing credential.
func (r *MemoryRepository) UpdateCredential(ctx context.Context, cred *domain.AuthenticationCredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.credentials[cred.Username]; !ok {
		return ErrCredentialNotFound
	}
	r.credentials[cred.Username] = *cred
	return nil
}

// CreateUserWithCredential stores the user, credential, and outbox event
// atomically under the repository lock. Concurrent creates for the same
// username see exactly one success.
func (r *MemoryRepository) CreateUserWithCredential(ctx context.Context, user *domain.UserInfo, cred *domain.AuthenticationCredential, exchange, routingKey string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[user.Username]; ok {
		return ErrUserExists
	}
	stored := *user
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.users[user.Username] = stored
	r.credentials[cred.Username] = *cred
	r.enqueueLocked(exchange, routingKey, payload)
	return nil
}

// UpdateCredentialAndEnqueueEvent rotates a credential and records the
// event atomically.
func (r *MemoryRepository) UpdateCredentialAndEnqueueEvent(ctx context.Context, cred *domain.AuthenticationCredential, exchange, routingKey string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.credentials[cred.Username]; !ok {
		return ErrCredentialNotFound
	}
	r.credentials[cred.Username] = *cred
	r.enqueueLocked(exchange, routingKey, payload)
	return nil
}

func (r *MemoryRepository) enqueueLocked(exchange, routingKey string, payload []byte) {
	r.outbox = append(r.outbox, outboxEntry{
		msg: OutboxMessage{
			ID:         r.nextID,
			Exchange:   exchange,
			RoutingKey: routingKey,
			Payload:    payload,
		},
		status:      "pending",
		nextAttempt: time.Now().UTC(),
	})
	r.nextID++
}

// ClaimOutboxMessages marks a batch of publishable messages as processing
// and returns them.
func (r *MemoryRepository) ClaimOutboxMessages(ctx context.Context, batchSize, staleAfterSeconds int) ([]OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	staleBefore := now.Add(-time.Duration(staleAfterSeconds) * time.Second)
	var claimed []OutboxMessage
	for i := range r.outbox {
		if len(claimed) >= batchSize {
			break
		}
		e := &r.outbox[i]
		ready := e.status == "pending" && !e.nextAttempt.After(now)
		stale := e.status == "processing" && e.claimedAt.Before(staleBefore)
		if !ready && !stale {
			continue
		}
		e.status = "processing"
		e.claimedAt = now
		e.msg.Attempts++
		claimed = append(claimed, e.msg)
	}
	return claimed, nil
}

// MarkOutboxPublished records a successful publish.
func (r *MemoryRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.outbox {
		if r.outbox[i].msg.ID == id {
			r.outbox[i].status = "published"
			return nil
		}
	}
	return nil
}

// MarkOutboxFailed schedules a retry after the given delay.
func (r *MemoryRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.outbox {
		if r.outbox[i].msg.ID == id {
			r.outbox[i].status = "pending"
			r.outbox[i].nextAttempt = time.Now().UTC().Add(time.Duration(retryAfterSeconds) * time.Second)
			return nil
		}
	}
	return nil
}
