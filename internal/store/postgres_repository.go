package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voteflow/auth-service/internal/domain"
)

const pgUniqueViolation = "23505"

// PostgresRepository is the PostgreSQL implementation of Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the tables the repository depends on. Idempotent.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS users (
            username TEXT PRIMARY KEY,
            first_name TEXT,
            last_name TEXT,
            email TEXT,
            scopes TEXT[] NOT NULL,
            disabled BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
        CREATE TABLE IF NOT EXISTS credentials (
            username TEXT PRIMARY KEY REFERENCES users(username),
            hashed_password TEXT NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
        CREATE TABLE IF NOT EXISTS user_outbox (
            id BIGSERIAL PRIMARY KEY,
            exchange TEXT NOT NULL,
            routing_key TEXT NOT NULL,
            payload JSONB NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            attempts INT NOT NULL DEFAULT 0,
            next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            processing_started_at TIMESTAMPTZ,
            last_error TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
    `)
	return err
}

// FilterUserInfo returns users matching the filter, ordered by username
// ascending so pagination is stable across calls.
func (r *PostgresRepository) FilterUserInfo(ctx context.Context, filter domain.UserFilter, skip, limit int) ([]domain.UserInfo, error) {
	var scope *string
	if filter.Scope != nil {
		s := string(*filter.Scope)
		scope = &s
	}
	query := `
        SELECT username, first_name, last_name, email, scopes, disabled, created_at, updated_at
        FROM users
        WHERE ($1 = '' OR username ILIKE $1 || '%')
          AND ($2::text IS NULL OR $2 = ANY(scopes))
          AND ($3::boolean IS NULL OR disabled = $3)
        ORDER BY username ASC
        OFFSET $4 LIMIT $5
    `
	rows, err := r.db.Query(ctx, query, filter.Username, scope, filter.Disabled, skip, limit)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	users := []domain.UserInfo{}
	for rows.Next() {
		user, err := scanPgUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(err)
	}
	return users, nil
}

// GetUserInfo retrieves a user by username.
func (r *PostgresRepository) GetUserInfo(ctx context.Context, username string) (*domain.UserInfo, error) {
	query := `
        SELECT username, first_name, last_name, email, scopes, disabled, created_at, updated_at
        FROM users WHERE username = $1
    `
	user, err := scanPgUser(r.db.QueryRow(ctx, query, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, classifyPgError(err)
	}
	return user, nil
}

// SetUserInfo creates or overwrites the record for user.Username.
func (r *PostgresRepository) SetUserInfo(ctx context.Context, user *domain.UserInfo) error {
	query := `
        INSERT INTO users (username, first_name, last_name, email, scopes, disabled)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (username) DO UPDATE SET
            first_name = EXCLUDED.first_name,
            last_name = EXCLUDED.last_name,
            email = EXCLUDED.email,
            scopes = EXCLUDED.scopes,
            disabled = EXCLUDED.disabled,
            updated_at = NOW()
    `
	_, err := r.db.Exec(ctx, query,
		user.Username, user.FirstName, user.LastName, user.Email, scopesToStrings(user.Scopes), user.Disabled)
	return classifyPgError(err)
}

// GetCredential retrieves the stored credential for a username.
func (r *PostgresRepository) GetCredential(ctx context.Context, username string) (*domain.AuthenticationCredential, error) {
	var cred domain.AuthenticationCredential
	err := r.db.QueryRow(ctx,
		`SELECT username, hashed_password FROM credentials WHERE username = $1`, username).
		Scan(&cred.Username, &cred.HashedPassword)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, classifyPgError(err)
	}
	return &cred, nil
}

// SetCredential inserts a new credential record.
func (r *PostgresRepository) SetCredential(ctx context.Context, cred *domain.AuthenticationCredential) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO credentials (username, hashed_password) VALUES ($1, $2)`,
		cred.Username, cred.HashedPassword)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrCredentialExists
		}
		return classifyPgError(err)
	}
	return nil
}

// UpdateCredential overwrites an existing credential.
func (r *PostgresRepository) UpdateCredential(ctx context.Context, cred *domain.AuthenticationCredential) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE credentials SET hashed_password = $2, updated_at = NOW() WHERE username = $1`,
		cred.Username, cred.HashedPassword)
	if err != nil {
		return classifyPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// CreateUserWithCredential inserts the user row, its credential, and the
// outbox event in one transaction. A concurrent create for the same
// username loses on the primary key and surfaces ErrUserExists with no
// partial write.
func (r *PostgresRepository) CreateUserWithCredential(ctx context.Context, user *domain.UserInfo, cred *domain.AuthenticationCredential, exchange, routingKey string, event any) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classifyPgError(err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
        INSERT INTO users (username, first_name, last_name, email, scopes, disabled)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, user.Username, user.FirstName, user.LastName, user.Email, scopesToStrings(user.Scopes), user.Disabled)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrUserExists
		}
		return classifyPgError(err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO credentials (username, hashed_password) VALUES ($1, $2)`,
		cred.Username, cred.HashedPassword); err != nil {
		return classifyPgError(err)
	}

	if err := enqueueEventTx(ctx, tx, exchange, routingKey, event); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(err)
	}
	return nil
}

// UpdateCredentialAndEnqueueEvent rotates a credential and captures the
// password-reset event in the same transaction.
func (r *PostgresRepository) UpdateCredentialAndEnqueueEvent(ctx context.Context, cred *domain.AuthenticationCredential, exchange, routingKey string, event any) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classifyPgError(err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE credentials SET hashed_password = $2, updated_at = NOW() WHERE username = $1`,
		cred.Username, cred.HashedPassword)
	if err != nil {
		return classifyPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}

	if err := enqueueEventTx(ctx, tx, exchange, routingKey, event); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(err)
	}
	return nil
}

func enqueueEventTx(ctx context.Context, tx pgx.Tx, exchange, routingKey string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO user_outbox (exchange, routing_key, payload) VALUES ($1, $2, $3)`,
		exchange, routingKey, payload)
	return classifyPgError(err)
}

// ClaimOutboxMessages marks a batch of publishable messages as processing
// and returns them. Messages stuck in processing longer than
// staleAfterSeconds are reclaimed.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, batchSize, staleAfterSeconds int) ([]OutboxMessage, error) {
	query := `
        WITH claimed AS (
            SELECT id FROM user_outbox
            WHERE (status = 'pending' AND next_attempt_at <= NOW())
               OR (status = 'processing' AND processing_started_at < NOW() - make_interval(secs => $2))
            ORDER BY id
            LIMIT $1
            FOR UPDATE SKIP LOCKED
        )
        UPDATE user_outbox o
        SET status = 'processing', processing_started_at = NOW(), attempts = o.attempts + 1
        FROM claimed
        WHERE o.id = claimed.id
        RETURNING o.id, o.exchange, o.routing_key, o.payload, o.attempts
    `
	rows, err := r.db.Query(ctx, query, batchSize, staleAfterSeconds)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.Exchange, &m.RoutingKey, &m.Payload, &m.Attempts); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkOutboxPublished records a successful publish.
func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE user_outbox SET status = 'published', last_error = NULL WHERE id = $1`, id)
	return classifyPgError(err)
}

// MarkOutboxFailed schedules a retry after the given delay.
func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	_, err := r.db.Exec(ctx, `
        UPDATE user_outbox
        SET status = 'pending',
            next_attempt_at = NOW() + make_interval(secs => $2),
            last_error = $3
        WHERE id = $1
    `, id, retryAfterSeconds, reason)
	return classifyPgError(err)
}

type pgRow interface {
	Scan(dest ...any) error
}

func scanPgUser(row pgRow) (*domain.UserInfo, error) {
	var user domain.UserInfo
	var scopes []string
	if err := row.Scan(&user.Username, &user.FirstName, &user.LastName, &user.Email,
		&scopes, &user.Disabled, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, err
	}
	user.Scopes = stringsToScopes(scopes)
	return &user, nil
}

func scopesToStrings(scopes []domain.UserScope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

func stringsToScopes(values []string) []domain.UserScope {
	out := make([]domain.UserScope, len(values))
	for i, v := range values {
		out[i] = domain.UserScope(v)
	}
	return out
}

// classifyPgError wraps transient failures in ErrUnavailable so callers can
// surface a retryable status instead of a hard failure.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
