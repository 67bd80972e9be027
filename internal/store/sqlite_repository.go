package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/voteflow/auth-service/internal/domain"
)

// SQLiteRepository is the single-file implementation of Repository used in
// local-storage mode. Same semantics as Postgres: the username primary key
// serializes concurrent creates.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and ensures the
// schema. Busy timeout keeps concurrent writers from failing immediately.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY churn under load.
	db.SetMaxOpenConns(1)

	repo := &SQLiteRepository{db: db}
	if err := repo.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// Close releases the underlying database handle.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// EnsureSchema creates the tables the repository depends on. Idempotent.
func (r *SQLiteRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS users (
            username TEXT PRIMARY KEY,
            first_name TEXT,
            last_name TEXT,
            email TEXT,
            scopes TEXT NOT NULL,
            disabled INTEGER NOT NULL DEFAULT 0,
            created_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );
        CREATE TABLE IF NOT EXISTS credentials (
            username TEXT PRIMARY KEY REFERENCES users(username),
            hashed_password TEXT NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );
        CREATE TABLE IF NOT EXISTS user_outbox (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            exchange TEXT NOT NULL,
            routing_key TEXT NOT NULL,
            payload BLOB NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            attempts INTEGER NOT NULL DEFAULT 0,
            next_attempt_at TIMESTAMP NOT NULL,
            processing_started_at TIMESTAMP,
            last_error TEXT,
            created_at TIMESTAMP NOT NULL
        );
    `)
	return classifySQLiteError(err)
}

// FilterUserInfo returns users matching the filter, ordered by username
// ascending. Scope matching relies on scopes being stored as a JSON array
// of quoted enum tokens, so a quoted scope cannot match inside another.
func (r *SQLiteRepository) FilterUserInfo(ctx context.Context, filter domain.UserFilter, skip, limit int) ([]domain.UserInfo, error) {
	query := `
        SELECT username, first_name, last_name, email, scopes, disabled, created_at, updated_at
        FROM users
        WHERE (? = '' OR lower(username) LIKE lower(?) || '%')
          AND (? = '' OR instr(scopes, ?) > 0)
          AND (? = -1 OR disabled = ?)
        ORDER BY username ASC
        LIMIT ? OFFSET ?
    `
	scopeToken := ""
	if filter.Scope != nil {
		scopeToken = `"` + string(*filter.Scope) + `"`
	}
	disabledFlag := -1
	if filter.Disabled != nil {
		disabledFlag = 0
		if *filter.Disabled {
			disabledFlag = 1
		}
	}
	rows, err := r.db.QueryContext(ctx, query,
		filter.Username, filter.Username,
		scopeToken, scopeToken,
		disabledFlag, disabledFlag,
		limit, skip)
	if err != nil {
		return nil, classifySQLiteError(err)
	}
	defer rows.Close()

	users := []domain.UserInfo{}
	for rows.Next() {
		user, err := scanSQLiteUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError(err)
	}
	return users, nil
}

// GetUserInfo retrieves a user by username.
func (r *SQLiteRepository) GetUserInfo(ctx context.Context, username string) (*domain.UserInfo, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT username, first_name, last_name, email, scopes, disabled, created_at, updated_at
        FROM users WHERE username = ?
    `, username)
	user, err := scanSQLiteUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, classifySQLiteError(err)
	}
	return user, nil
}

// SetUserInfo creates or overwrites the record for user.Username.
func (r *SQLiteRepository) SetUserInfo(ctx context.Context, user *domain.UserInfo) error {
	scopes, err := json.Marshal(scopesToStrings(user.Scopes))
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
        INSERT INTO users (username, first_name, last_name, email, scopes, disabled, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (username) DO UPDATE SET
            first_name = excluded.first_name,
            last_name = excluded.last_name,
            email = excluded.email,
            scopes = excluded.scopes,
            disabled = excluded.disabled,
            updated_at = excluded.updated_at
    `, user.Username, user.FirstName, user.LastName, user.Email, string(scopes), user.Disabled, now, now)
	return classifySQLiteError(err)
}

// GetCredential retrieves the stored credential for a username.
func (r *SQLiteRepository) GetCredential(ctx context.Context, username string) (*domain.AuthenticationCredential, error) {
	var cred domain.AuthenticationCredential
	err := r.db.QueryRowContext(ctx,
		`SELECT username, hashed_password FROM credentials WHERE username = ?`, username).
		Scan(&cred.Username, &cred.HashedPassword)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, classifySQLiteError(err)
	}
	return &cred, nil
}

// SetCredential inserts a new credential record.
func (r *SQLiteRepository) SetCredential(ctx context.Context, cred *domain.AuthenticationCredential) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO credentials (username, hashed_password, updated_at) VALUES (?, ?, ?)`,
		cred.Username, cred.HashedPassword, time.Now().UTC())
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrCredentialExists
		}
		return classifySQLiteError(err)
	}
	return nil
}

// UpdateCredential overwrites an existing credential.
func (r *SQLiteRepository) UpdateCredential(ctx context.Context, cred *domain.AuthenticationCredential) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE credentials SET hashed_password = ?, updated_at = ? WHERE username = ?`,
		cred.HashedPassword, time.Now().UTC(), cred.Username)
	if err != nil {
		return classifySQLiteError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// CreateUserWithCredential inserts the user, its credential, and the
// outbox event in one transaction.
func (r *SQLiteRepository) CreateUserWithCredential(ctx context.Context, user *domain.UserInfo, cred *domain.AuthenticationCredential, exchange, routingKey string, event any) error {
	scopes, err := json.Marshal(scopesToStrings(user.Scopes))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteError(err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
        INSERT INTO users (username, first_name, last_name, email, scopes, disabled, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `, user.Username, user.FirstName, user.LastName, user.Email, string(scopes), user.Disabled, now, now)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrUserExists
		}
		return classifySQLiteError(err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credentials (username, hashed_password, updated_at) VALUES (?, ?, ?)`,
		cred.Username, cred.HashedPassword, now); err != nil {
		return classifySQLiteError(err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_outbox (exchange, routing_key, payload, next_attempt_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		exchange, routingKey, payload, now, now); err != nil {
		return classifySQLiteError(err)
	}

	return classifySQLiteError(tx.Commit())
}

// UpdateCredentialAndEnqueueEvent rotates a credential and captures the
// password-reset event in the same transaction.
func (r *SQLiteRepository) UpdateCredentialAndEnqueueEvent(ctx context.Context, cred *domain.AuthenticationCredential, exchange, routingKey string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteError(err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE credentials SET hashed_password = ?, updated_at = ? WHERE username = ?`,
		cred.HashedPassword, now, cred.Username)
	if err != nil {
		return classifySQLiteError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrCredentialNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_outbox (exchange, routing_key, payload, next_attempt_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		exchange, routingKey, payload, now, now); err != nil {
		return classifySQLiteError(err)
	}

	return classifySQLiteError(tx.Commit())
}

// ClaimOutboxMessages marks a batch of publishable messages as processing
// and returns them. SQLite has a single writer, so a plain
// select-then-update transaction is race-free.
func (r *SQLiteRepository) ClaimOutboxMessages(ctx context.Context, batchSize, staleAfterSeconds int) ([]OutboxMessage, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifySQLiteError(err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	staleBefore := now.Add(-time.Duration(staleAfterSeconds) * time.Second)
	rows, err := tx.QueryContext(ctx, `
        SELECT id, exchange, routing_key, payload, attempts
        FROM user_outbox
        WHERE (status = 'pending' AND next_attempt_at <= ?)
           OR (status = 'processing' AND processing_started_at < ?)
        ORDER BY id
        LIMIT ?
    `, now, staleBefore, batchSize)
	if err != nil {
		return nil, classifySQLiteError(err)
	}

	var messages []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.Exchange, &m.RoutingKey, &m.Payload, &m.Attempts); err != nil {
			rows.Close()
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, classifySQLiteError(err)
	}
	rows.Close()

	for i := range messages {
		messages[i].Attempts++
		if _, err := tx.ExecContext(ctx,
			`UPDATE user_outbox SET status = 'processing', processing_started_at = ?, attempts = attempts + 1 WHERE id = ?`,
			now, messages[i].ID); err != nil {
			return nil, classifySQLiteError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, classifySQLiteError(err)
	}
	return messages, nil
}

// MarkOutboxPublished records a successful publish.
func (r *SQLiteRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE user_outbox SET status = 'published', last_error = NULL WHERE id = ?`, id)
	return classifySQLiteError(err)
}

// MarkOutboxFailed schedules a retry after the given delay.
func (r *SQLiteRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	next := time.Now().UTC().Add(time.Duration(retryAfterSeconds) * time.Second)
	_, err := r.db.ExecContext(ctx,
		`UPDATE user_outbox SET status = 'pending', next_attempt_at = ?, last_error = ? WHERE id = ?`,
		next, reason, id)
	return classifySQLiteError(err)
}

type sqliteRow interface {
	Scan(dest ...any) error
}

func scanSQLiteUser(row sqliteRow) (*domain.UserInfo, error) {
	var user domain.UserInfo
	var scopesJSON string
	if err := row.Scan(&user.Username, &user.FirstName, &user.LastName, &user.Email,
		&scopesJSON, &user.Disabled, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, err
	}
	var scopes []string
	if err := json.Unmarshal([]byte(scopesJSON), &scopes); err != nil {
		return nil, fmt.Errorf("decode scopes for %s: %w", user.Username, err)
	}
	user.Scopes = stringsToScopes(scopes)
	return &user, nil
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func classifySQLiteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
