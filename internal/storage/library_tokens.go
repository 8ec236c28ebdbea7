package storage

// library_tokens.go contains SQLiteStore methods for library tokens.
// Tokens are never deleted; deactivation clears the active flag.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// LibraryToken is a medium-lived bootstrap token minted by an administrator
// and exchanged by devices for session tokens.
type LibraryToken struct {
	ID            string
	Value         string
	AdminID       string
	Description   string
	ExpiresAt     time.Time
	Active        bool
	UsageCount    int64
	LastUsedAt    *time.Time
	DeactivatedAt *time.Time
	CreatedAt     time.Time
}

// IsValid reports whether the token is active and now is before its expiry.
func (t *LibraryToken) IsValid(now time.Time) bool {
	return t.Active && now.Before(t.ExpiresAt)
}

// IsExpired reports whether now is at or after the token's expiry.
func (t *LibraryToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

const libraryTokenColumns = `id, value, admin_id, description, expires_at, active,
	usage_count, last_used_at, deactivated_at, created_at`

// InsertLibraryToken persists a new library token.
// Returns ErrDuplicate if the ID or value already exists.
func (s *SQLiteStore) InsertLibraryToken(ctx context.Context, token *LibraryToken) error {
	if token == nil {
		return errors.New("library token cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT INTO library_tokens (` + libraryTokenColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		token.ID,
		token.Value,
		token.AdminID,
		token.Description,
		formatTime(token.ExpiresAt),
		boolToInt(token.Active),
		token.UsageCount,
		formatNullTime(token.LastUsedAt),
		formatNullTime(token.DeactivatedAt),
		formatTime(token.CreatedAt),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert library token: %w", err)
	}

	s.log.Info("library token stored",
		zap.String("token_id", token.ID),
		zap.String("admin_id", token.AdminID),
		zap.Time("expires_at", token.ExpiresAt),
	)
	return nil
}

// CountLibraryTokensByValue returns how many tokens carry the given value.
func (s *SQLiteStore) CountLibraryTokensByValue(ctx context.Context, value string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM library_tokens WHERE value = ?`, value).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count library tokens: %w", err)
	}
	return n, nil
}

// GetLibraryToken retrieves a library token by ID.
// Returns nil, nil if the token does not exist.
func (s *SQLiteStore) GetLibraryToken(ctx context.Context, id string) (*LibraryToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + libraryTokenColumns + ` FROM library_tokens WHERE id = ?`

	token, err := scanLibraryToken(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get library token: %w", err)
	}
	return token, nil
}

// GetLibraryTokenByValue retrieves a library token by its 32-character value.
// Returns nil, nil if no token has that value.
func (s *SQLiteStore) GetLibraryTokenByValue(ctx context.Context, value string) (*LibraryToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + libraryTokenColumns + ` FROM library_tokens WHERE value = ?`

	token, err := scanLibraryToken(s.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get library token by value: %w", err)
	}
	return token, nil
}

// ListLibraryTokensByAdmin returns the tokens owned by adminID, newest first.
func (s *SQLiteStore) ListLibraryTokensByAdmin(ctx context.Context, adminID string) ([]*LibraryToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + libraryTokenColumns + `
		FROM library_tokens
		WHERE admin_id = ?
		ORDER BY created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, adminID)
	if err != nil {
		return nil, fmt.Errorf("query library tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*LibraryToken
	for rows.Next() {
		token, err := scanLibraryToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate library token rows: %w", err)
	}
	return tokens, nil
}

// IncrementLibraryTokenUsage atomically bumps usage_count and stamps
// last_used_at, returning the updated record.
// Returns ErrNotFound if the token does not exist.
func (s *SQLiteStore) IncrementLibraryTokenUsage(ctx context.Context, id string, at time.Time) (*LibraryToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE library_tokens
		SET usage_count = usage_count + 1, last_used_at = ?
		WHERE id = ?
		RETURNING ` + libraryTokenColumns

	token, err := scanLibraryToken(s.db.QueryRowContext(ctx, query, formatTime(at), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("increment library token usage: %w", err)
	}
	return token, nil
}

// DeactivateLibraryToken clears the active flag of an active token and
// returns the updated record. Returns ErrNoChange if no active token has
// that ID.
func (s *SQLiteStore) DeactivateLibraryToken(ctx context.Context, id string, at time.Time) (*LibraryToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE library_tokens
		SET active = 0, deactivated_at = ?
		WHERE id = ? AND active = 1
		RETURNING ` + libraryTokenColumns

	token, err := scanLibraryToken(s.db.QueryRowContext(ctx, query, formatTime(at), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoChange
	}
	if err != nil {
		return nil, fmt.Errorf("deactivate library token: %w", err)
	}

	s.log.Info("library token deactivated", zap.String("token_id", id))
	return token, nil
}

func scanLibraryToken(row scanner) (*LibraryToken, error) {
	var (
		token         LibraryToken
		active        int
		expiresAt     string
		lastUsedAt    sql.NullString
		deactivatedAt sql.NullString
		createdAt     string
	)

	err := row.Scan(
		&token.ID,
		&token.Value,
		&token.AdminID,
		&token.Description,
		&expiresAt,
		&active,
		&token.UsageCount,
		&lastUsedAt,
		&deactivatedAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	token.Active = active == 1

	if token.ExpiresAt, err = parseTime("expires_at", expiresAt); err != nil {
		return nil, err
	}
	if token.LastUsedAt, err = parseNullTime("last_used_at", lastUsedAt); err != nil {
		return nil, err
	}
	if token.DeactivatedAt, err = parseNullTime("deactivated_at", deactivatedAt); err != nil {
		return nil, err
	}
	if token.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}

	return &token, nil
}
