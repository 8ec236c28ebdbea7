package storage

// admins.go contains SQLiteStore methods for administrator records.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Admin is a stored administrator credential. PasswordHash never leaves the
// auth package; API responses use auth.AdminInfo instead.
type Admin struct {
	ID             string
	Email          string
	PasswordHash   string `json:"-"`
	IsRoot         bool
	Active         bool
	FailedAttempts int
	LockedUntil    *time.Time
	LastLoginAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AdminAuthState is the lockout-related slice of an Admin that a login
// attempt rewrites.
type AdminAuthState struct {
	FailedAttempts int
	LockedUntil    *time.Time
	LastLoginAt    *time.Time
}

// NormalizeEmail trims and lower-cases an email address. Emails are stored
// and looked up in this form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

const adminColumns = `id, email, password_hash, is_root, active, failed_attempts,
	locked_until, last_login_at, created_at, updated_at`

// InsertAdmin persists a new administrator. Returns ErrRootExists if a root
// administrator already exists and ErrDuplicate if the email is taken.
func (s *SQLiteStore) InsertAdmin(ctx context.Context, admin *Admin) error {
	if admin == nil {
		return errors.New("admin cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Info("inserting admin", zap.String("admin_id", admin.ID), zap.Bool("root", admin.IsRoot))

	const query = `
		INSERT INTO administrators (` + adminColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		admin.ID,
		NormalizeEmail(admin.Email),
		admin.PasswordHash,
		boolToInt(admin.IsRoot),
		boolToInt(admin.Active),
		admin.FailedAttempts,
		formatNullTime(admin.LockedUntil),
		formatNullTime(admin.LastLoginAt),
		formatTime(admin.CreatedAt),
		formatTime(admin.UpdatedAt),
	)
	if isUniqueViolation(err) {
		if strings.Contains(err.Error(), "is_root") {
			return ErrRootExists
		}
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert admin: %w", err)
	}

	return nil
}

// GetAdmin retrieves an administrator by ID.
// Returns nil, nil if the administrator does not exist.
func (s *SQLiteStore) GetAdmin(ctx context.Context, id string) (*Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + adminColumns + ` FROM administrators WHERE id = ?`

	admin, err := scanAdmin(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get admin: %w", err)
	}

	return admin, nil
}

// GetAdminByEmail retrieves an administrator by email, normalised first.
// Returns nil, nil if no administrator has that email.
func (s *SQLiteStore) GetAdminByEmail(ctx context.Context, email string) (*Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + adminColumns + ` FROM administrators WHERE email = ?`

	admin, err := scanAdmin(s.db.QueryRowContext(ctx, query, NormalizeEmail(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get admin by email: %w", err)
	}

	return admin, nil
}

// ListAdmins returns all administrators, oldest first.
func (s *SQLiteStore) ListAdmins(ctx context.Context) ([]*Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + adminColumns + ` FROM administrators ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query admins: %w", err)
	}
	defer rows.Close()

	var admins []*Admin
	for rows.Next() {
		admin, err := scanAdmin(rows)
		if err != nil {
			return nil, err
		}
		admins = append(admins, admin)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate admin rows: %w", err)
	}

	return admins, nil
}

// CountRootAdmins returns the number of root administrators (0 or 1).
func (s *SQLiteStore) CountRootAdmins(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM administrators WHERE is_root = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count root admins: %w", err)
	}
	return n, nil
}

// UpdateAdminAuthState overwrites the lockout fields of an administrator.
// Returns ErrNotFound if the administrator does not exist.
func (s *SQLiteStore) UpdateAdminAuthState(ctx context.Context, id string, state AdminAuthState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		UPDATE administrators
		SET failed_attempts = ?, locked_until = ?, last_login_at = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		state.FailedAttempts,
		formatNullTime(state.LockedUntil),
		formatNullTime(state.LastLoginAt),
		formatTime(at),
		id,
	)
	if err != nil {
		return fmt.Errorf("update admin auth state: %w", err)
	}

	return requireRow(result)
}

// UpdateAdminPassword replaces the password hash and clears any lockout.
// Returns ErrNotFound if the administrator does not exist.
func (s *SQLiteStore) UpdateAdminPassword(ctx context.Context, id, passwordHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Info("updating admin password", zap.String("admin_id", id))

	const query = `
		UPDATE administrators
		SET password_hash = ?, failed_attempts = 0, locked_until = NULL, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, passwordHash, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("update admin password: %w", err)
	}

	return requireRow(result)
}

// DeactivateAdmin clears the active flag of an active administrator.
// Returns ErrNoChange if no active administrator has that ID.
func (s *SQLiteStore) DeactivateAdmin(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Info("deactivating admin", zap.String("admin_id", id))

	const query = `UPDATE administrators SET active = 0, updated_at = ? WHERE id = ? AND active = 1`

	result, err := s.db.ExecContext(ctx, query, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("deactivate admin: %w", err)
	}

	if err := requireRow(result); errors.Is(err, ErrNotFound) {
		return ErrNoChange
	} else if err != nil {
		return err
	}
	return nil
}

func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAdmin(row scanner) (*Admin, error) {
	var (
		admin       Admin
		isRoot      int
		active      int
		lockedUntil sql.NullString
		lastLoginAt sql.NullString
		createdAt   string
		updatedAt   string
	)

	err := row.Scan(
		&admin.ID,
		&admin.Email,
		&admin.PasswordHash,
		&isRoot,
		&active,
		&admin.FailedAttempts,
		&lockedUntil,
		&lastLoginAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	admin.IsRoot = isRoot == 1
	admin.Active = active == 1

	if admin.LockedUntil, err = parseNullTime("locked_until", lockedUntil); err != nil {
		return nil, err
	}
	if admin.LastLoginAt, err = parseNullTime("last_login_at", lastLoginAt); err != nil {
		return nil, err
	}
	if admin.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if admin.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}

	return &admin, nil
}
