package storage

// app_identities.go contains SQLiteStore methods for app identities, the
// (name, version, library token) bindings created by device exchanges.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// AppMetadata is free-form client information captured at exchange time.
type AppMetadata struct {
	ClientSignature string `json:"client_signature,omitempty"`
	Origin          string `json:"origin,omitempty"`
	Platform        string `json:"platform,omitempty"`
}

// AppIdentity is one logical authenticated client of a library token.
type AppIdentity struct {
	ID             string
	Name           string
	Version        string
	LibraryTokenID string
	Active         bool
	AuthCount      int64
	LastAuthAt     time.Time
	Metadata       AppMetadata
	DeactivatedAt  *time.Time
	CreatedAt      time.Time
}

const appIdentityColumns = `id, name, version, library_token_id, active, auth_count,
	last_auth_at, metadata, deactivated_at, created_at`

// UpsertAppIdentity records an authentication of identity.
//
// If an active record with the same (Name, Version, LibraryTokenID) exists,
// its auth_count is incremented and its metadata and last_auth_at are
// refreshed; identity.ID and identity.CreatedAt are ignored in that case.
// Otherwise identity is inserted with auth_count = 1. The statement is a
// single native upsert, so concurrent callers never create duplicates or lose
// increments. Returns the stored record.
func (s *SQLiteStore) UpsertAppIdentity(ctx context.Context, identity *AppIdentity) (*AppIdentity, error) {
	if identity == nil {
		return nil, errors.New("app identity cannot be nil")
	}

	metadata, err := json.Marshal(identity.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO app_identities (` + appIdentityColumns + `)
		VALUES (?, ?, ?, ?, 1, 1, ?, ?, NULL, ?)
		ON CONFLICT (name, version, library_token_id) WHERE active = 1
		DO UPDATE SET
			auth_count = auth_count + 1,
			last_auth_at = excluded.last_auth_at,
			metadata = excluded.metadata
		RETURNING ` + appIdentityColumns

	stored, err := scanAppIdentity(s.db.QueryRowContext(ctx, query,
		identity.ID,
		identity.Name,
		identity.Version,
		identity.LibraryTokenID,
		formatTime(identity.LastAuthAt),
		string(metadata),
		formatTime(identity.CreatedAt),
	))
	if err != nil {
		return nil, fmt.Errorf("upsert app identity: %w", err)
	}

	s.log.Debug("app identity authenticated",
		zap.String("identity_id", stored.ID),
		zap.String("app", stored.Name),
		zap.String("version", stored.Version),
		zap.Int64("auth_count", stored.AuthCount),
	)
	return stored, nil
}

// GetAppIdentity retrieves an app identity by ID.
// Returns nil, nil if the identity does not exist.
func (s *SQLiteStore) GetAppIdentity(ctx context.Context, id string) (*AppIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + appIdentityColumns + ` FROM app_identities WHERE id = ?`

	identity, err := scanAppIdentity(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get app identity: %w", err)
	}
	return identity, nil
}

// ListAppIdentitiesByToken returns the identities bound to a library token,
// most recently authenticated first.
func (s *SQLiteStore) ListAppIdentitiesByToken(ctx context.Context, libraryTokenID string) ([]*AppIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + appIdentityColumns + `
		FROM app_identities
		WHERE library_token_id = ?
		ORDER BY last_auth_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, libraryTokenID)
	if err != nil {
		return nil, fmt.Errorf("query app identities: %w", err)
	}
	defer rows.Close()

	var identities []*AppIdentity
	for rows.Next() {
		identity, err := scanAppIdentity(rows)
		if err != nil {
			return nil, err
		}
		identities = append(identities, identity)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate app identity rows: %w", err)
	}
	return identities, nil
}

// DeactivateAppIdentity clears the active flag of an active identity and
// returns the updated record. Returns ErrNoChange if no active identity has
// that ID. A later exchange with the same tuple creates a fresh record.
func (s *SQLiteStore) DeactivateAppIdentity(ctx context.Context, id string, at time.Time) (*AppIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE app_identities
		SET active = 0, deactivated_at = ?
		WHERE id = ? AND active = 1
		RETURNING ` + appIdentityColumns

	identity, err := scanAppIdentity(s.db.QueryRowContext(ctx, query, formatTime(at), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoChange
	}
	if err != nil {
		return nil, fmt.Errorf("deactivate app identity: %w", err)
	}

	s.log.Info("app identity deactivated", zap.String("identity_id", id))
	return identity, nil
}

func scanAppIdentity(row scanner) (*AppIdentity, error) {
	var (
		identity      AppIdentity
		active        int
		lastAuthAt    string
		metadata      string
		deactivatedAt sql.NullString
		createdAt     string
	)

	err := row.Scan(
		&identity.ID,
		&identity.Name,
		&identity.Version,
		&identity.LibraryTokenID,
		&active,
		&identity.AuthCount,
		&lastAuthAt,
		&metadata,
		&deactivatedAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	identity.Active = active == 1

	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &identity.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if identity.LastAuthAt, err = parseTime("last_auth_at", lastAuthAt); err != nil {
		return nil, err
	}
	if identity.DeactivatedAt, err = parseNullTime("deactivated_at", deactivatedAt); err != nil {
		return nil, err
	}
	if identity.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}

	return &identity, nil
}
