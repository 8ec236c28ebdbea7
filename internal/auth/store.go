package auth

import (
	"context"
	"fmt"
	"time"

	tgErrors "github.com/tokengate/host/internal/errors"
	"github.com/tokengate/host/internal/storage"
)

// Record types are aliases for the storage structs so the auth package can
// work with them without duplicating fields.
type (
	Admin          = storage.Admin
	AdminAuthState = storage.AdminAuthState
	LibraryToken   = storage.LibraryToken
	AppIdentity    = storage.AppIdentity
	AppMetadata    = storage.AppMetadata
	Stats          = storage.Stats
)

// AdminStore persists administrator credentials.
// Get* methods return nil, nil when the record does not exist.
type AdminStore interface {
	InsertAdmin(ctx context.Context, admin *Admin) error
	GetAdmin(ctx context.Context, id string) (*Admin, error)
	GetAdminByEmail(ctx context.Context, email string) (*Admin, error)
	ListAdmins(ctx context.Context) ([]*Admin, error)
	CountRootAdmins(ctx context.Context) (int, error)
	UpdateAdminAuthState(ctx context.Context, id string, state AdminAuthState, at time.Time) error
	UpdateAdminPassword(ctx context.Context, id, passwordHash string, at time.Time) error
	DeactivateAdmin(ctx context.Context, id string, at time.Time) error
}

// LibraryTokenStore persists library tokens. Usage increments and
// deactivation must be single atomic statements per record.
type LibraryTokenStore interface {
	InsertLibraryToken(ctx context.Context, token *LibraryToken) error
	CountLibraryTokensByValue(ctx context.Context, value string) (int, error)
	GetLibraryToken(ctx context.Context, id string) (*LibraryToken, error)
	GetLibraryTokenByValue(ctx context.Context, value string) (*LibraryToken, error)
	ListLibraryTokensByAdmin(ctx context.Context, adminID string) ([]*LibraryToken, error)
	IncrementLibraryTokenUsage(ctx context.Context, id string, at time.Time) (*LibraryToken, error)
	DeactivateLibraryToken(ctx context.Context, id string, at time.Time) (*LibraryToken, error)
}

// AppIdentityStore persists app identities.
type AppIdentityStore interface {
	UpsertAppIdentity(ctx context.Context, identity *AppIdentity) (*AppIdentity, error)
	GetAppIdentity(ctx context.Context, id string) (*AppIdentity, error)
	ListAppIdentitiesByToken(ctx context.Context, libraryTokenID string) ([]*AppIdentity, error)
	DeactivateAppIdentity(ctx context.Context, id string, at time.Time) (*AppIdentity, error)
}

// StatsStore computes the aggregate report.
type StatsStore interface {
	Stats(ctx context.Context, now time.Time) (*Stats, error)
}

// Store is everything the Service needs. storage.SQLiteStore implements it.
type Store interface {
	AdminStore
	LibraryTokenStore
	AppIdentityStore
	StatsStore
}

var _ Store = (*storage.SQLiteStore)(nil)

// call runs fn under a timeout derived from ctx. A zero timeout means no
// additional bound.
func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}

// exec is call for store methods that return only an error.
func exec(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	_, err := call(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// unavailable converts an unexpected store failure (timeout, cancellation,
// driver error) into storage.unavailable. Coded errors pass through.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if tgErrors.As(err) != nil {
		return err
	}
	return tgErrors.StoreUnavailable(fmt.Errorf("%s: %w", op, err))
}
