package auth

import (
	"context"
	"errors"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	tgErrors "github.com/tokengate/host/internal/errors"
	"github.com/tokengate/host/internal/storage"
)

// AdminManagerConfig holds dependencies for an AdminManager.
type AdminManagerConfig struct {
	// Admins persists administrator credentials. Required.
	Admins AdminStore

	// Passwords hashes and verifies passwords. Default: bcrypt at DefaultBcryptCost.
	Passwords PasswordVerifier

	// Lockout is the failed-attempt policy shared with login. Zero fields
	// take defaults.
	Lockout Lockout

	// StoreTimeout bounds each store call.
	StoreTimeout time.Duration

	// TimeNow returns the current time. Useful for testing.
	// Default: time.Now.
	TimeNow func() time.Time
}

// AdminManager provisions administrators and changes their passwords.
//
// At most one root administrator exists. CreateAdmin checks the count
// before inserting, and the store's unique index on the root marker turns
// the check-then-insert race into admin.root_exists as well.
type AdminManager struct {
	config AdminManagerConfig
	log    *zap.Logger
}

// NewAdminManager creates an AdminManager, applying defaults.
func NewAdminManager(config AdminManagerConfig) *AdminManager {
	if config.Passwords == nil {
		config.Passwords = NewPasswordHasher(DefaultBcryptCost)
	}
	config.Lockout = NewLockout(config.Lockout.MaxAttempts, config.Lockout.Duration)
	if config.TimeNow == nil {
		config.TimeNow = time.Now
	}
	return &AdminManager{config: config, log: zap.L().Named("auth")}
}

// CreateAdmin provisions an administrator. When root is set, it fails with
// admin.root_exists if a root administrator already exists.
func (m *AdminManager) CreateAdmin(ctx context.Context, email, password string, root bool) (*AdminInfo, error) {
	email = storage.NormalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, tgErrors.BadRequest("email", "must be a valid email address")
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	if root {
		n, err := call(ctx, m.config.StoreTimeout, func(ctx context.Context) (int, error) {
			return m.config.Admins.CountRootAdmins(ctx)
		})
		if err != nil {
			return nil, unavailable("count root admins", err)
		}
		if n > 0 {
			return nil, tgErrors.RootAdminExists()
		}
	}

	hash, err := m.config.Passwords.Hash(password)
	if err != nil {
		return nil, err
	}

	now := m.config.TimeNow()
	admin := &Admin{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		IsRoot:       root,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = exec(ctx, m.config.StoreTimeout, func(ctx context.Context) error {
		return m.config.Admins.InsertAdmin(ctx, admin)
	})
	switch {
	case errors.Is(err, storage.ErrRootExists):
		return nil, tgErrors.RootAdminExists()
	case errors.Is(err, storage.ErrDuplicate):
		return nil, tgErrors.EmailTaken(email)
	case err != nil:
		return nil, unavailable("insert admin", err)
	}

	m.log.Info("admin created", zap.String("admin_id", admin.ID), zap.Bool("root", root))
	return NewAdminInfo(admin), nil
}

// ChangePassword replaces adminID's password after checking the current one.
// A wrong current password counts toward the same lockout as a failed login,
// and a locked account is refused before any comparison. A successful change
// also clears any lockout.
func (m *AdminManager) ChangePassword(ctx context.Context, adminID, current, next string) error {
	admin, err := m.get(ctx, adminID)
	if err != nil {
		return err
	}

	now := m.config.TimeNow()
	lockout := m.config.Lockout
	if lockout.IsLocked(admin, now) {
		return tgErrors.AccountLocked(lockout.Remaining(admin, now))
	}

	ok, err := m.config.Passwords.Verify(current, admin.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		state := lockout.RecordFailure(admin, now)
		err := exec(ctx, m.config.StoreTimeout, func(ctx context.Context) error {
			return m.config.Admins.UpdateAdminAuthState(ctx, admin.ID, state, now)
		})
		if err != nil {
			return unavailable("update admin auth state", err)
		}
		if state.LockedUntil != nil {
			m.log.Warn("admin account locked",
				zap.String("admin_id", admin.ID),
				zap.Int("failed_attempts", state.FailedAttempts),
				zap.Time("locked_until", *state.LockedUntil),
			)
		}
		return tgErrors.InvalidCredentials()
	}

	return m.setPassword(ctx, admin, next)
}

// ResetPassword replaces the password of the administrator with email
// without checking the current one. It is meant for local operators.
func (m *AdminManager) ResetPassword(ctx context.Context, email, next string) error {
	admin, err := m.getByEmail(ctx, email)
	if err != nil {
		return err
	}
	return m.setPassword(ctx, admin, next)
}

// DeactivateAdmin soft-deactivates the administrator with email. The root
// administrator cannot be deactivated.
func (m *AdminManager) DeactivateAdmin(ctx context.Context, email string) (*AdminInfo, error) {
	admin, err := m.getByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if admin.IsRoot {
		return nil, tgErrors.Forbidden("the root administrator cannot be deactivated")
	}

	err = exec(ctx, m.config.StoreTimeout, func(ctx context.Context) error {
		return m.config.Admins.DeactivateAdmin(ctx, admin.ID, m.config.TimeNow())
	})
	if errors.Is(err, storage.ErrNoChange) {
		return nil, tgErrors.AlreadyInactive("administrator", admin.ID)
	}
	if err != nil {
		return nil, unavailable("deactivate admin", err)
	}

	admin.Active = false
	m.log.Info("admin deactivated", zap.String("admin_id", admin.ID))
	return NewAdminInfo(admin), nil
}

// ListAdmins returns every administrator, oldest first.
func (m *AdminManager) ListAdmins(ctx context.Context) ([]*AdminInfo, error) {
	admins, err := call(ctx, m.config.StoreTimeout, func(ctx context.Context) ([]*Admin, error) {
		return m.config.Admins.ListAdmins(ctx)
	})
	if err != nil {
		return nil, unavailable("list admins", err)
	}

	infos := make([]*AdminInfo, 0, len(admins))
	for _, a := range admins {
		infos = append(infos, NewAdminInfo(a))
	}
	return infos, nil
}

func (m *AdminManager) setPassword(ctx context.Context, admin *Admin, next string) error {
	if err := ValidatePassword(next); err != nil {
		return err
	}

	hash, err := m.config.Passwords.Hash(next)
	if err != nil {
		return err
	}

	err = exec(ctx, m.config.StoreTimeout, func(ctx context.Context) error {
		return m.config.Admins.UpdateAdminPassword(ctx, admin.ID, hash, m.config.TimeNow())
	})
	if errors.Is(err, storage.ErrNotFound) {
		return tgErrors.NotFound("administrator", admin.ID)
	}
	if err != nil {
		return unavailable("update admin password", err)
	}

	m.log.Info("admin password changed", zap.String("admin_id", admin.ID))
	return nil
}

func (m *AdminManager) get(ctx context.Context, id string) (*Admin, error) {
	admin, err := call(ctx, m.config.StoreTimeout, func(ctx context.Context) (*Admin, error) {
		return m.config.Admins.GetAdmin(ctx, id)
	})
	if err != nil {
		return nil, unavailable("get admin", err)
	}
	if admin == nil {
		return nil, tgErrors.NotFound("administrator", id)
	}
	return admin, nil
}

func (m *AdminManager) getByEmail(ctx context.Context, email string) (*Admin, error) {
	admin, err := call(ctx, m.config.StoreTimeout, func(ctx context.Context) (*Admin, error) {
		return m.config.Admins.GetAdminByEmail(ctx, email)
	})
	if err != nil {
		return nil, unavailable("get admin by email", err)
	}
	if admin == nil {
		return nil, tgErrors.NotFound("administrator", storage.NormalizeEmail(email))
	}
	return admin, nil
}
