package auth

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	tgErrors "github.com/tokengate/host/internal/errors"
)

// DefaultAdminTTL is the admin session lifetime used when none is configured.
const DefaultAdminTTL = 8 * time.Hour

// AdminInfo is the caller-facing view of an administrator. It never carries
// the password hash.
type AdminInfo struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	IsRoot      bool       `json:"is_root"`
	Active      bool       `json:"active"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// NewAdminInfo copies the public fields of admin.
func NewAdminInfo(admin *Admin) *AdminInfo {
	return &AdminInfo{
		ID:          admin.ID,
		Email:       admin.Email,
		IsRoot:      admin.IsRoot,
		Active:      admin.Active,
		LastLoginAt: admin.LastLoginAt,
		CreatedAt:   admin.CreatedAt,
	}
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Admin     *AdminInfo
}

// AdminAuthenticatorConfig holds dependencies for an AdminAuthenticator.
type AdminAuthenticatorConfig struct {
	// Admins persists administrator credentials. Required.
	Admins AdminStore

	// Passwords verifies passwords. Default: bcrypt at DefaultBcryptCost.
	Passwords PasswordVerifier

	// Lockout is the failed-attempt policy. Zero fields take defaults.
	Lockout Lockout

	// Signer issues admin session tokens. Required.
	Signer *SessionSigner

	// SessionTTL is the admin session lifetime. Default: 8 hours.
	SessionTTL time.Duration

	// StoreTimeout bounds each store call.
	StoreTimeout time.Duration

	// TimeNow returns the current time. Useful for testing.
	// Default: time.Now.
	TimeNow func() time.Time
}

// AdminAuthenticator logs administrators in and authorizes their sessions.
type AdminAuthenticator struct {
	config AdminAuthenticatorConfig
	log    *zap.Logger
}

// NewAdminAuthenticator creates an authenticator, applying defaults.
func NewAdminAuthenticator(config AdminAuthenticatorConfig) *AdminAuthenticator {
	if config.Passwords == nil {
		config.Passwords = NewPasswordHasher(DefaultBcryptCost)
	}
	config.Lockout = NewLockout(config.Lockout.MaxAttempts, config.Lockout.Duration)
	if config.SessionTTL == 0 {
		config.SessionTTL = DefaultAdminTTL
	}
	if config.TimeNow == nil {
		config.TimeNow = time.Now
	}
	return &AdminAuthenticator{config: config, log: zap.L().Named("auth")}
}

// Login checks email and password and issues an admin session token.
//
// The lock is checked before any password comparison, so a locked account
// costs no hashing work and reveals nothing about the password. Unknown
// emails and wrong passwords fail identically with auth.invalid_credentials.
func (a *AdminAuthenticator) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	if strings.TrimSpace(email) == "" {
		return nil, tgErrors.BadRequest("email", "is required")
	}
	if password == "" {
		return nil, tgErrors.BadRequest("password", "is required")
	}

	admin, err := call(ctx, a.config.StoreTimeout, func(ctx context.Context) (*Admin, error) {
		return a.config.Admins.GetAdminByEmail(ctx, email)
	})
	if err != nil {
		return nil, unavailable("get admin by email", err)
	}
	if admin == nil {
		return nil, tgErrors.InvalidCredentials()
	}

	now := a.config.TimeNow()
	lockout := a.config.Lockout

	if lockout.IsLocked(admin, now) {
		return nil, tgErrors.AccountLocked(lockout.Remaining(admin, now))
	}
	if !admin.Active {
		return nil, tgErrors.AccountDeactivated()
	}

	ok, err := a.config.Passwords.Verify(password, admin.PasswordHash)
	if err != nil {
		return nil, err
	}

	if !ok {
		state := lockout.RecordFailure(admin, now)
		if err := a.saveAuthState(ctx, admin.ID, state, now); err != nil {
			return nil, err
		}
		if state.LockedUntil != nil {
			a.log.Warn("admin account locked",
				zap.String("admin_id", admin.ID),
				zap.Int("failed_attempts", state.FailedAttempts),
				zap.Time("locked_until", *state.LockedUntil),
			)
		}
		return nil, tgErrors.InvalidCredentials()
	}

	state := lockout.RecordSuccess(admin, now)
	if err := a.saveAuthState(ctx, admin.ID, state, now); err != nil {
		return nil, err
	}
	admin.FailedAttempts = state.FailedAttempts
	admin.LockedUntil = state.LockedUntil
	admin.LastLoginAt = state.LastLoginAt

	signer := a.config.Signer
	issued, err := signer.Issue(signer.AccessKey(), KindAdmin, a.config.SessionTTL, Claims{
		RegisteredClaims: subject(admin.ID),
		Email:            admin.Email,
	})
	if err != nil {
		return nil, err
	}

	a.log.Info("admin login", zap.String("admin_id", admin.ID))

	return &LoginResult{
		Token:     issued.Token,
		ExpiresAt: issued.ExpiresAt,
		Admin:     NewAdminInfo(admin),
	}, nil
}

// Authorize verifies an admin session token and re-loads the administrator,
// rejecting sessions of administrators deactivated since login.
func (a *AdminAuthenticator) Authorize(ctx context.Context, token string) (*AdminInfo, error) {
	signer := a.config.Signer

	claims, err := signer.Verify(token, signer.AccessKey(), KindAdmin)
	if err != nil {
		return nil, err
	}

	admin, err := call(ctx, a.config.StoreTimeout, func(ctx context.Context) (*Admin, error) {
		return a.config.Admins.GetAdmin(ctx, claims.Subject)
	})
	if err != nil {
		return nil, unavailable("get admin", err)
	}
	if admin == nil || !admin.Active {
		return nil, tgErrors.AccountDeactivated()
	}

	return NewAdminInfo(admin), nil
}

func (a *AdminAuthenticator) saveAuthState(ctx context.Context, adminID string, state AdminAuthState, now time.Time) error {
	err := exec(ctx, a.config.StoreTimeout, func(ctx context.Context) error {
		return a.config.Admins.UpdateAdminAuthState(ctx, adminID, state, now)
	})
	return unavailable("update admin auth state", err)
}
