// Package auth is the token-issuance chain of tokengate.
//
// The chain has three tiers:
//  1. An administrator logs in with email and password (guarded by account
//     lockout) and receives an admin session token.
//  2. The administrator mints a library token: 32 lowercase hex characters,
//     valid for 1 to 365 days.
//  3. A device exchanges the library token plus its app identity for a
//     short-lived access token and a long-lived refresh token signed with a
//     separate key. The refresh token later buys new access tokens.
//
// All session tokens share one signer parameterised by key, kind and TTL.
// The kind is part of the signed claims so tokens are not interchangeable.
// The core never logs and swallows an error: every failure is returned as an
// internal/errors.CodedError.
package auth

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/hashicorp/go-version"

	tgErrors "github.com/tokengate/host/internal/errors"
	"github.com/tokengate/host/internal/storage"
)

// ServiceConfig wires a Service.
type ServiceConfig struct {
	// Store persists all records. Required.
	Store Store

	// AccessKey and RefreshKey sign session tokens. Required and distinct.
	AccessKey  []byte
	RefreshKey []byte

	// Issuer and Audience are stamped into every session token.
	Issuer   string
	Audience string

	// Token lifetimes. Defaults: 8h, 15m, 30 days.
	AdminSessionTTL  time.Duration
	DeviceAccessTTL  time.Duration
	DeviceRefreshTTL time.Duration

	// StoreTimeout bounds each store call. Default: 5s.
	StoreTimeout time.Duration

	// Lockout policy. Defaults: 5 attempts, 2 hours.
	LockoutMaxAttempts int
	LockoutDuration    time.Duration

	// Passwords overrides the bcrypt verifier built from BcryptCost.
	Passwords  PasswordVerifier
	BcryptCost int

	// RefreshRevalidatesIdentity re-checks the app identity on refresh.
	RefreshRevalidatesIdentity bool

	// MinAppVersion, when set, rejects exchanges from older app versions.
	MinAppVersion string

	// Random is the entropy source for library tokens. Default: crypto/rand.
	Random io.Reader

	// TimeNow returns the current time. Useful for testing.
	// Default: time.Now.
	TimeNow func() time.Time
}

// DefaultStoreTimeout bounds store calls when no timeout is configured.
const DefaultStoreTimeout = 5 * time.Second

// Service exposes the token chain to the HTTP layer and the CLI.
type Service struct {
	signer   *SessionSigner
	login    *AdminAuthenticator
	admins   *AdminManager
	tokens   *LibraryTokenIssuer
	exchange *DeviceExchange

	store   Store
	timeout time.Duration
	timeNow func() time.Time
}

// NewService validates config and wires the components.
func NewService(config ServiceConfig) (*Service, error) {
	if config.Store == nil {
		return nil, errors.New("store is required")
	}
	if config.TimeNow == nil {
		config.TimeNow = time.Now
	}
	if config.StoreTimeout == 0 {
		config.StoreTimeout = DefaultStoreTimeout
	}
	if config.Passwords == nil {
		config.Passwords = NewPasswordHasher(config.BcryptCost)
	}

	var minVersion *version.Version
	if config.MinAppVersion != "" {
		v, err := version.NewSemver(config.MinAppVersion)
		if err != nil {
			return nil, err
		}
		minVersion = v
	}

	signer, err := NewSessionSigner(SignerConfig{
		AccessKey:  config.AccessKey,
		RefreshKey: config.RefreshKey,
		Issuer:     config.Issuer,
		Audience:   config.Audience,
		TimeNow:    config.TimeNow,
	})
	if err != nil {
		return nil, err
	}

	tokens := NewLibraryTokenIssuer(LibraryTokenIssuerConfig{
		Admins:       config.Store,
		Tokens:       config.Store,
		StoreTimeout: config.StoreTimeout,
		Random:       config.Random,
		TimeNow:      config.TimeNow,
	})

	return &Service{
		signer: signer,
		login: NewAdminAuthenticator(AdminAuthenticatorConfig{
			Admins:       config.Store,
			Passwords:    config.Passwords,
			Lockout:      NewLockout(config.LockoutMaxAttempts, config.LockoutDuration),
			Signer:       signer,
			SessionTTL:   config.AdminSessionTTL,
			StoreTimeout: config.StoreTimeout,
			TimeNow:      config.TimeNow,
		}),
		admins: NewAdminManager(AdminManagerConfig{
			Admins:       config.Store,
			Passwords:    config.Passwords,
			Lockout:      NewLockout(config.LockoutMaxAttempts, config.LockoutDuration),
			StoreTimeout: config.StoreTimeout,
			TimeNow:      config.TimeNow,
		}),
		tokens: tokens,
		exchange: NewDeviceExchange(DeviceExchangeConfig{
			Tokens:                      tokens,
			Identities:                  config.Store,
			Signer:                      signer,
			AccessTTL:                   config.DeviceAccessTTL,
			RefreshTTL:                  config.DeviceRefreshTTL,
			MinAppVersion:               minVersion,
			RevalidateIdentityOnRefresh: config.RefreshRevalidatesIdentity,
			StoreTimeout:                config.StoreTimeout,
			TimeNow:                     config.TimeNow,
		}),
		store:   config.Store,
		timeout: config.StoreTimeout,
		timeNow: config.TimeNow,
	}, nil
}

// Signer returns the session signer.
func (s *Service) Signer() *SessionSigner { return s.signer }

// Login authenticates an administrator and issues an admin session token.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	return s.login.Login(ctx, email, password)
}

// AuthorizeAdmin verifies an admin session token.
func (s *Service) AuthorizeAdmin(ctx context.Context, token string) (*AdminInfo, error) {
	return s.login.Authorize(ctx, token)
}

// IssueLibraryToken mints a library token owned by adminID.
func (s *Service) IssueLibraryToken(ctx context.Context, adminID string, validityDays int, description string) (*LibraryToken, error) {
	return s.tokens.Issue(ctx, adminID, validityDays, description)
}

// DeactivateLibraryToken deactivates a token on behalf of its owner.
func (s *Service) DeactivateLibraryToken(ctx context.Context, tokenID, adminID string) (*LibraryToken, error) {
	return s.tokens.Deactivate(ctx, tokenID, adminID)
}

// ListLibraryTokens returns adminID's tokens, newest first.
func (s *Service) ListLibraryTokens(ctx context.Context, adminID string) ([]*LibraryToken, error) {
	return s.tokens.List(ctx, adminID)
}

// ExchangeDevice trades a library token and app identity for session tokens.
func (s *Service) ExchangeDevice(ctx context.Context, req ExchangeRequest) (*ExchangeResult, error) {
	return s.exchange.Exchange(ctx, req)
}

// RefreshAccess trades a refresh token for a new device access token.
func (s *Service) RefreshAccess(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	return s.exchange.Refresh(ctx, refreshToken)
}

// ValidateAccessToken verifies a device access token and its app identity.
func (s *Service) ValidateAccessToken(ctx context.Context, token string) (*AccessGrant, error) {
	return s.exchange.ValidateAccess(ctx, token)
}

// CreateAdmin provisions an administrator.
func (s *Service) CreateAdmin(ctx context.Context, email, password string, root bool) (*AdminInfo, error) {
	return s.admins.CreateAdmin(ctx, email, password, root)
}

// ChangePassword replaces adminID's password after checking the current one.
func (s *Service) ChangePassword(ctx context.Context, adminID, current, next string) error {
	return s.admins.ChangePassword(ctx, adminID, current, next)
}

// ResetPassword replaces a password without the current one.
func (s *Service) ResetPassword(ctx context.Context, email, next string) error {
	return s.admins.ResetPassword(ctx, email, next)
}

// DeactivateAdmin soft-deactivates a non-root administrator.
func (s *Service) DeactivateAdmin(ctx context.Context, email string) (*AdminInfo, error) {
	return s.admins.DeactivateAdmin(ctx, email)
}

// ListAdmins returns every administrator.
func (s *Service) ListAdmins(ctx context.Context) ([]*AdminInfo, error) {
	return s.admins.ListAdmins(ctx)
}

// ListAppIdentities returns the identities bound to a token owned by adminID.
func (s *Service) ListAppIdentities(ctx context.Context, tokenID, adminID string) ([]*AppIdentity, error) {
	if _, err := s.tokens.Get(ctx, tokenID, adminID); err != nil {
		return nil, err
	}

	identities, err := call(ctx, s.timeout, func(ctx context.Context) ([]*AppIdentity, error) {
		return s.store.ListAppIdentitiesByToken(ctx, tokenID)
	})
	if err != nil {
		return nil, unavailable("list app identities", err)
	}
	return identities, nil
}

// DeactivateAppIdentity deactivates an identity bound to one of adminID's
// tokens. Access tokens for it stop validating immediately; refresh tokens
// keep working unless identity revalidation on refresh is enabled.
func (s *Service) DeactivateAppIdentity(ctx context.Context, identityID, adminID string) (*AppIdentity, error) {
	identity, err := call(ctx, s.timeout, func(ctx context.Context) (*AppIdentity, error) {
		return s.store.GetAppIdentity(ctx, identityID)
	})
	if err != nil {
		return nil, unavailable("get app identity", err)
	}
	if identity == nil {
		return nil, tgErrors.NotFound("app identity", identityID)
	}
	if _, err := s.tokens.Get(ctx, identity.LibraryTokenID, adminID); err != nil {
		return nil, err
	}

	updated, err := call(ctx, s.timeout, func(ctx context.Context) (*AppIdentity, error) {
		return s.store.DeactivateAppIdentity(ctx, identityID, s.timeNow())
	})
	if errors.Is(err, storage.ErrNoChange) {
		return nil, tgErrors.AlreadyInactive("app identity", identityID)
	}
	if err != nil {
		return nil, unavailable("deactivate app identity", err)
	}
	return updated, nil
}

// Ping reports whether the store is reachable, for stores that can tell.
func (s *Service) Ping(ctx context.Context) error {
	p, ok := s.store.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	return unavailable("ping", exec(ctx, s.timeout, p.Ping))
}

// Stats returns the aggregate report.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	st, err := call(ctx, s.timeout, func(ctx context.Context) (*Stats, error) {
		return s.store.Stats(ctx, s.timeNow())
	})
	if err != nil {
		return nil, unavailable("stats", err)
	}
	return st, nil
}
