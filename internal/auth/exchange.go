package auth

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-version"
	"go.uber.org/zap"

	tgErrors "github.com/tokengate/host/internal/errors"
)

// Exchange input limits.
const (
	MinAppNameLength  = 2
	MaxAppNameLength  = 100
	MaxMetadataLength = 256
)

// Device token lifetimes used when none are configured.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

// appVersionPattern is major.minor.patch with an optional pre-release suffix
// of non-empty dot-separated identifiers.
var appVersionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z-]+(\.[0-9A-Za-z-]+)*)?$`)

// ExchangeRequest is what a device presents to obtain session tokens.
type ExchangeRequest struct {
	LibraryToken string      `json:"library_token"`
	AppName      string      `json:"app_name"`
	AppVersion   string      `json:"app_version"`
	Metadata     AppMetadata `json:"metadata"`
}

// TokenInfo summarises the library token used in an exchange.
type TokenInfo struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	ExpiresAt  time.Time  `json:"expires_at"`
	UsageCount int64      `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// ExchangeResult is returned by a successful exchange.
type ExchangeResult struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	AppIdentity      *AppIdentity
	TokenInfo        TokenInfo
}

// RefreshResult is returned by a successful refresh.
type RefreshResult struct {
	AccessToken     string
	AccessExpiresAt time.Time
	AppIdentityID   string
}

// AccessGrant is what a verified device access token grants.
type AccessGrant struct {
	Claims      *Claims
	AppIdentity *AppIdentity
}

// DeviceExchangeConfig holds dependencies for a DeviceExchange.
type DeviceExchangeConfig struct {
	// Tokens validates library tokens and records their usage. Required.
	Tokens *LibraryTokenIssuer

	// Identities persists app identities. Required.
	Identities AppIdentityStore

	// Signer issues device and refresh tokens. Required.
	Signer *SessionSigner

	// AccessTTL and RefreshTTL are the token lifetimes.
	// Defaults: 15 minutes and 30 days.
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// MinAppVersion rejects exchanges from older app versions when set.
	MinAppVersion *version.Version

	// RevalidateIdentityOnRefresh re-checks that the app identity is still
	// active before re-issuing an access token. Default: false.
	RevalidateIdentityOnRefresh bool

	// StoreTimeout bounds each store call.
	StoreTimeout time.Duration

	// TimeNow returns the current time. Useful for testing.
	// Default: time.Now.
	TimeNow func() time.Time
}

// DeviceExchange trades library tokens for device session tokens, refreshes
// access tokens and validates them for resource access.
type DeviceExchange struct {
	config DeviceExchangeConfig
	log    *zap.Logger
}

// NewDeviceExchange creates a DeviceExchange, applying defaults.
func NewDeviceExchange(config DeviceExchangeConfig) *DeviceExchange {
	if config.AccessTTL == 0 {
		config.AccessTTL = DefaultAccessTTL
	}
	if config.RefreshTTL == 0 {
		config.RefreshTTL = DefaultRefreshTTL
	}
	if config.TimeNow == nil {
		config.TimeNow = time.Now
	}
	return &DeviceExchange{config: config, log: zap.L().Named("auth")}
}

// ValidateExchangeRequest checks request shape without touching the store.
func (e *DeviceExchange) ValidateExchangeRequest(req *ExchangeRequest) error {
	if !ValidLibraryTokenValue(req.LibraryToken) {
		return tgErrors.BadRequest("library_token", "must be 32 lowercase hex characters")
	}

	n := utf8.RuneCountInString(strings.TrimSpace(req.AppName))
	if n < MinAppNameLength || n > MaxAppNameLength {
		return tgErrors.BadRequest("app_name", fmt.Sprintf("must be %d to %d characters", MinAppNameLength, MaxAppNameLength))
	}

	if !appVersionPattern.MatchString(req.AppVersion) {
		return tgErrors.BadRequest("app_version", "must look like 1.2.3 or 1.2.3-beta.1")
	}

	for _, f := range []struct{ name, value string }{
		{"metadata.client_signature", req.Metadata.ClientSignature},
		{"metadata.origin", req.Metadata.Origin},
		{"metadata.platform", req.Metadata.Platform},
	} {
		if utf8.RuneCountInString(f.value) > MaxMetadataLength {
			return tgErrors.BadRequest(f.name, fmt.Sprintf("must be at most %d characters", MaxMetadataLength))
		}
	}

	if e.config.MinAppVersion != nil {
		v, err := version.NewSemver(req.AppVersion)
		if err != nil {
			return tgErrors.BadRequest("app_version", err.Error())
		}
		if v.LessThan(e.config.MinAppVersion) {
			return tgErrors.VersionUnsupported(req.AppVersion, e.config.MinAppVersion.String())
		}
	}

	return nil
}

// Exchange validates the library token, records its usage, upserts the app
// identity and issues an access and refresh token pair.
//
// Usage is recorded before the identity upsert and is not rolled back if a
// later step fails: usage counts exchange attempts against a valid token.
// No session token is issued unless every earlier step succeeded.
func (e *DeviceExchange) Exchange(ctx context.Context, req ExchangeRequest) (*ExchangeResult, error) {
	req.AppName = strings.TrimSpace(req.AppName)
	if err := e.ValidateExchangeRequest(&req); err != nil {
		return nil, err
	}

	now := e.config.TimeNow()

	token, err := e.config.Tokens.Validate(ctx, req.LibraryToken, now)
	if err != nil {
		return nil, err
	}

	token, err = e.config.Tokens.RecordUsage(ctx, token)
	if err != nil {
		return nil, err
	}

	identity, err := call(ctx, e.config.StoreTimeout, func(ctx context.Context) (*AppIdentity, error) {
		return e.config.Identities.UpsertAppIdentity(ctx, &AppIdentity{
			ID:             uuid.NewString(),
			Name:           req.AppName,
			Version:        req.AppVersion,
			LibraryTokenID: token.ID,
			LastAuthAt:     now,
			Metadata:       req.Metadata,
			CreatedAt:      now,
		})
	})
	if err != nil {
		return nil, unavailable("upsert app identity", err)
	}

	signer := e.config.Signer
	access, err := signer.Issue(signer.AccessKey(), KindDevice, e.config.AccessTTL, Claims{
		RegisteredClaims: subject(identity.ID),
		AppIdentityID:    identity.ID,
		AppName:          identity.Name,
		AppVersion:       identity.Version,
		LibraryToken:     token.Value,
	})
	if err != nil {
		return nil, err
	}

	refresh, err := signer.Issue(signer.RefreshKey(), KindRefresh, e.config.RefreshTTL, Claims{
		RegisteredClaims: subject(identity.ID),
		AppIdentityID:    identity.ID,
		AppName:          identity.Name,
		AppVersion:       identity.Version,
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("device exchange",
		zap.String("identity_id", identity.ID),
		zap.String("app", identity.Name),
		zap.String("version", identity.Version),
		zap.String("token_id", token.ID),
		zap.Int64("auth_count", identity.AuthCount),
	)

	return &ExchangeResult{
		AccessToken:      access.Token,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshToken:     refresh.Token,
		RefreshExpiresAt: refresh.ExpiresAt,
		AppIdentity:      identity,
		TokenInfo: TokenInfo{
			ID:         token.ID,
			OwnerID:    token.AdminID,
			ExpiresAt:  token.ExpiresAt,
			UsageCount: token.UsageCount,
			LastUsedAt: token.LastUsedAt,
		},
	}, nil
}

// Refresh verifies a refresh token and issues a new device access token
// from its claims.
//
// Every verification failure is reported as token.invalid_refresh; the
// precise cause is kept only for logs. The library token is not re-checked.
// The app identity is re-checked only when RevalidateIdentityOnRefresh is
// set, so by default a device keeps refreshing for the refresh token's
// lifetime after its identity or library token is deactivated.
func (e *DeviceExchange) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	signer := e.config.Signer

	claims, err := signer.Verify(refreshToken, signer.RefreshKey(), KindRefresh)
	if err != nil {
		e.log.Debug("refresh token rejected", zap.Error(err))
		return nil, tgErrors.InvalidRefreshToken(err)
	}

	if e.config.RevalidateIdentityOnRefresh {
		if _, err := e.activeIdentity(ctx, claims.AppIdentityID); err != nil {
			return nil, err
		}
	}

	access, err := signer.Issue(signer.AccessKey(), KindDevice, e.config.AccessTTL, Claims{
		RegisteredClaims: subject(claims.AppIdentityID),
		AppIdentityID:    claims.AppIdentityID,
		AppName:          claims.AppName,
		AppVersion:       claims.AppVersion,
	})
	if err != nil {
		return nil, err
	}

	return &RefreshResult{
		AccessToken:     access.Token,
		AccessExpiresAt: access.ExpiresAt,
		AppIdentityID:   claims.AppIdentityID,
	}, nil
}

// ValidateAccess verifies a device access token and confirms its app
// identity is still active.
func (e *DeviceExchange) ValidateAccess(ctx context.Context, accessToken string) (*AccessGrant, error) {
	signer := e.config.Signer

	claims, err := signer.Verify(accessToken, signer.AccessKey(), KindDevice)
	if err != nil {
		return nil, err
	}

	identity, err := e.activeIdentity(ctx, claims.AppIdentityID)
	if err != nil {
		return nil, err
	}

	return &AccessGrant{Claims: claims, AppIdentity: identity}, nil
}

func (e *DeviceExchange) activeIdentity(ctx context.Context, id string) (*AppIdentity, error) {
	identity, err := call(ctx, e.config.StoreTimeout, func(ctx context.Context) (*AppIdentity, error) {
		return e.config.Identities.GetAppIdentity(ctx, id)
	})
	if err != nil {
		return nil, unavailable("get app identity", err)
	}
	if identity == nil || !identity.Active {
		return nil, tgErrors.IdentityInactive(id)
	}
	return identity, nil
}

func subject(id string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: id}
}
