package auth

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	tgErrors "github.com/tokengate/host/internal/errors"
)

// TokenKind tags a session token with its purpose. The tag is part of the
// signed payload, so a refresh token cannot be replayed where an access token
// is expected even if the endpoint only checked the key.
type TokenKind string

const (
	KindAdmin   TokenKind = "admin"   // admin session, access key, hours
	KindDevice  TokenKind = "device"  // device access, access key, minutes
	KindRefresh TokenKind = "refresh" // device refresh, refresh key, days
)

// Claims is the signed payload of every session token kind. Fields that do
// not apply to a kind are omitted.
type Claims struct {
	Kind TokenKind `json:"kind"`

	// Admin tokens.
	Email string `json:"email,omitempty"`

	// Device and refresh tokens.
	AppIdentityID string `json:"app_identity_id,omitempty"`
	AppName       string `json:"app_name,omitempty"`
	AppVersion    string `json:"app_version,omitempty"`

	// Device tokens issued by an exchange carry the library token value.
	LibraryToken string `json:"library_token,omitempty"`

	jwt.RegisteredClaims
}

// IssuedToken is a signed token and the claims it carries.
type IssuedToken struct {
	Token     string
	ExpiresAt time.Time
	Claims    *Claims
}

// SignerConfig holds the keys and fixed claims for a SessionSigner.
type SignerConfig struct {
	// AccessKey signs admin and device tokens. Required.
	AccessKey []byte

	// RefreshKey signs refresh tokens. Required, and must differ from AccessKey.
	RefreshKey []byte

	// Issuer and Audience are stamped into every token and required on verify.
	Issuer   string
	Audience string

	// TimeNow returns the current time. Useful for testing.
	// Default: time.Now.
	TimeNow func() time.Time
}

// SessionSigner issues and verifies HS256 session tokens. It holds only
// immutable configuration and is safe for concurrent use.
type SessionSigner struct {
	accessKey  []byte
	refreshKey []byte
	issuer     string
	audience   string
	timeNow    func() time.Time
}

// NewSessionSigner validates config and returns a signer.
func NewSessionSigner(config SignerConfig) (*SessionSigner, error) {
	if len(config.AccessKey) == 0 || len(config.RefreshKey) == 0 {
		return nil, errors.New("access and refresh signing keys are required")
	}
	if bytes.Equal(config.AccessKey, config.RefreshKey) {
		return nil, errors.New("access and refresh signing keys must differ")
	}
	if config.Issuer == "" || config.Audience == "" {
		return nil, errors.New("issuer and audience are required")
	}
	if config.TimeNow == nil {
		config.TimeNow = time.Now
	}

	return &SessionSigner{
		accessKey:  bytes.Clone(config.AccessKey),
		refreshKey: bytes.Clone(config.RefreshKey),
		issuer:     config.Issuer,
		audience:   config.Audience,
		timeNow:    config.TimeNow,
	}, nil
}

// AccessKey returns the key for admin and device tokens.
func (s *SessionSigner) AccessKey() []byte { return s.accessKey }

// RefreshKey returns the key for refresh tokens.
func (s *SessionSigner) RefreshKey() []byte { return s.refreshKey }

// Issue signs claims as a token of the given kind valid for ttl. Subject
// must be set; kind, iat, exp, iss, aud and jti are filled in.
func (s *SessionSigner) Issue(key []byte, kind TokenKind, ttl time.Duration, claims Claims) (*IssuedToken, error) {
	if claims.Subject == "" {
		return nil, tgErrors.Internal("session token subject is required", nil)
	}
	if ttl <= 0 {
		return nil, tgErrors.Internal(fmt.Sprintf("invalid %s token ttl %s", kind, ttl), nil)
	}

	now := s.timeNow()
	claims.Kind = kind
	claims.Issuer = s.issuer
	claims.Audience = jwt.ClaimStrings{s.audience}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	claims.ID = uuid.NewString()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(key)
	if err != nil {
		return nil, tgErrors.Internal("failed to sign session token", err)
	}

	return &IssuedToken{
		Token:     signed,
		ExpiresAt: claims.ExpiresAt.Time,
		Claims:    &claims,
	}, nil
}

// Verify checks the signature under key, then expiry, issuer and audience,
// then that the kind matches expected. Each failure has its own code:
// token.signature_invalid, token.session_expired, token.malformed (which
// includes foreign issuer or audience) and token.kind_mismatch.
func (s *SessionSigner) Verify(token string, key []byte, expected TokenKind) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.timeNow),
	)

	claims := &Claims{}
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, tgErrors.SignatureInvalid(err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, tgErrors.SessionExpired(err)
	default:
		return nil, tgErrors.Malformed(err)
	}

	if claims.Kind != expected {
		return nil, tgErrors.KindMismatch(string(claims.Kind), string(expected))
	}
	if claims.Subject == "" {
		return nil, tgErrors.Malformed(errors.New("token has no subject"))
	}

	return claims, nil
}
