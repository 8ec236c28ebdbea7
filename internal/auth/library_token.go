package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	tgErrors "github.com/tokengate/host/internal/errors"
	"github.com/tokengate/host/internal/storage"
)

// Library token issuance limits.
const (
	// LibraryTokenBytes is the entropy of a token value; it renders as
	// 2*LibraryTokenBytes lowercase hex characters.
	LibraryTokenBytes = 16

	// MaxIssueAttempts bounds how many candidates are generated before
	// giving up with token.space_exhausted.
	MaxIssueAttempts = 10

	MinValidityDays      = 1
	MaxValidityDays      = 365
	MaxDescriptionLength = 500
)

var libraryTokenPattern = regexp.MustCompile(`^[a-f0-9]{32}$`)

// ValidLibraryTokenValue reports whether v has the library token wire shape:
// exactly 32 lowercase hex characters.
func ValidLibraryTokenValue(v string) bool {
	return libraryTokenPattern.MatchString(v)
}

// LibraryTokenIssuerConfig holds dependencies for a LibraryTokenIssuer.
type LibraryTokenIssuerConfig struct {
	// Admins resolves the issuing administrator. Required.
	Admins AdminStore

	// Tokens persists library tokens. Required.
	Tokens LibraryTokenStore

	// StoreTimeout bounds each store call. Zero means no extra bound.
	StoreTimeout time.Duration

	// Random is the entropy source for token values.
	// Default: crypto/rand.Reader.
	Random io.Reader

	// TimeNow returns the current time. Useful for testing.
	// Default: time.Now.
	TimeNow func() time.Time
}

// LibraryTokenIssuer mints, validates and deactivates library tokens.
type LibraryTokenIssuer struct {
	admins  AdminStore
	tokens  LibraryTokenStore
	timeout time.Duration
	random  io.Reader
	timeNow func() time.Time
	log     *zap.Logger
}

// NewLibraryTokenIssuer creates an issuer, applying defaults.
func NewLibraryTokenIssuer(config LibraryTokenIssuerConfig) *LibraryTokenIssuer {
	if config.Random == nil {
		config.Random = rand.Reader
	}
	if config.TimeNow == nil {
		config.TimeNow = time.Now
	}
	return &LibraryTokenIssuer{
		admins:  config.Admins,
		tokens:  config.Tokens,
		timeout: config.StoreTimeout,
		random:  config.Random,
		timeNow: config.TimeNow,
		log:     zap.L().Named("auth"),
	}
}

// Issue mints a token for adminID valid for validityDays days.
//
// Uniqueness is checked before insert and retried on collision. The unique
// index on the value column catches the race between check and insert, and
// that too becomes a retry. After MaxIssueAttempts collisions the call fails
// with token.space_exhausted.
func (i *LibraryTokenIssuer) Issue(ctx context.Context, adminID string, validityDays int, description string) (*LibraryToken, error) {
	if validityDays < MinValidityDays || validityDays > MaxValidityDays {
		return nil, tgErrors.BadRequest("validity_days", fmt.Sprintf("must be between %d and %d", MinValidityDays, MaxValidityDays))
	}
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return nil, tgErrors.BadRequest("description", fmt.Sprintf("must be at most %d characters", MaxDescriptionLength))
	}

	admin, err := call(ctx, i.timeout, func(ctx context.Context) (*Admin, error) {
		return i.admins.GetAdmin(ctx, adminID)
	})
	if err != nil {
		return nil, unavailable("get admin", err)
	}
	if admin == nil || !admin.Active {
		return nil, tgErrors.AdminInactive(adminID)
	}

	for attempt := 1; attempt <= MaxIssueAttempts; attempt++ {
		value, err := i.generateValue()
		if err != nil {
			return nil, err
		}

		n, err := call(ctx, i.timeout, func(ctx context.Context) (int, error) {
			return i.tokens.CountLibraryTokensByValue(ctx, value)
		})
		if err != nil {
			return nil, unavailable("check token uniqueness", err)
		}
		if n > 0 {
			i.log.Warn("library token collision", zap.Int("attempt", attempt))
			continue
		}

		now := i.timeNow()
		token := &LibraryToken{
			ID:          uuid.NewString(),
			Value:       value,
			AdminID:     admin.ID,
			Description: description,
			ExpiresAt:   now.Add(time.Duration(validityDays) * 24 * time.Hour),
			Active:      true,
			UsageCount:  0,
			CreatedAt:   now,
		}

		err = exec(ctx, i.timeout, func(ctx context.Context) error {
			return i.tokens.InsertLibraryToken(ctx, token)
		})
		if errors.Is(err, storage.ErrDuplicate) {
			i.log.Warn("library token collision on insert", zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, unavailable("insert library token", err)
		}

		i.log.Info("library token issued",
			zap.String("token_id", token.ID),
			zap.String("admin_id", admin.ID),
			zap.Int("validity_days", validityDays),
		)
		return token, nil
	}

	return nil, tgErrors.TokenSpaceExhausted(MaxIssueAttempts)
}

// Validate looks up a token by value and checks its state at now:
// token.invalid when unknown, token.deactivated when inactive and
// token.expired when now is at or after its expiry.
func (i *LibraryTokenIssuer) Validate(ctx context.Context, value string, now time.Time) (*LibraryToken, error) {
	if !ValidLibraryTokenValue(value) {
		return nil, tgErrors.BadRequest("library_token", "must be 32 lowercase hex characters")
	}

	token, err := call(ctx, i.timeout, func(ctx context.Context) (*LibraryToken, error) {
		return i.tokens.GetLibraryTokenByValue(ctx, value)
	})
	if err != nil {
		return nil, unavailable("get library token", err)
	}

	switch {
	case token == nil:
		return nil, tgErrors.InvalidToken()
	case !token.Active:
		return nil, tgErrors.TokenDeactivated()
	case token.IsExpired(now):
		return nil, tgErrors.TokenExpired(token.ExpiresAt)
	}
	return token, nil
}

// RecordUsage atomically increments the token's usage counter and stamps
// last-used, returning the updated record.
func (i *LibraryTokenIssuer) RecordUsage(ctx context.Context, token *LibraryToken) (*LibraryToken, error) {
	updated, err := call(ctx, i.timeout, func(ctx context.Context) (*LibraryToken, error) {
		return i.tokens.IncrementLibraryTokenUsage(ctx, token.ID, i.timeNow())
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, tgErrors.InvalidToken()
	}
	if err != nil {
		return nil, unavailable("record token usage", err)
	}
	return updated, nil
}

// Get returns a token owned by adminID. Unknown IDs are storage.not_found;
// tokens owned by another administrator are auth.forbidden.
func (i *LibraryTokenIssuer) Get(ctx context.Context, tokenID, adminID string) (*LibraryToken, error) {
	token, err := call(ctx, i.timeout, func(ctx context.Context) (*LibraryToken, error) {
		return i.tokens.GetLibraryToken(ctx, tokenID)
	})
	if err != nil {
		return nil, unavailable("get library token", err)
	}
	if token == nil {
		return nil, tgErrors.NotFound("library token", tokenID)
	}
	if token.AdminID != adminID {
		return nil, tgErrors.Forbidden("library token belongs to another administrator")
	}
	return token, nil
}

// Deactivate clears the token's active flag. Only the owning administrator
// may do so. A second deactivation fails with token.already_inactive so
// callers can tell it apart from a change.
func (i *LibraryTokenIssuer) Deactivate(ctx context.Context, tokenID, adminID string) (*LibraryToken, error) {
	if _, err := i.Get(ctx, tokenID, adminID); err != nil {
		return nil, err
	}

	token, err := call(ctx, i.timeout, func(ctx context.Context) (*LibraryToken, error) {
		return i.tokens.DeactivateLibraryToken(ctx, tokenID, i.timeNow())
	})
	if errors.Is(err, storage.ErrNoChange) {
		return nil, tgErrors.AlreadyInactive("library token", tokenID)
	}
	if err != nil {
		return nil, unavailable("deactivate library token", err)
	}

	i.log.Info("library token deactivated", zap.String("token_id", tokenID), zap.String("admin_id", adminID))
	return token, nil
}

// List returns adminID's tokens, newest first.
func (i *LibraryTokenIssuer) List(ctx context.Context, adminID string) ([]*LibraryToken, error) {
	tokens, err := call(ctx, i.timeout, func(ctx context.Context) ([]*LibraryToken, error) {
		return i.tokens.ListLibraryTokensByAdmin(ctx, adminID)
	})
	if err != nil {
		return nil, unavailable("list library tokens", err)
	}
	return tokens, nil
}

func (i *LibraryTokenIssuer) generateValue() (string, error) {
	b := make([]byte, LibraryTokenBytes)
	if _, err := io.ReadFull(i.random, b); err != nil {
		return "", tgErrors.Internal("failed to read random bytes", err)
	}
	return hex.EncodeToString(b), nil
}
