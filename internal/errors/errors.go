// Package errors provides standardized error codes for tokengate.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (auth, token, admin, storage, request)
//   - error: The specific error type within that domain
//
// These codes are stable and can be used by device clients and admin tooling
// for programmatic error handling. Human-readable messages are provided
// alongside codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error codes by domain.
// These are stable identifiers that clients can rely on for error handling.
const (
	// Auth domain - administrator authentication and authorization
	CodeAuthInvalidCredentials = "auth.invalid_credentials" // Unknown email or wrong password (never distinguished)
	CodeAuthAccountLocked      = "auth.account_locked"      // Too many failed attempts, locked for a while
	CodeAuthAccountDeactivated = "auth.account_deactivated" // Administrator soft-deactivated
	CodeAuthForbidden          = "auth.forbidden"           // Caller does not own the resource
	CodeAuthRequired           = "auth.required"            // Missing bearer token

	// Library token domain
	CodeTokenInvalid         = "token.invalid"          // Library token value not found
	CodeTokenDeactivated     = "token.deactivated"      // Library token deactivated by its owner
	CodeTokenExpired         = "token.expired"          // Library token validity window has passed
	CodeTokenSpaceExhausted  = "token.space_exhausted"  // Every generated candidate collided
	CodeTokenAlreadyInactive = "token.already_inactive" // Deactivation requested twice
	CodeTokenInvalidRefresh  = "token.invalid_refresh"  // Refresh token rejected (coarse on purpose)

	// Session token domain - signed claim verification
	CodeTokenSignatureInvalid = "token.signature_invalid" // Signature does not verify under the key
	CodeTokenSessionExpired   = "token.session_expired"   // Signed claims past their exp
	CodeTokenKindMismatch     = "token.kind_mismatch"     // Valid token of the wrong kind
	CodeTokenMalformed        = "token.malformed"         // Not a parsable compact token, or foreign iss/aud

	// Admin domain - provisioning
	CodeAdminInactive   = "admin.inactive"    // Issuing administrator missing or inactive
	CodeAdminRootExists = "admin.root_exists" // A root administrator already exists
	CodeAdminEmailTaken = "admin.email_taken" // Email already registered

	// Identity domain - app identities bound by device exchange
	CodeIdentityInactive = "identity.inactive" // App identity missing or deactivated

	// Request domain - input validation before any store access
	CodeRequestInvalid            = "request.invalid"             // Malformed field
	CodeRequestVersionUnsupported = "request.version_unsupported" // App version below configured minimum
	CodeRequestRateLimited        = "request.rate_limited"        // Too many requests from this client
	CodeRequestMethodNotAllowed   = "request.method_not_allowed"  // Wrong HTTP method

	// Storage domain - persistence errors
	CodeStorageNotFound    = "storage.not_found"   // Record not found
	CodeStorageUnavailable = "storage.unavailable" // Store timed out or failed

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal server error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "token.expired")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)

	// Field names the offending input for request.invalid errors.
	Field string

	// RetryAfter is set for auth.account_locked and request.rate_limited.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// As returns the CodedError in err's chain, or nil.
func As(err error) *CodedError {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded
	}
	return nil
}

// Common error constructors, one per error kind.

// InvalidCredentials creates an "auth.invalid_credentials" error.
// The message is identical for unknown emails and wrong passwords.
func InvalidCredentials() *CodedError {
	return New(CodeAuthInvalidCredentials, "invalid email or password")
}

// AccountLocked creates an "auth.account_locked" error carrying the remaining lock time.
func AccountLocked(remaining time.Duration) *CodedError {
	secs := int64(remaining.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	e := New(CodeAuthAccountLocked, fmt.Sprintf("account is locked, try again in %d seconds", secs))
	e.RetryAfter = time.Duration(secs) * time.Second
	return e
}

// AccountDeactivated creates an "auth.account_deactivated" error.
func AccountDeactivated() *CodedError {
	return New(CodeAuthAccountDeactivated, "account is deactivated")
}

// Forbidden creates an "auth.forbidden" error.
func Forbidden(message string) *CodedError {
	return New(CodeAuthForbidden, message)
}

// AuthRequired creates an "auth.required" error.
func AuthRequired() *CodedError {
	return New(CodeAuthRequired, "bearer token required")
}

// InvalidToken creates a "token.invalid" error.
func InvalidToken() *CodedError {
	return New(CodeTokenInvalid, "library token is not recognized")
}

// TokenDeactivated creates a "token.deactivated" error.
func TokenDeactivated() *CodedError {
	return New(CodeTokenDeactivated, "library token has been deactivated")
}

// TokenExpired creates a "token.expired" error.
func TokenExpired(expiredAt time.Time) *CodedError {
	return New(CodeTokenExpired, fmt.Sprintf("library token expired at %s", expiredAt.UTC().Format(time.RFC3339)))
}

// TokenSpaceExhausted creates a "token.space_exhausted" error.
// Reaching it means every candidate collided, which should never happen
// with 128 bits of entropy.
func TokenSpaceExhausted(attempts int) *CodedError {
	return New(CodeTokenSpaceExhausted, fmt.Sprintf("could not generate a unique token after %d attempts", attempts))
}

// AlreadyInactive creates a "token.already_inactive" error.
func AlreadyInactive(what, id string) *CodedError {
	return New(CodeTokenAlreadyInactive, fmt.Sprintf("%s %s is already inactive", what, id))
}

// InvalidRefreshToken creates a "token.invalid_refresh" error.
// The cause is kept for logs; the message never says why.
func InvalidRefreshToken(cause error) *CodedError {
	return Wrap(CodeTokenInvalidRefresh, "refresh token is invalid", cause)
}

// SignatureInvalid creates a "token.signature_invalid" error.
func SignatureInvalid(cause error) *CodedError {
	return Wrap(CodeTokenSignatureInvalid, "token signature is invalid", cause)
}

// SessionExpired creates a "token.session_expired" error.
func SessionExpired(cause error) *CodedError {
	return Wrap(CodeTokenSessionExpired, "token has expired", cause)
}

// KindMismatch creates a "token.kind_mismatch" error.
func KindMismatch(got, want string) *CodedError {
	return New(CodeTokenKindMismatch, fmt.Sprintf("token kind %q is not accepted here (want %q)", got, want))
}

// Malformed creates a "token.malformed" error.
func Malformed(cause error) *CodedError {
	return Wrap(CodeTokenMalformed, "token is malformed", cause)
}

// AdminInactive creates an "admin.inactive" error.
func AdminInactive(adminID string) *CodedError {
	return New(CodeAdminInactive, fmt.Sprintf("administrator %s is not active", adminID))
}

// RootAdminExists creates an "admin.root_exists" error.
func RootAdminExists() *CodedError {
	return New(CodeAdminRootExists, "a root administrator already exists")
}

// EmailTaken creates an "admin.email_taken" error.
func EmailTaken(email string) *CodedError {
	return New(CodeAdminEmailTaken, fmt.Sprintf("email %s is already registered", email))
}

// IdentityInactive creates an "identity.inactive" error.
func IdentityInactive(id string) *CodedError {
	return New(CodeIdentityInactive, fmt.Sprintf("app identity %s is not active", id))
}

// BadRequest creates a "request.invalid" error naming the offending field.
func BadRequest(field, reason string) *CodedError {
	e := New(CodeRequestInvalid, fmt.Sprintf("%s: %s", field, reason))
	e.Field = field
	return e
}

// VersionUnsupported creates a "request.version_unsupported" error.
func VersionUnsupported(version, minimum string) *CodedError {
	e := New(CodeRequestVersionUnsupported, fmt.Sprintf("app version %s is below the minimum supported version %s", version, minimum))
	e.Field = "app_version"
	return e
}

// RateLimited creates a "request.rate_limited" error.
func RateLimited(retryAfter time.Duration) *CodedError {
	e := New(CodeRequestRateLimited, "too many requests, slow down")
	e.RetryAfter = retryAfter
	return e
}

// NotFound creates a "storage.not_found" error.
func NotFound(resource, id string) *CodedError {
	return New(CodeStorageNotFound, fmt.Sprintf("%s %s not found", resource, id))
}

// StoreUnavailable creates a "storage.unavailable" error.
func StoreUnavailable(cause error) *CodedError {
	return Wrap(CodeStorageUnavailable, "credential store is unavailable", cause)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}

// nextActions is the single primary recovery action per code.
var nextActions = map[string]string{
	CodeAuthInvalidCredentials:    "Check the email and password and try again.",
	CodeAuthAccountLocked:         "Wait until the lock expires, then sign in with the correct password.",
	CodeAuthAccountDeactivated:    "Ask the root administrator to reactivate the account.",
	CodeAuthForbidden:             "Sign in as the administrator who owns this resource.",
	CodeAuthRequired:              "Send an Authorization: Bearer <token> header.",
	CodeTokenInvalid:              "Ask an administrator for a valid library token.",
	CodeTokenDeactivated:          "Ask an administrator to issue a new library token.",
	CodeTokenExpired:              "Ask an administrator to issue a new library token.",
	CodeTokenSpaceExhausted:       "Retry the request; if it persists check the random source.",
	CodeTokenAlreadyInactive:      "No action needed; the token is already inactive.",
	CodeTokenInvalidRefresh:       "Exchange the library token again to obtain a new refresh token.",
	CodeTokenSignatureInvalid:     "Discard the token and authenticate again.",
	CodeTokenSessionExpired:       "Refresh the access token or sign in again.",
	CodeTokenKindMismatch:         "Use the token kind this endpoint expects.",
	CodeTokenMalformed:            "Send the token exactly as it was issued.",
	CodeAdminInactive:             "Reactivate the administrator before issuing tokens.",
	CodeAdminRootExists:           "Create a regular administrator instead.",
	CodeAdminEmailTaken:           "Use a different email address.",
	CodeIdentityInactive:          "Exchange the library token again to register the app.",
	CodeRequestInvalid:            "Fix the named field and resend the request.",
	CodeRequestVersionUnsupported: "Upgrade the app to a supported version.",
	CodeRequestRateLimited:        "Wait before retrying.",
	CodeRequestMethodNotAllowed:   "Use the documented HTTP method.",
	CodeStorageNotFound:           "Check the identifier and try again.",
	CodeStorageUnavailable:        "Retry shortly; check the database if it persists.",
	CodeInternal:                  "Retry; report the problem if it persists.",
	CodeUnknown:                   "Retry; report the problem if it persists.",
}

// GetNextAction returns the operator-facing recovery action for a code.
// Returns an empty string for codes without a documented action.
func GetNextAction(code string) string {
	return nextActions[code]
}

// HTTPStatus maps an error code to the HTTP status the API layer responds with.
func HTTPStatus(code string) int {
	switch code {
	case CodeAuthInvalidCredentials, CodeAuthRequired,
		CodeTokenInvalid, CodeTokenDeactivated, CodeTokenExpired, CodeTokenInvalidRefresh,
		CodeTokenSignatureInvalid, CodeTokenSessionExpired, CodeTokenKindMismatch, CodeTokenMalformed,
		CodeIdentityInactive:
		return http.StatusUnauthorized
	case CodeAuthAccountLocked:
		return http.StatusLocked
	case CodeAuthAccountDeactivated, CodeAuthForbidden, CodeAdminInactive:
		return http.StatusForbidden
	case CodeTokenAlreadyInactive, CodeAdminRootExists, CodeAdminEmailTaken:
		return http.StatusConflict
	case CodeRequestInvalid:
		return http.StatusBadRequest
	case CodeRequestVersionUnsupported:
		return http.StatusUpgradeRequired
	case CodeRequestRateLimited:
		return http.StatusTooManyRequests
	case CodeRequestMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeStorageNotFound:
		return http.StatusNotFound
	case CodeStorageUnavailable, CodeTokenSpaceExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
