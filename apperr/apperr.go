// Package apperr defines the small, stable set of application error kinds that
// provider-specific failures are translated into before they reach a caller.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by what the caller is expected to do about it.
type Kind int

const (
	KindInternal       Kind = iota // unexpected failure, not retryable
	KindValidation                 // malformed or missing input, never retried
	KindAuthentication             // bad credential or token, user must act
	KindNotConfirmed               // identity exists but is not confirmed
	KindDuplicate                  // identity or record already exists
	KindNotFound                   // addressed entity does not exist
	KindTransient                  // provider failure, safe to retry with backoff
	KindContract                   // a boundary returned something structurally invalid
)

var kindNames = map[Kind]string{
	KindInternal:       "internal",
	KindValidation:     "validation",
	KindAuthentication: "authentication",
	KindNotConfirmed:   "not_confirmed",
	KindDuplicate:      "duplicate",
	KindNotFound:       "not_found",
	KindTransient:      "transient",
	KindContract:       "contract_violation",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether an operation failing with this kind may be retried
// unchanged.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// Error is an application error. Name identifies the error (e.g.
// "DuplicateIdentity"), Code is the stable machine-readable code surfaced to
// HTTP clients, and Err optionally carries the underlying provider error.
type Error struct {
	Kind    Kind
	Name    string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Name, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Name, so wrapped copies of a sentinel
// still satisfy errors.Is(err, ErrX).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Name == e.Name
}

// Wrap returns a copy of the sentinel carrying cause.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

// WithMessage returns a copy of the sentinel with a more specific message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	c := *e
	c.Message = fmt.Sprintf(format, args...)
	return &c
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

func newError(kind Kind, name, code, message string) *Error {
	return &Error{Kind: kind, Name: name, Code: code, Message: message}
}

// Validation
var (
	ErrMissingFields    = newError(KindValidation, "MissingFields", "MISSING_FIELDS", "required fields are missing")
	ErrInvalidEmail     = newError(KindValidation, "InvalidEmail", "INVALID_EMAIL", "please provide a valid email address")
	ErrPasswordTooShort = newError(KindValidation, "PasswordTooShort", "PASSWORD_TOO_SHORT", "password must be at least 8 characters long")
	ErrInvalidRole      = newError(KindValidation, "InvalidRole", "INVALID_ROLE", "role must be one of seeker, provider, owner")
	ErrMissingService   = newError(KindValidation, "MissingServiceType", "MISSING_SERVICE_TYPE", "service type is required for providers")
	ErrMissingAddress   = newError(KindValidation, "MissingAddress", "MISSING_ADDRESS", "address is required for sign-up")
	ErrInvalidCode      = newError(KindValidation, "InvalidCodeFormat", "INVALID_CODE_FORMAT", "verification code must be exactly 6 digits")
	ErrWeakCredential   = newError(KindValidation, "WeakCredential", "WEAK_PASSWORD", "password does not meet requirements")
	ErrInvalidAttribute = newError(KindValidation, "InvalidAttribute", "INVALID_PARAMETER", "invalid attribute value")
	ErrCodeMismatch     = newError(KindValidation, "CodeMismatch", "INVALID_CODE", "invalid verification code, please check the code and try again")
	ErrCodeExpired      = newError(KindValidation, "CodeExpired", "EXPIRED_CODE", "verification code has expired, please request a new code")
	ErrAlreadyConfirmed = newError(KindValidation, "AlreadyConfirmed", "ALREADY_CONFIRMED", "user is already confirmed")
	ErrInvalidKey       = newError(KindValidation, "InvalidKey", "INVALID_KEY", "entity key must not be empty")
	ErrInvalidTableName = newError(KindValidation, "InvalidTableName", "INVALID_TABLE_NAME", "table does not exist")
	ErrInvalidField     = newError(KindValidation, "InvalidField", "INVALID_FIELD", "field is not updatable for this entity type")
	ErrInvalidService   = newError(KindValidation, "InvalidServiceType", "INVALID_SERVICE_TYPE", "service type must be one of Plumber, Electrician, Carpenter, Painter, Welder")
	ErrInvalidFileType  = newError(KindValidation, "InvalidFileType", "INVALID_FILE_TYPE", `fileType must be "profile" or "job"`)
	ErrPayloadTooLarge  = newError(KindValidation, "PayloadTooLarge", "FILE_TOO_LARGE", "file is too large")
	ErrUnsupportedType  = newError(KindValidation, "UnsupportedType", "UNSUPPORTED_TYPE", "only image files are allowed")
	ErrMalformedBody    = newError(KindValidation, "MalformedBody", "MALFORMED_BODY", "request body is not valid JSON")
)

// Authentication
var (
	ErrInvalidCredential = newError(KindAuthentication, "InvalidCredential", "INVALID_CREDENTIALS", "incorrect email or password")
	ErrChallengeRequired = newError(KindAuthentication, "ChallengeRequired", "CHALLENGE_REQUIRED", "additional authentication challenge required")
	ErrInvalidToken      = newError(KindAuthentication, "InvalidToken", "INVALID_TOKEN", "invalid access token")
	ErrMissingToken      = newError(KindAuthentication, "MissingToken", "MISSING_TOKEN", "access token required")
	ErrFederationDenied  = newError(KindAuthentication, "FederationDenied", "FEDERATION_DENIED", "identity token was rejected")
	ErrNotInitialized    = newError(KindAuthentication, "NotInitialized", "NOT_INITIALIZED", "no credentials have been exchanged for this session")
	ErrCredsExpired      = newError(KindAuthentication, "CredentialsExpired", "CREDENTIALS_EXPIRED", "scoped credentials have expired")
	ErrForbidden         = newError(KindAuthentication, "Forbidden", "FORBIDDEN", "resource does not belong to the caller")
)

// Other kinds
var (
	ErrNotConfirmed      = newError(KindNotConfirmed, "NotConfirmed", "USER_NOT_CONFIRMED", "verification is required, check your email for the code")
	ErrDuplicateIdentity = newError(KindDuplicate, "DuplicateIdentity", "USER_EXISTS", "user with this email already exists")
	ErrIdentityNotFound  = newError(KindNotFound, "IdentityNotFound", "USER_NOT_FOUND", "user not found")
	ErrNotFound          = newError(KindNotFound, "NotFound", "NOT_FOUND", "resource not found")
	ErrRouteNotFound     = newError(KindNotFound, "RouteNotFound", "ROUTE_NOT_FOUND", "no such endpoint")
	ErrMethodNotAllowed  = newError(KindValidation, "MethodNotAllowed", "METHOD_NOT_ALLOWED", "method not allowed")
	ErrRateLimited       = newError(KindTransient, "RateLimited", "RATE_LIMITED", "too many requests, slow down")
	ErrProviderFailure   = newError(KindTransient, "ProviderUnavailable", "PROVIDER_ERROR", "identity provider request failed")
	ErrExchangeFailed    = newError(KindTransient, "ExchangeUnavailable", "EXCHANGE_UNAVAILABLE", "failed to obtain scoped credentials")
	ErrStoreUnavailable  = newError(KindTransient, "StoreUnavailable", "STORE_UNAVAILABLE", "table store request failed")
	ErrUploadFailed      = newError(KindTransient, "UploadFailed", "UPLOAD_FAILED", "failed to upload file")
	ErrConditionFailed   = newError(KindDuplicate, "ConditionFailed", "CONDITION_FAILED", "conditional write was rejected")
	ErrContract          = newError(KindContract, "ContractViolation", "CONTRACT_VIOLATION", "server sent a non-JSON response")
	ErrInternal          = newError(KindInternal, "InternalError", "INTERNAL_ERROR", "internal server error")
	ErrSessionClosed     = newError(KindInternal, "SessionClosed", "SESSION_CLOSED", "session has been closed")
)
