package accounts

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrValidationFailed      = errors.New("accounts: validation failed")
	ErrDuplicateEmail        = errors.New("accounts: email already registered")
	ErrDuplicateUsername     = errors.New("accounts: username already taken")
	ErrInvalidCredentials    = errors.New("accounts: invalid email or password")
	ErrAccountDeactivated    = errors.New("accounts: account deactivated")
	ErrUnauthenticated       = errors.New("accounts: unauthenticated")
	ErrProviderNotConfigured = errors.New("accounts: identity provider not configured")
	ErrMissingCode           = errors.New("accounts: missing authorization code")
	ErrTokenExchangeFailed   = errors.New("accounts: token exchange failed")
	ErrInvalidProviderToken  = errors.New("accounts: invalid identity provider token")
	ErrConstraintViolation   = errors.New("accounts: database constraint violation")
	ErrRegistrationFailed    = errors.New("accounts: registration failed")
	ErrLoginFailed           = errors.New("accounts: login failed")
	ErrLogoutFailed          = errors.New("accounts: logout failed")
	ErrProfileUpdateFailed   = errors.New("accounts: profile update failed")

	errMissingStore    = errors.New("user store is required")
	errMissingSessions = errors.New("session manager is required")
	errMissingHasher   = errors.New("password hasher is required")
)

// ServiceError tags a workflow failure with an operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "accounts.service.new"
	opRegister        = "accounts.register"
	opLogin           = "accounts.login"
	opLogout          = "accounts.logout"
	opAuthenticate    = "accounts.authenticate"
	opGoogleAuthorize = "accounts.google_authorize"
	opGoogleCallback  = "accounts.google_callback"
	opGetProfile      = "accounts.get_profile"
	opUpdateProfile   = "accounts.update_profile"
)

// newServiceError wraps kind, and cause when present, so errors.Is matches both.
func newServiceError(operation, reason string, kind error, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	err := kind
	if cause != nil && kind != nil {
		err = fmt.Errorf("%w: %w", kind, cause)
	} else if cause != nil {
		err = cause
	}
	return &ServiceError{code: code, err: err}
}

// ValidationError lists the messages collected for each invalid input field.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("validation failed: %s", strings.Join(names, ", "))
}

// Is lets errors.Is(err, ErrValidationFailed) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

func (e *ValidationError) add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], message)
}

func (e *ValidationError) empty() bool {
	return len(e.Fields) == 0
}
