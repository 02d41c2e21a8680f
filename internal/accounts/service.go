package accounts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/campus/userservice/internal/auth"
	"github.com/MarcoPoloResearchLab/campus/userservice/internal/users"
	"go.uber.org/zap"
)

var noOpLogger = zap.NewNop()

// UserStore is the subset of the credential store the workflows rely on.
type UserStore interface {
	FindByID(ctx context.Context, userID string) (users.User, error)
	FindByEmail(ctx context.Context, email string) (users.User, error)
	FindByUsername(ctx context.Context, username string) (users.User, error)
	CreateUser(ctx context.Context, input users.NewUser) (users.User, error)
	RecordLogin(ctx context.Context, userID string, at time.Time) error
	UpdateProfile(ctx context.Context, userID string, patch users.ProfilePatch) (users.User, error)
	ResolveFederated(ctx context.Context, identity users.FederatedIdentity) (users.FederatedResolution, error)
}

// SessionManager issues, validates and revokes login sessions.
type SessionManager interface {
	Issue(ctx context.Context, userID string, remember bool, client auth.ClientInfo) (auth.IssuedSession, error)
	Validate(ctx context.Context, token string, client auth.ClientInfo) (auth.Principal, error)
	SessionIDFromToken(token string) (string, error)
	Revoke(ctx context.Context, sessionID string) error
}

// PasswordHasher hashes and verifies local credentials.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(encodedHash, password string) bool
	VerifyDummy(password string)
}

// IdentityProvider drives the OAuth authorization-code flow.
type IdentityProvider interface {
	AuthorizationURL() (string, error)
	Exchange(ctx context.Context, code string) (auth.GoogleTokens, error)
}

// IDTokenVerifier checks identity tokens issued by the provider.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (auth.GoogleClaims, error)
}

// ServiceConfig describes the collaborators of the account workflows.
// Google and GoogleVerifier may be nil when federation is not configured.
type ServiceConfig struct {
	Store          UserStore
	Sessions       SessionManager
	Hasher         PasswordHasher
	Google         IdentityProvider
	GoogleVerifier IDTokenVerifier
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Service implements registration, login, logout, federation and profile workflows.
type Service struct {
	store    UserStore
	sessions SessionManager
	hasher   PasswordHasher
	google   IdentityProvider
	verifier IDTokenVerifier
	clock    func() time.Time
	logger   *zap.Logger
}

// RequestMeta carries what the transport knows about the caller.
type RequestMeta struct {
	Client       auth.ClientInfo
	SessionToken string
}

// LoginResult is an authenticated user and the session minted for it.
type LoginResult struct {
	User    users.User
	Session auth.IssuedSession
}

// Profile is the caller-visible view of a user.
type Profile struct {
	Email             string     `json:"email"`
	Username          *string    `json:"username"`
	Name              string     `json:"name"`
	Surname           string     `json:"surname"`
	Role              users.Role `json:"role"`
	ProfilePictureURL *string    `json:"profile_picture_url"`
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", nil, errMissingStore)
	}
	if cfg.Sessions == nil {
		return nil, newServiceError(opServiceNew, "missing_sessions", nil, errMissingSessions)
	}
	if cfg.Hasher == nil {
		return nil, newServiceError(opServiceNew, "missing_hasher", nil, errMissingHasher)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:    cfg.Store,
		sessions: cfg.Sessions,
		hasher:   cfg.Hasher,
		google:   cfg.Google,
		verifier: cfg.GoogleVerifier,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Register creates a local-credential student account. No session is issued.
func (s *Service) Register(ctx context.Context, input RegisterInput) (users.User, error) {
	sanitized, err := ValidateRegistration(input)
	if err != nil {
		return users.User{}, newServiceError(opRegister, "validation_failed", nil, err)
	}

	if _, err := s.store.FindByEmail(ctx, sanitized.Email); err == nil {
		return users.User{}, newServiceError(opRegister, "duplicate_email", ErrDuplicateEmail, nil)
	} else if !errors.Is(err, users.ErrNotFound) {
		s.logError(opRegister, "lookup_email", err)
		return users.User{}, newServiceError(opRegister, "lookup_email", ErrRegistrationFailed, err)
	}

	if sanitized.Username != "" {
		if _, err := s.store.FindByUsername(ctx, sanitized.Username); err == nil {
			return users.User{}, newServiceError(opRegister, "duplicate_username", ErrDuplicateUsername, nil)
		} else if !errors.Is(err, users.ErrNotFound) {
			s.logError(opRegister, "lookup_username", err)
			return users.User{}, newServiceError(opRegister, "lookup_username", ErrRegistrationFailed, err)
		}
	}

	passwordHash, err := s.hasher.Hash(sanitized.Password)
	if err != nil {
		s.logError(opRegister, "hash_password", err)
		return users.User{}, newServiceError(opRegister, "hash_password", ErrRegistrationFailed, err)
	}

	created, err := s.store.CreateUser(ctx, users.NewUser{
		Email:        sanitized.Email,
		Username:     sanitized.Username,
		PasswordHash: passwordHash,
		Name:         sanitized.Name,
		Surname:      sanitized.Surname,
		Role:         users.RoleStudent,
		ConsentGiven: sanitized.Consent,
	})
	switch {
	case err == nil:
	case errors.Is(err, users.ErrDuplicateEmail):
		return users.User{}, newServiceError(opRegister, "duplicate_email", ErrDuplicateEmail, err)
	case errors.Is(err, users.ErrDuplicateUsername):
		return users.User{}, newServiceError(opRegister, "duplicate_username", ErrDuplicateUsername, err)
	default:
		s.logError(opRegister, "create_user", err)
		return users.User{}, newServiceError(opRegister, "create_user", ErrRegistrationFailed, err)
	}

	s.logger.Info("user registered", zap.String("user_id", created.UserID))
	return created, nil
}

// Login authenticates local credentials and issues a session. A session
// already presented by the caller is revoked first.
func (s *Service) Login(ctx context.Context, input LoginInput, meta RequestMeta) (LoginResult, error) {
	sanitized, err := ValidateLogin(input)
	if err != nil {
		return LoginResult{}, newServiceError(opLogin, "validation_failed", nil, err)
	}

	user, err := s.store.FindByEmail(ctx, sanitized.Email)
	if errors.Is(err, users.ErrNotFound) {
		s.hasher.VerifyDummy(sanitized.Password)
		return LoginResult{}, newServiceError(opLogin, "invalid_credentials", ErrInvalidCredentials, nil)
	}
	if err != nil {
		s.logError(opLogin, "lookup_email", err)
		return LoginResult{}, newServiceError(opLogin, "lookup_email", ErrLoginFailed, err)
	}

	if !user.HasPassword() {
		s.hasher.VerifyDummy(sanitized.Password)
		return LoginResult{}, newServiceError(opLogin, "invalid_credentials", ErrInvalidCredentials, nil)
	}
	if !s.hasher.Verify(*user.PasswordHash, sanitized.Password) {
		return LoginResult{}, newServiceError(opLogin, "invalid_credentials", ErrInvalidCredentials, nil)
	}
	if !user.IsActive {
		return LoginResult{}, newServiceError(opLogin, "account_deactivated", ErrAccountDeactivated, nil)
	}

	s.rotatePresentedSession(ctx, opLogin, meta.SessionToken)

	session, err := s.sessions.Issue(ctx, user.UserID, sanitized.Remember, meta.Client)
	if err != nil {
		s.logError(opLogin, "issue_session", err, zap.String("user_id", user.UserID))
		return LoginResult{}, newServiceError(opLogin, "issue_session", ErrLoginFailed, err)
	}

	now := s.clock().UTC()
	if err := s.store.RecordLogin(ctx, user.UserID, now); err != nil {
		s.logError(opLogin, "record_login", err, zap.String("user_id", user.UserID))
		if revokeErr := s.sessions.Revoke(ctx, session.SessionID); revokeErr != nil {
			s.logError(opLogin, "revoke_session", revokeErr, zap.String("session_id", session.SessionID))
		}
		return LoginResult{}, newServiceError(opLogin, "record_login", ErrLoginFailed, err)
	}
	user.LastLogin = &now

	return LoginResult{User: user, Session: session}, nil
}

// Logout revokes the principal's session.
func (s *Service) Logout(ctx context.Context, principal auth.Principal) error {
	if strings.TrimSpace(principal.SessionID) == "" {
		return newServiceError(opLogout, "unauthenticated", ErrUnauthenticated, nil)
	}
	if err := s.sessions.Revoke(ctx, principal.SessionID); err != nil {
		s.logError(opLogout, "revoke_session", err, zap.String("session_id", principal.SessionID))
		return newServiceError(opLogout, "revoke_session", ErrLogoutFailed, err)
	}
	return nil
}

// Authenticate resolves the session token of a request to its principal.
// Sessions of deleted or deactivated users are revoked.
func (s *Service) Authenticate(ctx context.Context, token string, client auth.ClientInfo) (auth.Principal, error) {
	if strings.TrimSpace(token) == "" {
		return auth.Principal{}, newServiceError(opAuthenticate, "missing_session", ErrUnauthenticated, nil)
	}
	principal, err := s.sessions.Validate(ctx, token, client)
	if err != nil {
		if errors.Is(err, auth.ErrSessionFingerprintMismatch) {
			s.logger.Warn("session presented from a different client",
				zap.String("operation", opAuthenticate),
				zap.String("client_ip", client.IP))
		}
		return auth.Principal{}, newServiceError(opAuthenticate, "invalid_session", ErrUnauthenticated, err)
	}

	user, err := s.store.FindByID(ctx, principal.UserID)
	if err != nil && !errors.Is(err, users.ErrNotFound) {
		s.logError(opAuthenticate, "lookup_user", err, zap.String("user_id", principal.UserID))
		return auth.Principal{}, newServiceError(opAuthenticate, "lookup_user", ErrUnauthenticated, err)
	}
	if err != nil || !user.IsActive {
		if revokeErr := s.sessions.Revoke(ctx, principal.SessionID); revokeErr != nil {
			s.logError(opAuthenticate, "revoke_session", revokeErr, zap.String("session_id", principal.SessionID))
		}
		return auth.Principal{}, newServiceError(opAuthenticate, "inactive_user", ErrUnauthenticated, err)
	}
	return principal, nil
}

// GoogleAuthorizationURL returns the consent-screen redirect target.
func (s *Service) GoogleAuthorizationURL() (string, error) {
	if s.google == nil {
		return "", newServiceError(opGoogleAuthorize, "not_configured", ErrProviderNotConfigured, nil)
	}
	location, err := s.google.AuthorizationURL()
	if err != nil {
		s.logError(opGoogleAuthorize, "not_configured", err)
		return "", newServiceError(opGoogleAuthorize, "not_configured", ErrProviderNotConfigured, err)
	}
	return location, nil
}

// CompleteGoogleLogin exchanges the authorization code, verifies the ID token,
// resolves the account and issues a session.
func (s *Service) CompleteGoogleLogin(ctx context.Context, code string, meta RequestMeta) (LoginResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return LoginResult{}, newServiceError(opGoogleCallback, "missing_code", ErrMissingCode, nil)
	}
	if s.google == nil || s.verifier == nil {
		return LoginResult{}, newServiceError(opGoogleCallback, "not_configured", ErrProviderNotConfigured, nil)
	}

	tokens, err := s.google.Exchange(ctx, code)
	if errors.Is(err, auth.ErrGoogleNotConfigured) {
		s.logError(opGoogleCallback, "not_configured", err)
		return LoginResult{}, newServiceError(opGoogleCallback, "not_configured", ErrProviderNotConfigured, err)
	}
	if err != nil {
		s.logError(opGoogleCallback, "token_exchange", err)
		return LoginResult{}, newServiceError(opGoogleCallback, "token_exchange", ErrTokenExchangeFailed, err)
	}

	claims, err := s.verifier.Verify(ctx, tokens.IDToken)
	if err != nil {
		s.logError(opGoogleCallback, "invalid_id_token", err)
		return LoginResult{}, newServiceError(opGoogleCallback, "invalid_id_token", ErrInvalidProviderToken, err)
	}

	resolution, err := s.store.ResolveFederated(ctx, users.FederatedIdentity{
		Provider:   users.SocialProviderGoogle,
		Subject:    claims.Subject,
		Email:      claims.Email,
		GivenName:  Sanitize(claims.GivenName),
		FamilyName: Sanitize(claims.FamilyName),
		PictureURL: claims.Picture,
	})
	if errors.Is(err, users.ErrInvalidIdentity) {
		return LoginResult{}, newServiceError(opGoogleCallback, "invalid_identity", ErrInvalidProviderToken, err)
	}
	if errors.Is(err, users.ErrInactive) {
		return LoginResult{}, newServiceError(opGoogleCallback, "account_deactivated", ErrAccountDeactivated, err)
	}
	if err != nil {
		s.logError(opGoogleCallback, "resolve_account", err, zap.String("subject", claims.Subject))
		return LoginResult{}, newServiceError(opGoogleCallback, "resolve_account", ErrConstraintViolation, err)
	}
	user := resolution.User

	s.rotatePresentedSession(ctx, opGoogleCallback, meta.SessionToken)

	session, err := s.sessions.Issue(ctx, user.UserID, false, meta.Client)
	if err != nil {
		s.logError(opGoogleCallback, "issue_session", err, zap.String("user_id", user.UserID))
		return LoginResult{}, newServiceError(opGoogleCallback, "issue_session", ErrLoginFailed, err)
	}

	s.logger.Info("federated login",
		zap.String("user_id", user.UserID),
		zap.String("outcome", string(resolution.Outcome)))
	return LoginResult{User: user, Session: session}, nil
}

// GetProfile returns the principal's own profile.
func (s *Service) GetProfile(ctx context.Context, principal auth.Principal) (Profile, error) {
	user, err := s.store.FindByID(ctx, principal.UserID)
	if errors.Is(err, users.ErrNotFound) {
		return Profile{}, newServiceError(opGetProfile, "unauthenticated", ErrUnauthenticated, err)
	}
	if err != nil {
		s.logError(opGetProfile, "lookup_user", err, zap.String("user_id", principal.UserID))
		return Profile{}, newServiceError(opGetProfile, "lookup_user", ErrUnauthenticated, err)
	}
	return profileOf(user), nil
}

// UpdateProfile merges the supplied fields into the principal's profile.
func (s *Service) UpdateProfile(ctx context.Context, principal auth.Principal, input ProfileUpdateInput) (Profile, error) {
	sanitized, err := ValidateProfileUpdate(input)
	if err != nil {
		return Profile{}, newServiceError(opUpdateProfile, "validation_failed", nil, err)
	}

	if sanitized.Username != nil && *sanitized.Username != "" {
		owner, err := s.store.FindByUsername(ctx, *sanitized.Username)
		switch {
		case err == nil && owner.UserID != principal.UserID:
			return Profile{}, newServiceError(opUpdateProfile, "duplicate_username", ErrDuplicateUsername, nil)
		case err != nil && !errors.Is(err, users.ErrNotFound):
			s.logError(opUpdateProfile, "lookup_username", err)
			return Profile{}, newServiceError(opUpdateProfile, "lookup_username", ErrProfileUpdateFailed, err)
		}
	}

	updated, err := s.store.UpdateProfile(ctx, principal.UserID, users.ProfilePatch{
		Name:     sanitized.Name,
		Surname:  sanitized.Surname,
		Username: sanitized.Username,
	})
	switch {
	case err == nil:
	case errors.Is(err, users.ErrDuplicateUsername):
		return Profile{}, newServiceError(opUpdateProfile, "duplicate_username", ErrDuplicateUsername, err)
	case errors.Is(err, users.ErrNotFound):
		return Profile{}, newServiceError(opUpdateProfile, "unauthenticated", ErrUnauthenticated, err)
	default:
		s.logError(opUpdateProfile, "update_user", err, zap.String("user_id", principal.UserID))
		return Profile{}, newServiceError(opUpdateProfile, "update_user", ErrProfileUpdateFailed, err)
	}
	return profileOf(updated), nil
}

func (s *Service) rotatePresentedSession(ctx context.Context, operation, token string) {
	if strings.TrimSpace(token) == "" {
		return
	}
	sessionID, err := s.sessions.SessionIDFromToken(token)
	if err != nil {
		return
	}
	if err := s.sessions.Revoke(ctx, sessionID); err != nil {
		s.logError(operation, "rotate_session", err, zap.String("session_id", sessionID))
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("accounts service error", attrs...)
}

func profileOf(user users.User) Profile {
	return Profile{
		Email:             user.Email,
		Username:          user.Username,
		Name:              user.Name,
		Surname:           user.Surname,
		Role:              user.Role,
		ProfilePictureURL: user.ProfilePictureURL,
	}
}
