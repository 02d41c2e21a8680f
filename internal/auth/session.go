package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultSessionIssuer      = "userservice"
	defaultSessionCookieName  = "user_session"
	defaultSessionTTL         = 12 * time.Hour
	defaultRememberSessionTTL = 30 * 24 * time.Hour
)

var (
	ErrMissingSessionSigningKey   = errors.New("session manager: signing key required")
	ErrMissingSessionDatabase     = errors.New("session manager: database required")
	ErrMissingSessionToken        = errors.New("session manager: token required")
	ErrInvalidSessionToken        = errors.New("session manager: invalid token")
	ErrExpiredSessionToken        = errors.New("session manager: token expired")
	ErrRevokedSession             = errors.New("session manager: session revoked")
	ErrSessionFingerprintMismatch = errors.New("session manager: client fingerprint mismatch")
	ErrMissingSessionSubject      = errors.New("session manager: subject required")
)

// Session is the server-side record behind a session cookie.
type Session struct {
	SessionID   string     `gorm:"column:session_id;primaryKey;size:64;not null"`
	UserID      string     `gorm:"column:user_id;size:64;not null;index:idx_user_sessions_user_id"`
	Fingerprint string     `gorm:"column:fingerprint;size:64;not null"`
	Remember    bool       `gorm:"column:remember;not null"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	ExpiresAt   time.Time  `gorm:"column:expires_at;not null;index:idx_user_sessions_expires_at"`
	RevokedAt   *time.Time `gorm:"column:revoked_at"`
}

// TableName exposes the table backing sessions.
func (Session) TableName() string {
	return "user_sessions"
}

// ClientInfo identifies the caller for session fingerprinting.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// Fingerprint hashes the client attributes a session is bound to.
func (c ClientInfo) Fingerprint() string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(c.IP) + "\x00" + strings.TrimSpace(c.UserAgent)))
	return hex.EncodeToString(sum[:])
}

// Principal is the authenticated user behind a validated session.
type Principal struct {
	UserID    string
	SessionID string
}

// IssuedSession is a freshly minted session and its signed cookie value.
type IssuedSession struct {
	SessionID string
	UserID    string
	Token     string
	Remember  bool
	ExpiresAt time.Time
}

type sessionClaims struct {
	Remember bool `json:"remember,omitempty"`
	jwt.RegisteredClaims
}

// SessionManagerConfig describes how sessions are minted and validated.
type SessionManagerConfig struct {
	Database      *gorm.DB
	SigningSecret []byte
	Issuer        string
	CookieName    string
	CookieSecure  bool
	TTL           time.Duration
	RememberTTL   time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// SessionManager tracks the authenticated principal of a request through a
// signed HS256 cookie backed by a revocable database row.
type SessionManager struct {
	db            *gorm.DB
	signingSecret []byte
	issuer        string
	cookieName    string
	cookieSecure  bool
	ttl           time.Duration
	rememberTTL   time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

// NewSessionManager constructs a manager with the provided configuration.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if cfg.Database == nil {
		return nil, ErrMissingSessionDatabase
	}
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = defaultSessionCookieName
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	rememberTTL := cfg.RememberTTL
	if rememberTTL <= 0 {
		rememberTTL = defaultRememberSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		db:            cfg.Database,
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    cookieName,
		cookieSecure:  cfg.CookieSecure,
		ttl:           ttl,
		rememberTTL:   rememberTTL,
		clock:         clock,
		logger:        logger,
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (m *SessionManager) CookieName() string {
	return m.cookieName
}

// Issue persists a new session for userID and signs its cookie token.
func (m *SessionManager) Issue(ctx context.Context, userID string, remember bool, client ClientInfo) (IssuedSession, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return IssuedSession{}, ErrMissingSessionSubject
	}
	sessionUUID, err := uuid.NewV7()
	if err != nil {
		return IssuedSession{}, err
	}
	sessionID := sessionUUID.String()

	now := m.clock().UTC()
	lifetime := m.ttl
	if remember {
		lifetime = m.rememberTTL
	}
	expiresAt := now.Add(lifetime)

	record := Session{
		SessionID:   sessionID,
		UserID:      userID,
		Fingerprint: client.Fingerprint(),
		Remember:    remember,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	}
	if err := m.db.WithContext(ctx).Create(&record).Error; err != nil {
		return IssuedSession{}, fmt.Errorf("session manager: persist session: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		Remember: remember,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(m.signingSecret)
	if err != nil {
		return IssuedSession{}, err
	}

	return IssuedSession{
		SessionID: sessionID,
		UserID:    userID,
		Token:     signed,
		Remember:  remember,
		ExpiresAt: expiresAt,
	}, nil
}

// Validate checks the token signature, then the server-side record. A session
// presented from a different client fingerprint is revoked on the spot.
func (m *SessionManager) Validate(ctx context.Context, tokenString string, client ClientInfo) (Principal, error) {
	claims, err := m.parseToken(tokenString)
	if err != nil {
		return Principal{}, err
	}

	var record Session
	err = m.db.WithContext(ctx).Where("session_id = ?", claims.ID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Principal{}, ErrRevokedSession
	}
	if err != nil {
		return Principal{}, err
	}
	if record.RevokedAt != nil {
		return Principal{}, ErrRevokedSession
	}
	if record.UserID != claims.Subject {
		return Principal{}, ErrInvalidSessionToken
	}
	if !m.clock().UTC().Before(record.ExpiresAt) {
		return Principal{}, ErrExpiredSessionToken
	}
	if record.Fingerprint != client.Fingerprint() {
		if revokeErr := m.Revoke(ctx, record.SessionID); revokeErr != nil {
			m.logger.Warn("failed to revoke mismatched session",
				zap.String("session_id", record.SessionID),
				zap.Error(revokeErr))
		}
		return Principal{}, ErrSessionFingerprintMismatch
	}

	return Principal{UserID: record.UserID, SessionID: record.SessionID}, nil
}

// SessionIDFromToken returns the session id of a correctly signed token,
// whether or not the session is still live.
func (m *SessionManager) SessionIDFromToken(tokenString string) (string, error) {
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(
		strings.TrimSpace(tokenString),
		claims,
		m.keyFunc,
		jwt.WithIssuer(m.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if claims.ID == "" {
		return "", ErrInvalidSessionToken
	}
	return claims.ID, nil
}

// Revoke marks the session as ended. Revoking an unknown or already revoked
// session is not an error.
func (m *SessionManager) Revoke(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	now := m.clock().UTC()
	return m.db.WithContext(ctx).
		Model(&Session{}).
		Where("session_id = ? AND revoked_at IS NULL", sessionID).
		Update("revoked_at", now).
		Error
}

// RevokeAllForUser ends every live session of userID and returns how many
// were ended.
func (m *SessionManager) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, ErrMissingSessionSubject
	}
	now := m.clock().UTC()
	result := m.db.WithContext(ctx).
		Model(&Session{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", now)
	return result.RowsAffected, result.Error
}

// TokenFromRequest extracts the configured cookie value.
func (m *SessionManager) TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	cookie, err := r.Cookie(m.cookieName)
	if err != nil || cookie == nil {
		return ""
	}
	return cookie.Value
}

// WriteCookie sets the session cookie. Remembered sessions persist across
// browser restarts; others live for the browser session only.
func (m *SessionManager) WriteCookie(w http.ResponseWriter, issued IssuedSession) {
	cookie := &http.Cookie{
		Name:     m.cookieName,
		Value:    issued.Token,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	if issued.Remember {
		cookie.Expires = issued.ExpiresAt
		cookie.MaxAge = int(issued.ExpiresAt.Sub(m.clock().UTC()).Seconds())
	}
	http.SetCookie(w, cookie)
}

// ClearCookie expires the session cookie on the client.
func (m *SessionManager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   m.cookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
}

func (m *SessionManager) parseToken(tokenString string) (*sessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return nil, ErrMissingSessionToken
	}
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		m.keyFunc,
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredSessionToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return nil, ErrInvalidSessionToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.ID) == "" {
		return nil, ErrMissingSessionSubject
	}
	return claims, nil
}

func (m *SessionManager) keyFunc(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
		return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
	}
	return m.signingSecret, nil
}
