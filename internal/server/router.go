package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/campus/userservice/internal/accounts"
	"github.com/MarcoPoloResearchLab/campus/userservice/internal/auth"
	"github.com/MarcoPoloResearchLab/campus/userservice/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/campus/userservice/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	principalContextKey   = "userservice_principal"
	defaultFrontendOrigin = "http://localhost:5173"
)

var (
	errMissingAccounts = errors.New("accounts service dependency required")
	errMissingSessions = errors.New("session cookie dependency required")
)

// AccountService is the workflow surface the HTTP layer drives.
type AccountService interface {
	Register(ctx context.Context, input accounts.RegisterInput) (users.User, error)
	Login(ctx context.Context, input accounts.LoginInput, meta accounts.RequestMeta) (accounts.LoginResult, error)
	Logout(ctx context.Context, principal auth.Principal) error
	Authenticate(ctx context.Context, token string, client auth.ClientInfo) (auth.Principal, error)
	GoogleAuthorizationURL() (string, error)
	CompleteGoogleLogin(ctx context.Context, code string, meta accounts.RequestMeta) (accounts.LoginResult, error)
	GetProfile(ctx context.Context, principal auth.Principal) (accounts.Profile, error)
	UpdateProfile(ctx context.Context, principal auth.Principal, input accounts.ProfileUpdateInput) (accounts.Profile, error)
}

// SessionCookies reads and writes the session cookie.
type SessionCookies interface {
	TokenFromRequest(r *http.Request) string
	WriteCookie(w http.ResponseWriter, issued auth.IssuedSession)
	ClearCookie(w http.ResponseWriter)
}

// RateLimiter decides whether a caller may proceed under a rule.
type RateLimiter interface {
	Allow(ctx context.Context, rule ratelimit.Rule, caller string) (ratelimit.Decision, error)
}

// HealthChecker reports whether the backing store answers.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Dependencies wires the HTTP handler. Limiter and Health are optional.
type Dependencies struct {
	Accounts       AccountService
	Sessions       SessionCookies
	Limiter        RateLimiter
	Health         HealthChecker
	RegisterRule   ratelimit.Rule
	LoginRule      ratelimit.Rule
	FrontendOrigin string
	AllowedOrigins []string
	TrustedProxies []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	frontendOrigin := strings.TrimRight(strings.TrimSpace(deps.FrontendOrigin), "/")
	if frontendOrigin == "" {
		frontendOrigin = defaultFrontendOrigin
	}
	allowedOrigins := deps.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{frontendOrigin}
	}

	registerRule := deps.RegisterRule
	if registerRule.Limit <= 0 {
		registerRule = ratelimit.PerMinute("register", 10)
	}
	loginRule := deps.LoginRule
	if loginRule.Limit <= 0 {
		loginRule = ratelimit.PerMinute("login", 5)
	}

	router := gin.New()
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, err
	}
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(allowedOrigins))
	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"message": "Method not allowed"})
	})
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"message": "Not found"})
	})

	handler := &httpHandler{
		accounts:       deps.Accounts,
		sessions:       deps.Sessions,
		limiter:        deps.Limiter,
		health:         deps.Health,
		frontendOrigin: frontendOrigin,
		logger:         logger,
	}

	router.GET("/healthz", handler.handleHealth)

	authGroup := router.Group("/auth")
	authGroup.POST("/register", handler.limitRate(registerRule), handler.handleRegister)
	authGroup.POST("/login", handler.limitRate(loginRule), handler.handleLogin)
	authGroup.POST("/logout", handler.requireSession, handler.handleLogout)

	oauthGroup := router.Group("/oauth/google")
	oauthGroup.GET("/auth", handler.handleGoogleAuth)
	oauthGroup.GET("/callback", handler.handleGoogleCallback)

	profileGroup := router.Group("/profile")
	profileGroup.Use(handler.requireSession)
	profileGroup.GET("/me", handler.handleGetProfile)
	profileGroup.PUT("/me", handler.handleUpdateProfile)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	accounts       AccountService
	sessions       SessionCookies
	limiter        RateLimiter
	health         HealthChecker
	frontendOrigin string
	logger         *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.health != nil {
		if err := h.health.Ping(c.Request.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var input accounts.RegisterInput
	if !h.bindJSON(c, &input) {
		return
	}
	if _, err := h.accounts.Register(c.Request.Context(), input); err != nil {
		writeAccountError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "User registered successfully."})
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var input accounts.LoginInput
	if !h.bindJSON(c, &input) {
		return
	}
	result, err := h.accounts.Login(c.Request.Context(), input, h.requestMeta(c))
	if err != nil {
		writeAccountError(c, err)
		return
	}
	h.sessions.WriteCookie(c.Writer, result.Session)
	c.JSON(http.StatusOK, gin.H{"message": "Login successful."})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		writeAccountError(c, accounts.ErrUnauthenticated)
		return
	}
	err := h.accounts.Logout(c.Request.Context(), principal)
	h.sessions.ClearCookie(c.Writer)
	if err != nil {
		writeAccountError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logout successful."})
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	location, err := h.accounts.GoogleAuthorizationURL()
	if err != nil {
		writeOAuthError(c, err)
		return
	}
	c.Redirect(http.StatusFound, location)
}

func (h *httpHandler) handleGoogleCallback(c *gin.Context) {
	result, err := h.accounts.CompleteGoogleLogin(c.Request.Context(), c.Query("code"), h.requestMeta(c))
	if err != nil {
		writeOAuthError(c, err)
		return
	}
	h.sessions.WriteCookie(c.Writer, result.Session)
	c.Redirect(http.StatusFound, h.frontendOrigin+"/"+string(result.User.Role)+"/dashboard")
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		writeAccountError(c, accounts.ErrUnauthenticated)
		return
	}
	profile, err := h.accounts.GetProfile(c.Request.Context(), principal)
	if err != nil {
		writeAccountError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		writeAccountError(c, accounts.ErrUnauthenticated)
		return
	}
	var input accounts.ProfileUpdateInput
	if !h.bindJSON(c, &input) {
		return
	}
	if _, err := h.accounts.UpdateProfile(c.Request.Context(), principal, input); err != nil {
		writeAccountError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Profile updated."})
}

// requireSession resolves the session cookie to a principal or aborts with 401.
func (h *httpHandler) requireSession(c *gin.Context) {
	token := h.sessions.TokenFromRequest(c.Request)
	principal, err := h.accounts.Authenticate(c.Request.Context(), token, clientInfo(c))
	if err != nil {
		if token != "" {
			h.logger.Info("session rejected", zap.Error(err))
			h.sessions.ClearCookie(c.Writer)
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": messageUnauthenticated})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

// limitRate enforces rule per client IP. The request proceeds when the
// limiter cannot be reached.
func (h *httpHandler) limitRate(rule ratelimit.Rule) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.limiter == nil {
			c.Next()
			return
		}
		decision, err := h.limiter.Allow(c.Request.Context(), rule, c.ClientIP())
		if err != nil {
			h.logger.Warn("rate limiter unavailable", zap.String("rule", rule.Name), zap.Error(err))
			c.Next()
			return
		}
		if !decision.Allowed {
			seconds := int(decision.RetryAfter.Round(time.Second) / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"message": "Too many requests."})
			return
		}
		c.Next()
	}
}

// bindJSON decodes the request body into target. An empty body decodes to
// the zero value so validation can report the missing fields.
func (h *httpHandler) bindJSON(c *gin.Context, target interface{}) bool {
	if err := c.ShouldBindJSON(target); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Debug("malformed request body", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{
			"message": messageValidationFailed,
			"errors":  gin.H{"body": []string{"Request body must be a JSON object."}},
		})
		return false
	}
	return true
}

func (h *httpHandler) requestMeta(c *gin.Context) accounts.RequestMeta {
	return accounts.RequestMeta{
		Client:       clientInfo(c),
		SessionToken: h.sessions.TokenFromRequest(c.Request),
	}
}

func clientInfo(c *gin.Context) auth.ClientInfo {
	return auth.ClientInfo{IP: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}

func principalFromContext(c *gin.Context) (auth.Principal, bool) {
	value, exists := c.Get(principalContextKey)
	if !exists {
		return auth.Principal{}, false
	}
	principal, ok := value.(auth.Principal)
	return principal, ok && principal.UserID != ""
}
