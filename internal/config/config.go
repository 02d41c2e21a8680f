package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "USERSVC"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseURL       = "userservice.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "user_session"
	defaultSessionTTL        = 12 * time.Hour
	defaultRememberTTL       = 30 * 24 * time.Hour
	defaultGoogleAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultGoogleJWKSURL     = "https://www.googleapis.com/oauth2/v3/certs"
	defaultExchangeTimeout   = 10 * time.Second
	defaultFrontendOrigin    = "http://localhost:5173"
	defaultRegisterPerMinute = 10
	defaultLoginPerMinute    = 5
	defaultSentryEnvironment = "development"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabaseURL    string
	LogLevel       string
	SecretKey      string
	Session        SessionConfig
	Google         GoogleConfig
	FrontendOrigin string
	AllowedOrigins []string
	TrustedProxies []string
	RedisAddress   string
	RateLimit      RateLimitConfig
	Sentry         SentryConfig
}

// SessionConfig controls the session cookie and lifetimes.
type SessionConfig struct {
	CookieName   string
	CookieSecure bool
	TTL          time.Duration
	RememberTTL  time.Duration
}

// GoogleConfig holds the OAuth client registration. Federation is disabled
// when ClientID is empty.
type GoogleConfig struct {
	ClientID        string
	ClientSecret    string
	RedirectURI     string
	AuthURL         string
	TokenURL        string
	JWKSURL         string
	ExchangeTimeout time.Duration
}

// Enabled reports whether a client registration is present.
func (g GoogleConfig) Enabled() bool {
	return strings.TrimSpace(g.ClientID) != ""
}

// RateLimitConfig holds per-minute budgets per client IP. Limiting is
// disabled when no Redis address is configured.
type RateLimitConfig struct {
	RegisterPerMinute int
	LoginPerMinute    int
}

type SentryConfig struct {
	DSN         string
	Environment string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.url", defaultDatabaseURL)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.secret_key", "")
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.cookie_secure", false)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
	configViper.SetDefault("session.remember_ttl", defaultRememberTTL)
	configViper.SetDefault("google.client_id", "")
	configViper.SetDefault("google.client_secret", "")
	configViper.SetDefault("google.redirect_uri", "")
	configViper.SetDefault("google.auth_url", defaultGoogleAuthURL)
	configViper.SetDefault("google.token_url", defaultGoogleTokenURL)
	configViper.SetDefault("google.jwks_url", defaultGoogleJWKSURL)
	configViper.SetDefault("google.exchange_timeout", defaultExchangeTimeout)
	configViper.SetDefault("frontend.origin", defaultFrontendOrigin)
	configViper.SetDefault("cors.allowed_origins", []string{})
	configViper.SetDefault("http.trusted_proxies", []string{})
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("ratelimit.register_per_minute", defaultRegisterPerMinute)
	configViper.SetDefault("ratelimit.login_per_minute", defaultLoginPerMinute)
	configViper.SetDefault("sentry.dsn", "")
	configViper.SetDefault("sentry.environment", defaultSentryEnvironment)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress: configViper.GetString("http.address"),
		DatabaseURL: configViper.GetString("database.url"),
		LogLevel:    configViper.GetString("log.level"),
		SecretKey:   configViper.GetString("auth.secret_key"),
		Session: SessionConfig{
			CookieName:   configViper.GetString("session.cookie_name"),
			CookieSecure: configViper.GetBool("session.cookie_secure"),
			TTL:          configViper.GetDuration("session.ttl"),
			RememberTTL:  configViper.GetDuration("session.remember_ttl"),
		},
		Google: GoogleConfig{
			ClientID:        strings.TrimSpace(configViper.GetString("google.client_id")),
			ClientSecret:    configViper.GetString("google.client_secret"),
			RedirectURI:     strings.TrimSpace(configViper.GetString("google.redirect_uri")),
			AuthURL:         configViper.GetString("google.auth_url"),
			TokenURL:        configViper.GetString("google.token_url"),
			JWKSURL:         configViper.GetString("google.jwks_url"),
			ExchangeTimeout: configViper.GetDuration("google.exchange_timeout"),
		},
		FrontendOrigin: strings.TrimRight(strings.TrimSpace(configViper.GetString("frontend.origin")), "/"),
		AllowedOrigins: splitList(configViper.GetStringSlice("cors.allowed_origins")),
		TrustedProxies: splitList(configViper.GetStringSlice("http.trusted_proxies")),
		RedisAddress:   strings.TrimSpace(configViper.GetString("redis.address")),
		RateLimit: RateLimitConfig{
			RegisterPerMinute: configViper.GetInt("ratelimit.register_per_minute"),
			LoginPerMinute:    configViper.GetInt("ratelimit.login_per_minute"),
		},
		Sentry: SentryConfig{
			DSN:         strings.TrimSpace(configViper.GetString("sentry.dsn")),
			Environment: configViper.GetString("sentry.environment"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SecretKey) == "" {
		return fmt.Errorf("auth.secret_key is required")
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("database.url is required")
	}
	if strings.TrimSpace(c.Session.CookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.Session.TTL <= 0 || c.Session.RememberTTL <= 0 {
		return fmt.Errorf("session.ttl and session.remember_ttl must be positive")
	}
	if c.FrontendOrigin == "" {
		return fmt.Errorf("frontend.origin is required")
	}
	if c.RateLimit.RegisterPerMinute <= 0 || c.RateLimit.LoginPerMinute <= 0 {
		return fmt.Errorf("ratelimit budgets must be positive")
	}
	return nil
}

// splitList flattens comma separated entries, which is how lists arrive from
// environment variables.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
