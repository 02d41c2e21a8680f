package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/campus/userservice/internal/accounts"
	"github.com/MarcoPoloResearchLab/campus/userservice/internal/auth"
	"github.com/MarcoPoloResearchLab/campus/userservice/internal/config"
	"github.com/MarcoPoloResearchLab/campus/userservice/internal/database"
	"github.com/MarcoPoloResearchLab/campus/userservice/internal/logging"
	"github.com/MarcoPoloResearchLab/campus/userservice/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/campus/userservice/internal/server"
	"github.com/MarcoPoloResearchLab/campus/userservice/internal/users"
	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	sentryFlushTimeout = 2 * time.Second
	shutdownTimeout    = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "user-api",
		Short: "Campus user identity service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newUsersCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-url", defaults.GetString("database.url"), "SQLite path or postgres:// URL")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("secret-key", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	cmd.PersistentFlags().String("google-redirect-uri", defaults.GetString("google.redirect_uri"), "Google OAuth redirect URI")
	cmd.PersistentFlags().String("frontend-origin", defaults.GetString("frontend.origin"), "Front-end origin for redirects and CORS")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for rate limiting (empty disables it)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.url", "database-url")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.secret_key", "secret-key")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.redirect_uri", "google-redirect-uri")
	bindFlag(cmd, "frontend.origin", "frontend-origin")
	bindFlag(cmd, "redis.address", "redis-address")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// newObservedLogger builds the process logger, forwarding errors to Sentry
// when a DSN is configured. The returned func flushes both.
func newObservedLogger(appConfig config.AppConfig) (*zap.Logger, func(), error) {
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	if appConfig.Sentry.DSN == "" {
		return logger, func() { _ = logger.Sync() }, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         appConfig.Sentry.DSN,
		Environment: appConfig.Sentry.Environment,
	}); err != nil {
		logger.Warn("sentry init failed", zap.Error(err))
		return logger, func() { _ = logger.Sync() }, nil
	}
	logger = logging.WithSentry(logger, sentry.CurrentHub())
	return logger, func() {
		_ = logger.Sync()
		sentry.Flush(sentryFlushTimeout)
	}, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, flush, err := newObservedLogger(appConfig)
	if err != nil {
		return err
	}
	defer flush()

	db, err := database.Open(appConfig.DatabaseURL, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := users.NewStore(users.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: users.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sessions, err := auth.NewSessionManager(auth.SessionManagerConfig{
		Database:      db,
		SigningSecret: []byte(appConfig.SecretKey),
		CookieName:    appConfig.Session.CookieName,
		CookieSecure:  appConfig.Session.CookieSecure,
		TTL:           appConfig.Session.TTL,
		RememberTTL:   appConfig.Session.RememberTTL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	hasher, err := auth.NewPasswordHasher(auth.DefaultPasswordHasherConfig())
	if err != nil {
		return err
	}

	serviceConfig := accounts.ServiceConfig{
		Store:    store,
		Sessions: sessions,
		Hasher:   hasher,
		Clock:    time.Now,
		Logger:   logger,
	}
	if appConfig.Google.Enabled() {
		serviceConfig.Google = auth.NewGoogleClient(auth.GoogleClientConfig{
			ClientID:     appConfig.Google.ClientID,
			ClientSecret: appConfig.Google.ClientSecret,
			RedirectURI:  appConfig.Google.RedirectURI,
			AuthURL:      appConfig.Google.AuthURL,
			TokenURL:     appConfig.Google.TokenURL,
			Timeout:      appConfig.Google.ExchangeTimeout,
		})
		verifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
			Audience:       appConfig.Google.ClientID,
			JWKSURL:        appConfig.Google.JWKSURL,
			AllowedIssuers: []string{"https://accounts.google.com", "accounts.google.com"},
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		serviceConfig.GoogleVerifier = verifier
	} else {
		logger.Warn("google federation disabled: google.client_id is not set")
	}

	accountService, err := accounts.NewService(serviceConfig)
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		Accounts:       accountService,
		Sessions:       sessions,
		Health:         store,
		RegisterRule:   ratelimit.PerMinute("register", appConfig.RateLimit.RegisterPerMinute),
		LoginRule:      ratelimit.PerMinute("login", appConfig.RateLimit.LoginPerMinute),
		FrontendOrigin: appConfig.FrontendOrigin,
		AllowedOrigins: appConfig.AllowedOrigins,
		TrustedProxies: appConfig.TrustedProxies,
		Logger:         logger,
	}
	if appConfig.RedisAddress != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		defer redisClient.Close()
		limiter, err := ratelimit.NewLimiter(ratelimit.LimiterConfig{Client: redisClient})
		if err != nil {
			return err
		}
		deps.Limiter = limiter
	} else {
		logger.Warn("rate limiting disabled: redis.address is not set")
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
