package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MarcoPoloResearchLab/campus/userservice/internal/auth"
	"github.com/MarcoPoloResearchLab/campus/userservice/internal/config"
	"github.com/MarcoPoloResearchLab/campus/userservice/internal/database"
	"github.com/MarcoPoloResearchLab/campus/userservice/internal/logging"
	"github.com/MarcoPoloResearchLab/campus/userservice/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var errMissingEmail = errors.New("--email is required")

// accountAdmin performs operator actions on accounts addressed by email.
type accountAdmin struct {
	store    *users.Store
	sessions *auth.SessionManager
	logger   *zap.Logger
}

func newUsersCommand() *cobra.Command {
	usersCmd := &cobra.Command{
		Use:   "users",
		Short: "Administer user accounts",
	}
	usersCmd.AddCommand(
		newUserActionCommand("deactivate", "Deactivate an account and end its sessions", (*accountAdmin).deactivate),
		newUserActionCommand("activate", "Reactivate a deactivated account", (*accountAdmin).activate),
		newUserActionCommand("delete", "Delete an account and its staff or student record", (*accountAdmin).remove),
	)
	return usersCmd
}

func newUserActionCommand(name, short string, action func(*accountAdmin, context.Context, string, io.Writer) error) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(email) == "" {
				return errMissingEmail
			}
			return withAccountAdmin(func(admin *accountAdmin) error {
				return action(admin, cmd.Context(), email, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address of the account")
	return cmd
}

func withAccountAdmin(fn func(*accountAdmin) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabaseURL, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := users.NewStore(users.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionManager(auth.SessionManagerConfig{
		Database:      db,
		SigningSecret: []byte(appConfig.SecretKey),
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	return fn(&accountAdmin{store: store, sessions: sessions, logger: logger})
}

func (a *accountAdmin) deactivate(ctx context.Context, email string, out io.Writer) error {
	user, err := a.lookup(ctx, email)
	if err != nil {
		return err
	}
	if err := a.store.SetActive(ctx, user.UserID, false); err != nil {
		return err
	}
	revoked, err := a.sessions.RevokeAllForUser(ctx, user.UserID)
	if err != nil {
		return err
	}
	a.logger.Info("account deactivated", zap.String("user_id", user.UserID), zap.Int64("revoked_sessions", revoked))
	_, err = fmt.Fprintf(out, "deactivated %s (%d sessions revoked)\n", user.Email, revoked)
	return err
}

func (a *accountAdmin) activate(ctx context.Context, email string, out io.Writer) error {
	user, err := a.lookup(ctx, email)
	if err != nil {
		return err
	}
	if err := a.store.SetActive(ctx, user.UserID, true); err != nil {
		return err
	}
	a.logger.Info("account activated", zap.String("user_id", user.UserID))
	_, err = fmt.Fprintf(out, "activated %s\n", user.Email)
	return err
}

func (a *accountAdmin) remove(ctx context.Context, email string, out io.Writer) error {
	user, err := a.lookup(ctx, email)
	if err != nil {
		return err
	}
	if _, err := a.sessions.RevokeAllForUser(ctx, user.UserID); err != nil {
		return err
	}
	if err := a.store.DeleteUser(ctx, user.UserID); err != nil {
		return err
	}
	a.logger.Info("account deleted", zap.String("user_id", user.UserID))
	_, err = fmt.Fprintf(out, "deleted %s\n", user.Email)
	return err
}

func (a *accountAdmin) lookup(ctx context.Context, email string) (users.User, error) {
	user, err := a.store.FindByEmail(ctx, users.NormalizeEmail(email))
	if errors.Is(err, users.ErrNotFound) {
		return users.User{}, fmt.Errorf("no account with email %q", email)
	}
	return user, err
}
