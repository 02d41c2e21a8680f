package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates no user matched the lookup.
	ErrNotFound = errors.New("users: not found")
	// ErrInvalidRole indicates a role outside student, staff, admin.
	ErrInvalidRole = errors.New("users: invalid role")
	// ErrDuplicateEmail indicates the email unique index rejected the write.
	ErrDuplicateEmail = errors.New("users: email already registered")
	// ErrDuplicateUsername indicates the username unique index rejected the write.
	ErrDuplicateUsername = errors.New("users: username already taken")
	// ErrDuplicateSocialIdentity indicates the social_provider_id unique index rejected the write.
	ErrDuplicateSocialIdentity = errors.New("users: social identity already linked")
	// ErrUniqueViolation is returned for unique violations on an unrecognised index.
	ErrUniqueViolation = errors.New("users: unique constraint violated")
	// ErrInactive indicates the resolved account is deactivated. The row is left unchanged.
	ErrInactive = errors.New("users: account deactivated")
	// ErrInvalidIdentity indicates the federated identity did not carry a usable subject or email.
	ErrInvalidIdentity = errors.New("users: invalid identity")

	errMissingDatabase = errors.New("users: database connection required")
)

// StoreConfig describes the dependencies of the credential store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store owns persistence and uniqueness enforcement for users.
type Store struct {
	db     *gorm.DB
	now    func() time.Time
	ids    IDProvider
	logger *zap.Logger
}

// NewStore constructs the credential store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     cfg.Database,
		now:    clock,
		ids:    ids,
		logger: logger,
	}, nil
}

// NewUser carries the attributes of a row about to be created.
type NewUser struct {
	Email             string
	Username          string
	PasswordHash      string
	Name              string
	Surname           string
	Role              Role
	ConsentGiven      bool
	SocialProvider    string
	SocialProviderID  string
	ProfilePictureURL string
}

// ProfilePatch lists profile attributes to change. Nil fields are left untouched.
type ProfilePatch struct {
	Name     *string
	Surname  *string
	Username *string
}

// FederatedIdentity is the verified identity asserted by an external provider.
type FederatedIdentity struct {
	Provider   string
	Subject    string
	Email      string
	GivenName  string
	FamilyName string
	PictureURL string
}

// ResolutionOutcome describes how a federated identity was mapped to a row.
type ResolutionOutcome string

const (
	ResolutionMatchedSocial ResolutionOutcome = "matched_social"
	ResolutionLinkedEmail   ResolutionOutcome = "linked_email"
	ResolutionCreated       ResolutionOutcome = "created"
)

// FederatedResolution is the result of ResolveFederated. ReplacedSubject holds
// the social subject that an email match overwrote, if any.
type FederatedResolution struct {
	User            User
	Outcome         ResolutionOutcome
	ReplacedSubject string
}

// FindByID returns the user with the given surrogate id.
func (s *Store) FindByID(ctx context.Context, userID string) (User, error) {
	return s.findOne(ctx, "user_id = ?", strings.TrimSpace(userID))
}

// FindByEmail returns the user whose normalized email matches.
func (s *Store) FindByEmail(ctx context.Context, email string) (User, error) {
	return s.findOne(ctx, "email = ?", NormalizeEmail(email))
}

// FindByUsername returns the user holding the username.
func (s *Store) FindByUsername(ctx context.Context, username string) (User, error) {
	return s.findOne(ctx, "username = ?", strings.TrimSpace(username))
}

// FindBySocialID returns the user linked to the provider subject.
func (s *Store) FindBySocialID(ctx context.Context, subject string) (User, error) {
	return s.findOne(ctx, "social_provider_id = ?", strings.TrimSpace(subject))
}

func (s *Store) findOne(ctx context.Context, query string, value string) (User, error) {
	if value == "" {
		return User{}, ErrNotFound
	}
	var user User
	err := s.db.WithContext(ctx).Where(query, value).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// CreateUser inserts a new row inside a transaction. Unique index violations
// surface as ErrDuplicateEmail, ErrDuplicateUsername or ErrDuplicateSocialIdentity.
func (s *Store) CreateUser(ctx context.Context, input NewUser) (User, error) {
	var created User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.buildUser(input)
		if err != nil {
			return err
		}
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		created = user
		return nil
	})
	if err != nil {
		return User{}, translateWriteError(err)
	}
	return created, nil
}

func (s *Store) buildUser(input NewUser) (User, error) {
	if !input.Role.Valid() {
		return User{}, fmt.Errorf("%w: %q", ErrInvalidRole, input.Role)
	}
	email := NormalizeEmail(input.Email)
	if email == "" {
		return User{}, fmt.Errorf("users: email required")
	}
	userID, err := s.ids.NewID()
	if err != nil {
		return User{}, err
	}
	now := s.now().UTC()
	return User{
		UserID:            userID,
		Email:             email,
		Username:          stringPointer(input.Username),
		PasswordHash:      stringPointer(input.PasswordHash),
		Name:              strings.TrimSpace(input.Name),
		Surname:           strings.TrimSpace(input.Surname),
		SocialProvider:    stringPointer(input.SocialProvider),
		SocialProviderID:  stringPointer(input.SocialProviderID),
		ProfilePictureURL: stringPointer(input.ProfilePictureURL),
		Role:              input.Role,
		IsActive:          true,
		ConsentGiven:      input.ConsentGiven,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// RecordLogin stamps last_login with the supplied instant.
func (s *Store) RecordLogin(ctx context.Context, userID string, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ?", userID).
		Update("last_login", at.UTC())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProfile merges the patch into the row and returns the updated user.
func (s *Store) UpdateProfile(ctx context.Context, userID string, patch ProfilePatch) (User, error) {
	var updated User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{}
		if patch.Name != nil {
			updates["name"] = strings.TrimSpace(*patch.Name)
		}
		if patch.Surname != nil {
			updates["surname"] = strings.TrimSpace(*patch.Surname)
		}
		if patch.Username != nil {
			updates["username"] = stringPointer(*patch.Username)
		}
		if len(updates) > 0 {
			updates["updated_at"] = s.now().UTC()
			result := tx.Model(&User{}).Where("user_id = ?", userID).Updates(updates)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return ErrNotFound
			}
		}
		err := tx.Where("user_id = ?", userID).Take(&updated).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return User{}, translateWriteError(err)
	}
	return updated, nil
}

// ResolveFederated maps a verified external identity to a row: first by
// social subject, then by email (linking the identity), otherwise by creating
// a student account. last_login is stamped in the same transaction. A
// deactivated match returns ErrInactive and nothing is written.
func (s *Store) ResolveFederated(ctx context.Context, identity FederatedIdentity) (FederatedResolution, error) {
	subject := strings.TrimSpace(identity.Subject)
	email := NormalizeEmail(identity.Email)
	provider := strings.TrimSpace(identity.Provider)
	if subject == "" || email == "" || provider == "" {
		return FederatedResolution{}, ErrInvalidIdentity
	}

	var resolution FederatedResolution
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()

		var user User
		err := tx.Where("social_provider_id = ?", subject).Take(&user).Error
		switch {
		case err == nil:
			if !user.IsActive {
				return ErrInactive
			}
			resolution.Outcome = ResolutionMatchedSocial
		case errors.Is(err, gorm.ErrRecordNotFound):
			user, resolution.ReplacedSubject, resolution.Outcome, err = s.linkOrCreate(tx, identity, provider, subject, email, now)
			if err != nil {
				return err
			}
		default:
			return err
		}

		if err := tx.Model(&User{}).Where("user_id = ?", user.UserID).Update("last_login", now).Error; err != nil {
			return err
		}
		user.LastLogin = &now
		resolution.User = user
		return nil
	})
	if err != nil {
		return FederatedResolution{}, translateWriteError(err)
	}

	if resolution.ReplacedSubject != "" {
		s.logger.Warn("federated identity relinked",
			zap.String("user_id", resolution.User.UserID),
			zap.String("previous_subject", resolution.ReplacedSubject))
	}
	s.logger.Debug("federated identity resolved",
		zap.String("user_id", resolution.User.UserID),
		zap.String("outcome", string(resolution.Outcome)))
	return resolution, nil
}

// linkOrCreate returns the resolved row, the subject it replaced (empty when
// none) and the outcome.
func (s *Store) linkOrCreate(tx *gorm.DB, identity FederatedIdentity, provider, subject, email string, now time.Time) (User, string, ResolutionOutcome, error) {
	var user User
	err := tx.Where("email = ?", email).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		created, buildErr := s.buildUser(NewUser{
			Email:             email,
			Name:              identity.GivenName,
			Surname:           identity.FamilyName,
			Role:              RoleStudent,
			SocialProvider:    provider,
			SocialProviderID:  subject,
			ProfilePictureURL: identity.PictureURL,
		})
		if buildErr != nil {
			return User{}, "", "", buildErr
		}
		if err := tx.Create(&created).Error; err != nil {
			return User{}, "", "", err
		}
		return created, "", ResolutionCreated, nil
	}
	if err != nil {
		return User{}, "", "", err
	}

	if !user.IsActive {
		return User{}, "", "", ErrInactive
	}
	// An email match wins over a stale link; the new subject replaces it.
	var replaced string
	if user.SocialProviderID != nil && *user.SocialProviderID != subject {
		replaced = *user.SocialProviderID
	}

	updates := map[string]interface{}{
		"social_provider":    provider,
		"social_provider_id": subject,
		"updated_at":         now,
	}
	user.SocialProvider = &provider
	user.SocialProviderID = &subject
	if user.ProfilePictureURL == nil {
		if picture := stringPointer(identity.PictureURL); picture != nil {
			updates["profile_picture_url"] = *picture
			user.ProfilePictureURL = picture
		}
	}
	if err := tx.Model(&User{}).Where("user_id = ?", user.UserID).Updates(updates).Error; err != nil {
		return User{}, "", "", err
	}
	user.UpdatedAt = now
	return user, replaced, ResolutionLinkedEmail, nil
}

// SetActive toggles the lifecycle flag that gates login.
func (s *Store) SetActive(ctx context.Context, userID string, active bool) error {
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"is_active":  active,
			"updated_at": s.now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser removes the row; staff and student extensions cascade.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	result := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&User{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks that the underlying database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// translateWriteError maps driver-specific unique violations onto store sentinels.
// SQLite reports "UNIQUE constraint failed: users.email", PostgreSQL reports
// `duplicate key value violates unique constraint "idx_users_email"`.
func translateWriteError(err error) error {
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return err
	}
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "social_provider_id"):
		return fmt.Errorf("%w: %v", ErrDuplicateSocialIdentity, err)
	case strings.Contains(message, "username"):
		return fmt.Errorf("%w: %v", ErrDuplicateUsername, err)
	case strings.Contains(message, "email"):
		return fmt.Errorf("%w: %v", ErrDuplicateEmail, err)
	default:
		return fmt.Errorf("%w: %v", ErrUniqueViolation, err)
	}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") ||
		strings.Contains(message, "duplicate key") ||
		strings.Contains(message, "sqlstate 23505")
}
