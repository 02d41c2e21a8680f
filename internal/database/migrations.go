package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/campus/userservice/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeUserEmails  = "2025-03-01_normalize_user_emails"
	migrationPurgeRevokedSessions = "2025-03-01_purge_revoked_sessions"
)

// ErrEmailCollision reports legacy rows whose emails differ only by case or
// surrounding whitespace. They must be merged or removed by hand before the
// normalization migration can run.
var ErrEmailCollision = errors.New("database: legacy emails collide after normalization")

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, *zap.Logger) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	migrations := []migrationDefinition{
		{name: migrationNormalizeUserEmails, apply: normalizeUserEmails},
		{name: migrationPurgeRevokedSessions, apply: purgeRevokedSessions},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx, logger); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

type emailCollision struct {
	Normalized string `gorm:"column:normalized"`
	Total      int64  `gorm:"column:total"`
}

// normalizeUserEmails lowercases emails written before lookups became
// case-insensitive. Rows that would collide on the unique email index are
// logged and the migration is refused.
func normalizeUserEmails(db *gorm.DB, logger *zap.Logger) error {
	var collisions []emailCollision
	err := db.Model(&users.User{}).
		Select("LOWER(TRIM(email)) AS normalized, COUNT(*) AS total").
		Group("LOWER(TRIM(email))").
		Having("COUNT(*) > 1").
		Scan(&collisions).Error
	if err != nil {
		return err
	}
	for _, collision := range collisions {
		var userIDs []string
		if err := db.Model(&users.User{}).Where("LOWER(TRIM(email)) = ?", collision.Normalized).Pluck("user_id", &userIDs).Error; err != nil {
			return err
		}
		logger.Error("legacy email collision",
			zap.String("email", collision.Normalized),
			zap.Strings("user_ids", userIDs))
	}
	if len(collisions) > 0 {
		return fmt.Errorf("%w: %d addresses", ErrEmailCollision, len(collisions))
	}

	return db.Model(&users.User{}).
		Where("email <> LOWER(TRIM(email))").
		Update("email", gorm.Expr("LOWER(TRIM(email))")).Error
}

func purgeRevokedSessions(db *gorm.DB, _ *zap.Logger) error {
	return db.Exec("DELETE FROM user_sessions WHERE revoked_at IS NOT NULL").Error
}
