package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/campus/userservice/internal/auth"
	"github.com/MarcoPoloResearchLab/campus/userservice/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const sqlitePragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

// Open connects to the database named by url and brings its schema up to
// date. postgres:// and postgresql:// URLs select PostgreSQL; anything else is
// treated as a SQLite path.
func Open(url string, logger *zap.Logger) (*gorm.DB, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("database url is required")
	}

	gormConfig := &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	isPostgres := IsPostgresURL(url)
	var dialector gorm.Dialector
	if isPostgres {
		dialector = postgres.Open(url)
	} else {
		dialector = sqlite.Open(sqliteDSN(url))
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if !isPostgres {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		driver := "sqlite"
		if isPostgres {
			driver = "postgres"
		}
		logger.Info("database initialized", zap.String("driver", driver))
	}

	return db, nil
}

// Migrate creates or updates every table and applies pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	models := append(users.Models(), &auth.Session{}, &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

// IsPostgresURL reports whether url names a PostgreSQL server.
func IsPostgresURL(url string) bool {
	lowered := strings.ToLower(url)
	return strings.HasPrefix(lowered, "postgres://") || strings.HasPrefix(lowered, "postgresql://")
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "_pragma=foreign_keys") {
		return path
	}
	if strings.Contains(path, "?") {
		return path + "&" + sqlitePragmas
	}
	return path + "?" + sqlitePragmas
}
