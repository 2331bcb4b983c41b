package database

import (
	"strings"
	"time"

	"chiffrage-backend/internal/domain"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const sqlitePrefix = "sqlite:"

// zerologWriter routes GORM's logger output into the global zerolog logger.
type zerologWriter struct{}

func (zerologWriter) Printf(format string, args ...interface{}) {
	log.Warn().Str("component", "gorm").Msgf(format, args...)
}

// newLogger reports slow queries and SQL errors. A missing row is an expected
// outcome of lookups and is not logged.
func newLogger() logger.Interface {
	return logger.New(zerologWriter{}, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// Open opens a GORM DB from DSN. A "sqlite:<path>" DSN opens a local SQLite file
// (pure Go driver) for development; anything else is handed to the Postgres driver.
// PreferSimpleProtocol disables prepared statement caching to avoid 42P05
// ("prepared statement already exists") behind connection poolers (PgBouncer and friends).
func Open(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: newLogger()}
	if strings.HasPrefix(dsn, sqlitePrefix) {
		db, err := gorm.Open(sqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix)), cfg)
		if err != nil {
			return nil, err
		}
		// SQLite has a single writer; one connection keeps transactions from
		// failing with SQLITE_BUSY instead of queueing.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	}
	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), cfg)
}

// AutoMigrate creates or updates the estimate schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

// Models lists every table of the estimate schema, parents first.
func Models() []interface{} {
	return []interface{}{
		&domain.Client{},
		&domain.Project{},
		&domain.LotCatalog{},
		&domain.LotPerProject{},
		&domain.Ouvrage{},
		&domain.Bloc{},
		&domain.StructureLink{},
		&domain.Article{},
		&domain.StructureEvent{},
	}
}

// IsPostgres reports whether db talks to PostgreSQL. Advisory and row locks are only
// issued there.
func IsPostgres(db *gorm.DB) bool {
	return db != nil && db.Dialector != nil && db.Dialector.Name() == "postgres"
}
