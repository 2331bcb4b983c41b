package database

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"chiffrage-backend/internal/domain"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestOpen_SQLiteAndMigrate(t *testing.T) {
	dsn := "sqlite:" + filepath.Join(t.TempDir(), "estimate.db")
	db, err := Open(dsn)
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))

	assert.False(t, IsPostgres(db))
	for _, m := range Models() {
		assert.True(t, db.Migrator().HasTable(m))
	}

	require.NoError(t, db.Create(&domain.Project{Name: "Maison A"}).Error)
	var count int64
	require.NoError(t, db.Model(&domain.Project{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func TestOpen_LoggerSkipsMissingRows(t *testing.T) {
	db, err := Open("sqlite::memory:")
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	buf := captureLog(t)

	var p domain.Project
	err = db.Where("id = ?", 999).First(&p).Error
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))
	assert.Empty(t, buf.String())

	require.Error(t, db.Exec("SELECT * FROM no_such_table").Error)
	assert.Contains(t, buf.String(), "no_such_table")
	assert.Contains(t, buf.String(), `"component":"gorm"`)
}
