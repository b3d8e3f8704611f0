package database

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalan294/PEC-MediPlus/pkg/config"
	"github.com/aalan294/PEC-MediPlus/pkg/logger"
)

func TestConnectionString(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "mediplus",
		Password: `it's secret`,
		Name:     "mediplus",
		SSLMode:  "require",
	}

	assert.Equal(t,
		`host='db.internal' port='5432' user='mediplus' password='it\'s secret' dbname='mediplus' sslmode='require' application_name='mediplus-record-store'`,
		connectionString(cfg))
}

func TestConnectionString_SkipsEmpty(t *testing.T) {
	dsn := connectionString(&config.DatabaseConfig{Host: "localhost", Port: 5432, Name: "mediplus"})
	assert.NotContains(t, dsn, "password=")
	assert.NotContains(t, dsn, "sslmode=")
}

func TestCreateSchema(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	db := &DB{DB: sqlDB, logger: logger.NewNop()}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS entities").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_wallet").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS patients").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_patients_name").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, db.CreateSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSchema_StopsOnError(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	db := &DB{DB: sqlDB, logger: logger.NewNop()}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS entities").WillReturnError(errors.New("permission denied"))

	err = db.CreateSchema(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.NoError(t, mock.ExpectationsWereMet())
}
