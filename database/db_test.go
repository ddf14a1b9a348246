package database

import (
	"testing"

	"chain-voting-backend/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	cfg := config.DatabaseConfig{
		Driver:   "mysql",
		User:     "u",
		Password: "p",
		Host:     "db",
		Port:     "3307",
		Name:     "votes",
	}
	assert.Equal(t, "u:p@tcp(db:3307)/votes?charset=utf8mb4&parseTime=True&loc=Local", DSN(cfg))

	cfg.DSN = "custom"
	assert.Equal(t, "custom", DSN(cfg))

	assert.Equal(t, "file:voting.db?cache=shared", DSN(config.DatabaseConfig{Driver: "sqlite"}))
}

func TestOpen_SQLite(t *testing.T) {
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", DSN: "file::memory:"})
	require.NoError(t, err)
	defer Close(db)

	var one int
	require.NoError(t, db.Raw("SELECT 1").Scan(&one).Error)
	assert.Equal(t, 1, one)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}
