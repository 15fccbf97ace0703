package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://keeper:pw@db:5432/markets?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "markets", User: "keeper", Password: "pw"}))
	assert.Equal(t, "postgres://u:p@h:6543/d?sslmode=require",
		DSN(ClientConfig{Host: "h", Port: 6543, Database: "d", User: "u", Password: "p", SSLMode: "require"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}

func TestMigrationsEmbedded(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/001_init.sql")
	assert.NoError(t, err)
	assert.Contains(t, string(data), "UNIQUE (asset, timeframe, expiry_at)")
	assert.Contains(t, string(data), "position_id     TEXT NOT NULL UNIQUE")
}

func TestDSNEscapesCredentials(t *testing.T) {
	dsn := DSN(ClientConfig{Host: "db", Database: "keeper", User: "ops", Password: "p@ss/w:rd"})
	assert.Equal(t, "postgres://ops:p%40ss%2Fw%3Ard@db:5432/keeper?sslmode=disable", dsn)
}

func TestMigrationNamesSorted(t *testing.T) {
	names, err := migrationNames()
	assert.NoError(t, err)
	assert.Equal(t, []string{"001_init.sql"}, names)
}
