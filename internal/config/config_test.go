package config

import (
	"testing"

	"github.com/fieldline/coordinator/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Auth.JWTSecret = "test-secret"
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Len(t, cfg.Sequencer.Counters, 4)
	assert.Equal(t, model.VersionRange{Min: 1, Max: 2}, cfg.Compat.VersionRange())
}

func TestValidate_RequiresJWTSecret(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestValidate_RequiresCounters(t *testing.T) {
	cfg := validConfig()
	cfg.Sequencer.Counters = nil
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "counters")
}

func TestValidate_RejectsIncompleteCounterSpec(t *testing.T) {
	cfg := validConfig()
	cfg.Sequencer.Counters = []model.CounterSpec{
		{Collection: "jobs", Scope: "job"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "require collection, scope and name")
}

func TestValidate_RejectsDuplicateCounterCollection(t *testing.T) {
	cfg := validConfig()
	cfg.Sequencer.Counters = []model.CounterSpec{
		{Collection: "jobs", Scope: "job", Name: "number"},
		{Collection: "jobs", Scope: "job", Name: "ordinal"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "twice")
}

func TestValidate_RejectsBadCompatRange(t *testing.T) {
	cfg := validConfig()
	cfg.Compat.MinSchemaVersion = 3
	cfg.Compat.MaxSchemaVersion = 2
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_schema_version")

	cfg = validConfig()
	cfg.Compat.MinSchemaVersion = 0
	assert.Error(t, cfg.Validate())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("AUTH_JWT_SECRET", "env-secret")
	t.Setenv("DATABASE_HOST", "db.internal")
	t.Setenv("COMPAT_MAX_SCHEMA_VERSION", "3")

	cfg := DefaultConfig()
	applyEnvironmentOverrides(cfg)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 3, cfg.Compat.MaxSchemaVersion)
}

func TestConnString(t *testing.T) {
	db := DatabaseConfig{
		Host: "localhost", Port: 5432,
		Database: "coordinator", User: "app", Password: "pw",
	}
	assert.Equal(t, "postgres://app:pw@localhost:5432/coordinator", db.ConnString())

	r := RedisConfig{Host: "localhost", Port: 6379}
	assert.Equal(t, "localhost:6379", r.Addr())
}
