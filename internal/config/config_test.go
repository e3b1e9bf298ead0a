package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresDSN(t *testing.T) {
	_, err := Load("", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn")
}

func TestLoad_EnvOverlay(t *testing.T) {
	t.Setenv("PY_LOAD_EUDRAVIGILANCE_DATABASE__DSN", "postgres://localhost/icsr")
	t.Setenv("PY_LOAD_EUDRAVIGILANCE_SCHEMA_TYPE", "audit")

	s, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/icsr", s.Database.DSN)
	assert.Equal(t, SchemaAudit, s.SchemaType)
}

func TestLoad_RejectsUnknownSchemaType(t *testing.T) {
	t.Setenv("PY_LOAD_EUDRAVIGILANCE_DATABASE__DSN", "postgres://localhost/icsr")
	t.Setenv("PY_LOAD_EUDRAVIGILANCE_SCHEMA_TYPE", "bogus")

	_, err := Load("", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema_type")
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PY_LOAD_EUDRAVIGILANCE_DATABASE__DSN", "postgres://localhost/icsr")

	s, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, SchemaNormalized, s.SchemaType)
	assert.Equal(t, "info", s.Log.Level)
	assert.Equal(t, "json", s.Log.Format)
}
