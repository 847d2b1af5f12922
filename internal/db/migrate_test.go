package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMigrationFiles(t *testing.T) {
	m := NewMigrator(nil)

	files, err := m.getMigrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, files, "embedded migrations must be present")

	// Files apply in lexical order.
	for i := 1; i < len(files); i++ {
		assert.Less(t, files[i-1], files[i])
	}

	assert.Equal(t, "migrations/001_initial_schema.sql", files[0])
}

func TestCalculateChecksum(t *testing.T) {
	m := NewMigrator(nil)

	sum := m.calculateChecksum("CREATE TABLE devices ();")
	assert.Len(t, sum, 64)
	assert.Equal(t, sum, m.calculateChecksum("CREATE TABLE devices ();"))
	assert.NotEqual(t, sum, m.calculateChecksum("CREATE TABLE ports ();"))
}

func TestInitialSchemaContent(t *testing.T) {
	content, err := migrationFiles.ReadFile("migrations/001_initial_schema.sql")
	require.NoError(t, err)

	schema := string(content)
	for _, table := range []string{
		"devices", "scan_tasks", "scan_results", "ports",
		"services", "device_history", "events", "oui_cache",
	} {
		assert.True(t, strings.Contains(schema, "CREATE TABLE "+table),
			"schema must create table %s", table)
	}
}
