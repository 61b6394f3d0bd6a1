package database

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	dir := t.TempDir()
	db, err := New(dir)
	require.NoError(t, err)
	return db
}

func TestNewCreatesDataDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	db, err := New(dir)
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.Empty(t, db.ListNamespaces())
}

func TestSetGetItemRoundTrips(t *testing.T) {
	db := newTestDatabase(t)
	require.NoError(t, db.SetItem("history", "total_prints", 3.0))

	v, ok := db.GetItem("history", "total_prints")
	require.True(t, ok)
	assert.Equal(t, 3.0, v)
}

func TestGetItemMissingNamespaceOrKey(t *testing.T) {
	db := newTestDatabase(t)
	_, ok := db.GetItem("nonexistent", "key")
	assert.False(t, ok)

	require.NoError(t, db.SetItem("history", "a", 1.0))
	_, ok = db.GetItem("history", "b")
	assert.False(t, ok)
}

func TestSetItemDotNotationCreatesNestedMaps(t *testing.T) {
	db := newTestDatabase(t)
	require.NoError(t, db.SetItem("history", "printer.id", "abc123"))

	v, ok := db.GetItem("history", "printer.id")
	require.True(t, ok)
	assert.Equal(t, "abc123", v)

	ns, ok := db.GetNamespace("history")
	require.True(t, ok)
	nested, ok := ns["printer"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "abc123", nested["id"])
}

func TestDeleteItemRemovesNestedKey(t *testing.T) {
	db := newTestDatabase(t)
	require.NoError(t, db.SetItem("history", "printer.id", "abc123"))
	require.NoError(t, db.DeleteItem("history", "printer.id"))

	_, ok := db.GetItem("history", "printer.id")
	assert.False(t, ok)
}

func TestGetNamespaceReturnsCopyNotReference(t *testing.T) {
	db := newTestDatabase(t)
	require.NoError(t, db.SetItem("history", "a", 1.0))

	ns, ok := db.GetNamespace("history")
	require.True(t, ok)
	ns["a"] = 999.0

	v, _ := db.GetItem("history", "a")
	assert.Equal(t, 1.0, v)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db1, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, db1.SetItem("history", "count", 7.0))

	db2, err := New(dir)
	require.NoError(t, err)
	v, ok := db2.GetItem("history", "count")
	require.True(t, ok)
	assert.Equal(t, 7.0, v)
}

func TestPlannerFedThresholdMillisRoundTrips(t *testing.T) {
	db := newTestDatabase(t)
	_, ok := db.PlannerFedThresholdMillis()
	assert.False(t, ok)

	require.NoError(t, db.SetPlannerFedThresholdMillis(123.5))
	v, ok := db.PlannerFedThresholdMillis()
	require.True(t, ok)
	assert.Equal(t, 123.5, v)
}

func TestAcknowledgedLCDErrorsAccumulate(t *testing.T) {
	db := newTestDatabase(t)
	assert.Empty(t, db.AcknowledgedLCDErrors())

	require.NoError(t, db.AcknowledgeLCDError("MINTEMP"))
	require.NoError(t, db.AcknowledgeLCDError("MAXTEMP"))

	got := db.AcknowledgedLCDErrors()
	assert.Equal(t, []string{"MINTEMP", "MAXTEMP"}, got)
}

func TestAcknowledgeLCDErrorIsIdempotent(t *testing.T) {
	db := newTestDatabase(t)
	require.NoError(t, db.AcknowledgeLCDError("MINTEMP"))
	require.NoError(t, db.AcknowledgeLCDError("MINTEMP"))

	assert.Equal(t, []string{"MINTEMP"}, db.AcknowledgedLCDErrors())
}

func TestStoreFileIsASingleEnvelope(t *testing.T) {
	dir := t.TempDir()
	db, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, db.SetItem("history", "a", 1.0))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "database.json", entries[0].Name())

	raw, err := os.ReadFile(filepath.Join(dir, "database.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"version": 1`)
}
