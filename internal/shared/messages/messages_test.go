package messages

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	m, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), m)
}

func TestLoad_OverridesOnlyProvidedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sync_failed":{"title":"Sync failed"}}`), 0o600))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Sync failed", m.SyncFailed.Title)
	assert.Equal(t, Defaults().SyncFailed.Body, m.SyncFailed.Body)
	assert.Equal(t, Defaults().ConsentExpired, m.ConsentExpired)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	title, body := MessageText{Title: "T", Body: "connection %s"}.Render("abc")
	assert.Equal(t, "T", title)
	assert.Equal(t, "connection abc", body)
}
