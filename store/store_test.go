package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbsentKeyFallsBackToDefault(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "prefs.json"))
	require.NoError(t, err)

	assert.Equal(t, "subprocess", s.Get(KeyExecProvider, "subprocess"))
}

func TestSetPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(KeyModelProvider, "remote"))
	require.NoError(t, s.Set(KeySealedCredential, "c2FsdGl2Y2lwaGVy"))

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, "remote", reopened.Get(KeyModelProvider, "local"))
	assert.Equal(t, "c2FsdGl2Y2lwaGVy", reopened.Get(KeySealedCredential, ""))
}

func TestDeleteRemovesKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.Set(KeyModelProvider, "remote"))
	require.NoError(t, s.Delete(KeyModelProvider))
	assert.Equal(t, "local", s.Get(KeyModelProvider, "local"))

	// Deleting an absent key is a no-op.
	require.NoError(t, s.Delete("never-set"))
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := Open(path)
	assert.Error(t, err)
}

func TestOpenCreatesMissingDirectoryOnFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "prefs.json")
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.Set(KeyExecProvider, "container"))
	_, err = os.Stat(path)
	assert.NoError(t, err)
}
