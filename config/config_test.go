package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsMissingFileUsesDefaults(t *testing.T) {
	settings := LoadSettings(filepath.Join(t.TempDir(), "absent.json"))

	assert.Equal(t, "python3", settings.Runtime.PythonBin)
	assert.Equal(t, 8888, settings.Runtime.NotebookPort)
	assert.Equal(t, []string{"numpy", "matplotlib"}, settings.Requirements)
	assert.Equal(t, "cellengine", settings.UI.Title)
}

func TestLoadSettingsOverlaysPresentKeysOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	doc := `{
		"runtime": {"pythonBin": "/usr/local/bin/python3.12"},
		"requirements": ["pandas"],
		"ui": {"tips": ["Ctrl+Enter runs the cell"]}
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	settings := LoadSettings(path)

	assert.Equal(t, "/usr/local/bin/python3.12", settings.Runtime.PythonBin)
	assert.Equal(t, []string{"pandas"}, settings.Requirements)
	assert.Equal(t, []string{"Ctrl+Enter runs the cell"}, settings.UI.Tips)

	// Untouched keys keep their defaults.
	assert.Equal(t, "localhost", settings.Runtime.NotebookHost)
	assert.Equal(t, "cellengine", settings.UI.Title)
}

func TestLoadSettingsMalformedFileFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	settings := LoadSettings(path)
	assert.Equal(t, DefaultSettings(), settings)
}
