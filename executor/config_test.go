package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalLanguage(t *testing.T) {
	tests := []struct {
		in        string
		canonical string
		ok        bool
	}{
		{"python", "python", true},
		{"py", "python", true},
		{"Python", "python", true},
		{"PY", "python", true},
		{" python ", "python", true},
		{"python3", "", false},
		{"ruby", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		canonical, ok := CanonicalLanguage(tt.in)
		assert.Equal(t, tt.ok, ok, "input %q", tt.in)
		assert.Equal(t, tt.canonical, canonical, "input %q", tt.in)
	}
}

func TestGetLanguageConfigResolvesAliases(t *testing.T) {
	config, ok := GetLanguageConfig("Py")
	assert.True(t, ok)
	assert.Equal(t, "cell.py", config.File)
	assert.NotZero(t, config.Timeout)

	_, ok = GetLanguageConfig("go")
	assert.False(t, ok)
}
