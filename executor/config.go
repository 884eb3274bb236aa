package executor

import (
	"strings"
	"time"
)

// LanguageConfig defines execution settings for a language
type LanguageConfig struct {
	Timeout time.Duration
	File    string // script filename inside the sandbox workspace
}

// languageConfigs holds execution configurations for supported languages
var languageConfigs = map[string]LanguageConfig{
	"python": {
		Timeout: 30 * time.Second,
		File:    "cell.py",
	},
}

// languageAliases maps accepted identifiers to canonical runtime names.
// Matching is case-insensitive.
var languageAliases = map[string]string{
	"python": "python",
	"py":     "python",
}

// CanonicalLanguage resolves a user-supplied language identifier to its
// canonical runtime name.
func CanonicalLanguage(language string) (string, bool) {
	canonical, ok := languageAliases[strings.ToLower(strings.TrimSpace(language))]
	return canonical, ok
}

// GetLanguageConfig retrieves the configuration for a given language
func GetLanguageConfig(language string) (LanguageConfig, bool) {
	canonical, ok := CanonicalLanguage(language)
	if !ok {
		return LanguageConfig{}, false
	}
	config, ok := languageConfigs[canonical]
	return config, ok
}
