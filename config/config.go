package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	NatsURL     string
	Environment string

	StorePath    string
	SettingsPath string

	MaxQueuedRuns int

	ChatURL   string
	ChatModel string

	LogUploadURL   string
	LogSourceToken string
}

func LoadConfig() Config {
	err := godotenv.Load(".env")
	if err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	return Config{
		NatsURL:     getEnv("NATSURL", "nats://localhost:4222"),
		Environment: getEnv("ENVIRONMENT", "production"),

		StorePath:    getEnv("STOREPATH", "data/preferences.json"),
		SettingsPath: getEnv("SETTINGSPATH", "settings.json"),

		MaxQueuedRuns: getEnvInt("MAXQUEUEDRUNS", 8),

		ChatURL:   getEnv("CHATURL", ""),
		ChatModel: getEnv("CHATMODEL", "gpt-4o-mini"),

		LogUploadURL:   getEnv("LOGUPLOADURL", ""),
		LogSourceToken: getEnv("LOGSOURCETOKEN", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// Settings is the optional JSON document tweaking runtime endpoints,
// preload requirements, and UI copy. Every key is optional; an absent key
// falls back to the built-in default.
type Settings struct {
	Runtime struct {
		PythonBin     string `json:"pythonBin"`
		SandboxImage  string `json:"sandboxImage"`
		NotebookHost  string `json:"notebookHost"`
		NotebookPort  int    `json:"notebookPort"`
		NotebookToken string `json:"notebookToken"`
	} `json:"runtime"`
	Requirements []string `json:"requirements"`
	UI           struct {
		Title string   `json:"title"`
		Tips  []string `json:"tips"`
	} `json:"ui"`
}

// DefaultSettings returns the built-in fallbacks.
func DefaultSettings() Settings {
	var s Settings
	s.Runtime.PythonBin = "python3"
	s.Runtime.SandboxImage = "cellengine/sandbox"
	s.Runtime.NotebookHost = "localhost"
	s.Runtime.NotebookPort = 8888
	s.Requirements = []string{"numpy", "matplotlib"}
	s.UI.Title = "cellengine"
	return s
}

// LoadSettings reads the settings document at path, layering it over the
// defaults. A missing file is not an error.
func LoadSettings(path string) Settings {
	settings := DefaultSettings()

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return settings
	}
	if err != nil {
		log.Printf("Warning: Error reading settings file: %v", err)
		return settings
	}

	var overlay Settings
	if err := json.Unmarshal(raw, &overlay); err != nil {
		log.Printf("Warning: Error parsing settings file: %v", err)
		return settings
	}

	if overlay.Runtime.PythonBin != "" {
		settings.Runtime.PythonBin = overlay.Runtime.PythonBin
	}
	if overlay.Runtime.SandboxImage != "" {
		settings.Runtime.SandboxImage = overlay.Runtime.SandboxImage
	}
	if overlay.Runtime.NotebookHost != "" {
		settings.Runtime.NotebookHost = overlay.Runtime.NotebookHost
	}
	if overlay.Runtime.NotebookPort != 0 {
		settings.Runtime.NotebookPort = overlay.Runtime.NotebookPort
	}
	if overlay.Runtime.NotebookToken != "" {
		settings.Runtime.NotebookToken = overlay.Runtime.NotebookToken
	}
	if overlay.Requirements != nil {
		settings.Requirements = overlay.Requirements
	}
	if overlay.UI.Title != "" {
		settings.UI.Title = overlay.UI.Title
	}
	if overlay.UI.Tips != nil {
		settings.UI.Tips = overlay.UI.Tips
	}
	return settings
}
