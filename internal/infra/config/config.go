package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"companion_bot/internal/domain/schedule"

	"github.com/joho/godotenv"
)

// AppConfig holds all configuration for the application
type AppConfig struct {
	TelegramToken   string
	DatabaseURL     string
	OpenAIAPIKey    string
	OpenAIModel     string
	PersonalityFile string
	LogLevel        string
	Environment     string
}

// Load reads configuration from environment variables and .env file (if present).
func Load() (*AppConfig, error) {
	// Attempt to load .env file. Errors are ignored if the file doesn't exist.
	// godotenv.Load will not override existing env variables.
	_ = godotenv.Load()

	cfg := &AppConfig{}

	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	if cfg.TelegramToken == "" {
		return nil, fmt.Errorf("TELEGRAM_TOKEN is not set")
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}

	cfg.OpenAIModel = os.Getenv("OPENAI_MODEL") // empty means the adapter's default

	cfg.PersonalityFile = os.Getenv("PERSONALITY_FILE")
	if cfg.PersonalityFile == "" {
		cfg.PersonalityFile = "personalities/lena.json" // Default persona
	}

	cfg.LogLevel = strings.ToLower(os.Getenv("LOG_LEVEL"))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info" // Default log level
	}

	cfg.Environment = strings.ToLower(os.Getenv("ENVIRONMENT"))
	if cfg.Environment == "" {
		cfg.Environment = "development" // Default environment
	}

	return cfg, nil
}

// Persona is the persona file layout. Only the fields the engine consumes
// are modeled; the file may carry more.
type Persona struct {
	Name          string           `json:"name"`
	DailySchedule *schedule.Config `json:"daily_schedule"`
}

// LoadPersona reads and validates the persona file. A missing or malformed
// file is reported to the caller, which runs with a nil schedule config (the
// policy engine then declines every send) rather than refusing to start.
func LoadPersona(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read persona file %s: %w", path, err)
	}
	var p Persona
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("could not parse persona file %s: %w", path, err)
	}
	p.DailySchedule.Normalize()
	if err := p.DailySchedule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schedule configuration in %s: %w", path, err)
	}
	return &p, nil
}
