package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	GeminiAPIKey      string
	VideoAPIKey       string // Falls back to GeminiAPIKey
	ChatModel         string
	SummaryModel      string
	MemoryModel       string
	ImageModel        string
	VideoModel        string
	SpeechModel       string
	DatabaseURL       string
	MirrorDir         string // Empty keeps the mirror in memory
	MirrorMaxBytes    int
	HTTPPort          string
	LogLevel          string
	LogJSON           bool
	UserDisplayName   string
	ResponseLanguage  string
	DefaultVoice      string
	VideoPollInterval time.Duration
	VideoMaxWait      time.Duration // Zero waits forever
}

var AppConfig Config

var ErrMissingAPIKey = errors.New("GEMINI_API_KEY environment variable is required")

func LoadConfig() error {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	AppConfig = fromEnv()
	if AppConfig.GeminiAPIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// Reload re-reads the .env file, overriding variables already set, and
// rebuilds AppConfig. Used when the user re-selects provider credentials.
func Reload() error {
	if err := godotenv.Overload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	AppConfig = fromEnv()
	if AppConfig.GeminiAPIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

func fromEnv() Config {
	cfg := Config{
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		VideoAPIKey:       getEnv("GEMINI_VIDEO_API_KEY", ""),
		ChatModel:         getEnv("CHAT_MODEL", "gemini-2.5-flash"),
		SummaryModel:      getEnv("SUMMARY_MODEL", "gemini-2.5-flash"),
		MemoryModel:       getEnv("MEMORY_MODEL", "gemini-2.5-flash"),
		ImageModel:        getEnv("IMAGE_MODEL", "gemini-2.5-flash-image"),
		VideoModel:        getEnv("VIDEO_MODEL", "veo-3.1-fast-generate-preview"),
		SpeechModel:       getEnv("SPEECH_MODEL", "gemini-2.5-flash-preview-tts"),
		DatabaseURL:       getEnv("DATABASE_URL", "character_chat.db"),
		MirrorDir:         getEnv("MIRROR_DIR", ""),
		MirrorMaxBytes:    getEnvAsInt("MIRROR_MAX_BYTES", 5_000_000),
		HTTPPort:          getEnv("HTTP_PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "INFO"),
		LogJSON:           getEnvAsBool("LOG_JSON", false),
		UserDisplayName:   getEnv("USER_DISPLAY_NAME", "You"),
		ResponseLanguage:  getEnv("RESPONSE_LANGUAGE", "English"),
		DefaultVoice:      getEnv("DEFAULT_VOICE", "Kore"),
		VideoPollInterval: getEnvAsDuration("VIDEO_POLL_INTERVAL", 5*time.Second),
		VideoMaxWait:      getEnvAsDuration("VIDEO_MAX_WAIT", 0),
	}
	if cfg.VideoAPIKey == "" {
		cfg.VideoAPIKey = cfg.GeminiAPIKey
	}
	return cfg
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
