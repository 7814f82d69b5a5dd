package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPPort           int
	DBPath             string
	SessionSecret      string
	SessionTTL         time.Duration
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string
	GeminiAPIKey       string
	GeminiModel        string
	GeminiEndpoint     string
	AllowedOrigin      string
	AuthSuccessURL     string
	AuthFailureURL     string
}

func Load() Config {
	return Config{
		HTTPPort:           getEnvInt("HTTP_PORT", 5000),
		DBPath:             getEnvString("DB_PATH", ""),
		SessionSecret:      getEnvString("SESSION_SECRET", ""),
		SessionTTL:         getEnvDuration("SESSION_TTL", 24*time.Hour),
		GoogleClientID:     getEnvString("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnvString("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURI:  getEnvString("GOOGLE_REDIRECT_URI", "http://localhost:5000/oauth2callback"),
		GeminiAPIKey:       getEnvString("GEMINI_API_KEY", ""),
		GeminiModel:        getEnvString("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiEndpoint:     getEnvString("GEMINI_ENDPOINT", "https://generativelanguage.googleapis.com/v1beta"),
		AllowedOrigin:      getEnvString("ALLOWED_ORIGIN", "http://localhost:5173"),
		AuthSuccessURL:     getEnvString("AUTH_SUCCESS_URL", "http://localhost:5173/oauth-success"),
		AuthFailureURL:     getEnvString("AUTH_FAILURE_URL", "http://localhost:5173"),
	}
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
