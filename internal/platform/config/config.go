package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Settings holds the process configuration of the relay server.
type Settings struct {
	Port      string
	LogLevel  string
	LogFormat string

	// PlaylistURL is a fixed playlist source served as the "default" stream.
	PlaylistURL string
	// ResolverURL is an endpoint template; "{stream}" is replaced with the
	// requested stream name and the endpoint answers with a playlist URL.
	ResolverURL string

	CacheDepth    int
	BaseInterval  time.Duration
	MaxTries      int
	FetchTimeout  time.Duration
	RetryInterval time.Duration
	HighWaterMark int
}

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// FromEnv builds Settings from the environment, applying defaults.
func FromEnv() Settings {
	return Settings{
		Port:          GetEnv("PORT", "8080"),
		LogLevel:      GetEnv("LOG_LEVEL", "info"),
		LogFormat:     GetEnv("LOG_FORMAT", "json"),
		PlaylistURL:   GetEnv("PLAYLIST_URL", ""),
		ResolverURL:   GetEnv("RESOLVER_URL", ""),
		CacheDepth:    GetEnvInt("CACHE_DEPTH", 3),
		BaseInterval:  GetEnvDuration("REFRESH_BASE_INTERVAL", 4500*time.Millisecond),
		MaxTries:      GetEnvInt("FETCH_MAX_TRIES", 3),
		FetchTimeout:  GetEnvDuration("FETCH_TIMEOUT", 15*time.Second),
		RetryInterval: GetEnvDuration("FETCH_RETRY_INTERVAL", 0),
		HighWaterMark: GetEnvInt("OUTPUT_HIGH_WATER_MARK", 4<<20),
	}
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration parses the variable with time.ParseDuration ("4.5s", "250ms").
// A bare integer is taken as milliseconds.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
