// Package config loads pipeline configuration from the environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the worker and API processes need.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	MinioRegion    string
	Bucket         string

	// Roles selects which consumer loops this process runs.
	Roles []string

	ListenAddr string

	TempDir    string
	FFMPEGPath string

	// SegmentSeconds is the fixed duration of each chunk.
	SegmentSeconds int
	// DefaultMode is the output variant used when a job does not name one.
	DefaultMode string

	// InferenceURL switches the backend: empty means the local synchronous
	// ffmpeg transform, non-empty means the async HTTP backend.
	InferenceURL string
	// MaxInFlight bounds concurrently outstanding inference invocations.
	MaxInFlight int64

	PollTimeout   time.Duration
	Visibility    time.Duration
	MaxAttempts   int
	InvocationTTL time.Duration

	LogLevel slog.Level
}

// Load reads configuration from environment variables, with defaults that
// match a local single-node deployment.
func Load() Config {
	logLevel := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	tempDir := os.Getenv("WORKER_TMP_DIR")
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	return Config{
		RedisAddr:     valueOrDefault(os.Getenv("REDIS_ADDR"), "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       parseInt(os.Getenv("REDIS_DB"), 0),

		MinioEndpoint:  valueOrDefault(os.Getenv("MINIO_ENDPOINT"), "localhost:9000"),
		MinioAccessKey: valueOrDefault(os.Getenv("MINIO_ACCESS_KEY"), "minio"),
		MinioSecretKey: valueOrDefault(os.Getenv("MINIO_SECRET_KEY"), "minio123"),
		MinioUseSSL:    strings.EqualFold(os.Getenv("MINIO_USE_SSL"), "true"),
		MinioRegion:    os.Getenv("MINIO_REGION"),
		Bucket:         valueOrDefault(os.Getenv("PIPELINE_BUCKET"), "media-pipeline"),

		Roles: parseRoles(os.Getenv("WORKER_ROLES")),

		ListenAddr: valueOrDefault(os.Getenv("LISTEN_ADDR"), ":8080"),

		TempDir:    tempDir,
		FFMPEGPath: valueOrDefault(os.Getenv("FFMPEG_PATH"), "ffmpeg"),

		SegmentSeconds: parseInt(os.Getenv("SEGMENT_SECONDS"), 300),
		DefaultMode:    valueOrDefault(os.Getenv("DEFAULT_MODE"), "dub"),

		InferenceURL: os.Getenv("INFERENCE_URL"),
		MaxInFlight:  int64(parseInt(os.Getenv("MAX_IN_FLIGHT"), 4)),

		PollTimeout:   parseDuration(os.Getenv("QUEUE_POLL_TIMEOUT"), 5*time.Second),
		Visibility:    parseDuration(os.Getenv("QUEUE_VISIBILITY"), 2*time.Minute),
		MaxAttempts:   parseInt(os.Getenv("QUEUE_MAX_ATTEMPTS"), 5),
		InvocationTTL: parseDuration(os.Getenv("INVOCATION_TTL"), 24*time.Hour),

		LogLevel: logLevel,
	}
}

// AllRoles is every consumer loop a worker process can run.
var AllRoles = []string{"chunker", "segment", "completion", "reassembler", "notifier"}

func parseRoles(value string) []string {
	if strings.TrimSpace(value) == "" {
		return AllRoles
	}
	var roles []string
	for _, r := range strings.Split(value, ",") {
		r = strings.TrimSpace(strings.ToLower(r))
		if r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

// HasRole reports whether this process should run the named loop.
func (c Config) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
