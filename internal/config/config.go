package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every setting the service needs. It is built once in
// main and handed to each constructor; nothing reads the environment
// after Load returns.
type Config struct {
	ListenAddr string

	UploadDir  string
	ResultsDir string

	PostgresDSN string

	RedisAddr       string
	QueueKey        string
	ProcessingKey   string
	RequeueInterval time.Duration

	WorkerURL       string
	DispatchTimeout time.Duration

	MaxConcurrentJobs int
	MaxUploadSize     int64
	AllowedExtensions []string
}

// Load reads configuration from the environment. A .env file in the
// working directory is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:        envOr("LISTEN_ADDR", ":8080"),
		UploadDir:         envOr("UPLOAD_DIR", "./uploads"),
		ResultsDir:        envOr("RESULTS_DIR", "./results"),
		PostgresDSN:       os.Getenv("POSTGRES_DSN"),
		RedisAddr:         envOr("REDIS_ADDR", "localhost:6379"),
		QueueKey:          envOr("REDIS_QUEUE_KEY", "jobs:queue"),
		ProcessingKey:     envOr("REDIS_PROCESSING_KEY", "jobs:processing"),
		RequeueInterval:   envDurationOr("REQUEUE_INTERVAL", 30*time.Second),
		WorkerURL:         envOr("WORKER_URL", "http://localhost:8081"),
		DispatchTimeout:   envDurationOr("DISPATCH_TIMEOUT", 30*time.Second),
		MaxConcurrentJobs: envIntOr("MAX_CONCURRENT_JOBS", 3),
		MaxUploadSize:     envInt64Or("MAX_UPLOAD_SIZE", 100<<20),
		AllowedExtensions: envListOr("ALLOWED_EXTENSIONS", []string{"csv", "json"}),
	}

	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("missing env: POSTGRES_DSN")
	}
	if cfg.MaxConcurrentJobs <= 0 {
		return nil, fmt.Errorf("MAX_CONCURRENT_JOBS must be positive, got %d", cfg.MaxConcurrentJobs)
	}
	if cfg.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_SIZE must be positive, got %d", cfg.MaxUploadSize)
	}
	return cfg, nil
}

// EnsureDirs creates the upload and results directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.UploadDir, c.ResultsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	return nil
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envInt64Or(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return i
}

func envDurationOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// envListOr parses a comma-separated list, lowercasing and trimming
// each element.
func envListOr(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
