package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Module provides the application configuration.
var Module = fx.Provide(Load)

// Deployment modes. Standalone runs queue, cache and fan-out in process
// memory; cluster coordinates instances through Redis.
const (
	ModeStandalone = "standalone"
	ModeCluster    = "cluster"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Mode        string
	Environment string

	HTTPAddr string

	AuthJWTSecret string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Dispatcher settings. WorkerLimit caps concurrently running task
	// handlers; zero means 2x the available CPU cores.
	WorkerLimit     int
	TaskTimeout     time.Duration
	PopTimeout      time.Duration
	DrainTimeout    time.Duration
	RecognizerLimit int

	// TTLs for the ephemeral shared state kept in the fast store.
	ViewCacheTTL time.Duration
	DirectoryTTL time.Duration

	RecognizerURL string

	// Per-user throttle on recognition requests. Rate is tokens per
	// second, burst the bucket capacity.
	RecognizeRate  float64
	RecognizeBurst int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "splitcheck"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Mode:        normalizeMode(getenv("APP_MODE", ModeStandalone)),
		Environment: getenv("ENVIRONMENT", "development"),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		AuthJWTSecret: strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "splitcheck"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
		RedisPassword: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
		RedisDB:       getenvInt("REDIS_DB", 0),

		WorkerLimit:     getenvInt("WORKER_LIMIT", 0),
		TaskTimeout:     getenvDuration("TASK_TIMEOUT", 30*time.Second),
		PopTimeout:      getenvDuration("QUEUE_POP_TIMEOUT", time.Second),
		DrainTimeout:    getenvDuration("DRAIN_TIMEOUT", 30*time.Second),
		RecognizerLimit: getenvInt("RECOGNIZER_LIMIT", 2),

		ViewCacheTTL: getenvDuration("VIEW_CACHE_TTL", 5*time.Minute),
		DirectoryTTL: getenvDuration("DIRECTORY_TTL", 60*time.Second),

		RecognizerURL: strings.TrimSpace(getenv("RECOGNIZER_URL", "")),

		RecognizeRate:  getenvFloat("RECOGNIZE_RATE", 0.2),
		RecognizeBurst: getenvInt("RECOGNIZE_BURST", 3),
	}

	if cfg.WorkerLimit <= 0 {
		cfg.WorkerLimit = 2 * runtime.GOMAXPROCS(0)
	}

	return cfg
}

// IsStandalone reports whether the node runs without shared infrastructure.
func (c Config) IsStandalone() bool {
	return c.Mode == ModeStandalone
}

func normalizeMode(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case ModeCluster:
		return ModeCluster
	default:
		return ModeStandalone
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
