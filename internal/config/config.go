package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
	"time"

	"github.com/masshaul/masshaul/internal/models"
)

type Config struct {
	ServerAddr string
	LogLevel   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	RedisURL   string

	// Operator auth
	JWTSecret            string
	OperatorUser         string
	OperatorPassword     string
	OperatorPasswordHash string

	// Storage sink selection
	StorageBackend string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3Bucket       string
	S3UsePathStyle bool

	// Concurrency ceilings
	MaxConcurrentChannels        int
	MaxConcurrentItemsPerChannel int
	MaxConcurrentItems           int
	MaxItemsPerChannel           int

	// Retry policy
	MaxRetries        int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryBase         float64

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration
	BreakerHalfOpenRequests int

	// Resource admission
	MaxCPUPercent         float64
	MaxMemoryPercent      float64
	ResourceCheckInterval time.Duration

	// Remote service pacing
	DiscoveryRate  float64
	DiscoveryBurst int
	TransferRate   float64
	TransferBurst  int

	// Progress reporting
	ProgressFlushInterval time.Duration
	ProgressFlushEvery    int
	ProgressETAWindow     int

	// Job behavior
	ContinueOnError   bool
	ChannelTimeout    time.Duration
	DownloadMode      string
	DiscoveryCacheTTL time.Duration

	// yt-dlp invocation
	YtdlpPath   string
	YtdlpFormat string
	WorkDir     string
	DownloadDir string
}

func Load() *Config {
	cfg := &Config{
		ServerAddr: getEnvOrDefault("SERVER_ADDR", ":8080"),
		LogLevel:   getEnvOrDefault("LOG_LEVEL", "info"),
		DBHost:     getEnvOrDefault("DB_HOST", "localhost"),
		DBPort:     getEnvOrDefault("DB_PORT", "5432"),
		DBUser:     getEnvOrDefault("DB_USER", "masshaul"),
		DBPassword: getEnvOrDefault("DB_PASSWORD", "masshaul_dev_password"),
		DBName:     getEnvOrDefault("DB_NAME", "masshaul"),
		RedisURL:   getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),

		JWTSecret:            getEnvOrDefault("JWT_SECRET", generateDefaultSecret()),
		OperatorUser:         getEnvOrDefault("OPERATOR_USER", "admin"),
		OperatorPassword:     getEnvOrDefault("OPERATOR_PASSWORD", "masshaul_dev_password"),
		OperatorPasswordHash: getEnvOrDefault("OPERATOR_PASSWORD_HASH", ""),

		StorageBackend: getEnvOrDefault("STORAGE_BACKEND", "minio"),
		MinioEndpoint:  getEnvOrDefault("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: getEnvOrDefault("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey: getEnvOrDefault("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:    getEnvOrDefault("MINIO_BUCKET", "masshaul-items"),
		MinioUseSSL:    getBoolEnv("MINIO_USE_SSL", false),
		S3Region:       getEnvOrDefault("S3_REGION", "us-east-1"),
		S3Endpoint:     getEnvOrDefault("S3_ENDPOINT", ""),
		S3AccessKey:    getEnvOrDefault("S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnvOrDefault("S3_SECRET_KEY", ""),
		S3Bucket:       getEnvOrDefault("S3_BUCKET", "masshaul-items"),
		S3UsePathStyle: getBoolEnv("S3_USE_PATH_STYLE", true),

		MaxConcurrentChannels:        getIntEnv("MAX_CONCURRENT_CHANNELS", 3),
		MaxConcurrentItemsPerChannel: getIntEnv("MAX_CONCURRENT_ITEMS_PER_CHANNEL", 3),
		MaxConcurrentItems:           getIntEnv("MAX_CONCURRENT_ITEMS", 9),
		MaxItemsPerChannel:           getIntEnv("MAX_ITEMS_PER_CHANNEL", 0),

		MaxRetries:        getIntEnv("MAX_RETRIES", 3),
		RetryInitialDelay: getDurationEnv("RETRY_INITIAL_DELAY", 1*time.Second),
		RetryMaxDelay:     getDurationEnv("RETRY_MAX_DELAY", 60*time.Second),
		RetryBase:         getFloatEnv("RETRY_BASE", 2.0),

		BreakerFailureThreshold: getIntEnv("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerRecoveryTimeout:  getDurationEnv("BREAKER_RECOVERY_TIMEOUT", 60*time.Second),
		BreakerHalfOpenRequests: getIntEnv("BREAKER_HALF_OPEN_REQUESTS", 2),

		MaxCPUPercent:         getFloatEnv("RESOURCE_MAX_CPU_PERCENT", 80),
		MaxMemoryPercent:      getFloatEnv("RESOURCE_MAX_MEMORY_PERCENT", 80),
		ResourceCheckInterval: getDurationEnv("RESOURCE_CHECK_INTERVAL", 5*time.Second),

		DiscoveryRate:  getFloatEnv("DISCOVERY_RATE", 2),
		DiscoveryBurst: getIntEnv("DISCOVERY_BURST", 4),
		TransferRate:   getFloatEnv("TRANSFER_RATE", 1),
		TransferBurst:  getIntEnv("TRANSFER_BURST", 2),

		ProgressFlushInterval: getDurationEnv("PROGRESS_FLUSH_INTERVAL", 2*time.Second),
		ProgressFlushEvery:    getIntEnv("PROGRESS_FLUSH_EVERY", 10),
		ProgressETAWindow:     getIntEnv("PROGRESS_ETA_WINDOW", 32),

		ContinueOnError:   getBoolEnv("CONTINUE_ON_ERROR", true),
		ChannelTimeout:    getDurationEnv("CHANNEL_TIMEOUT", 1*time.Hour),
		DownloadMode:      getEnvOrDefault("DOWNLOAD_MODE", models.ModeStreamToS3),
		DiscoveryCacheTTL: getDurationEnv("DISCOVERY_CACHE_TTL", 15*time.Minute),

		YtdlpPath:   getEnvOrDefault("YTDLP_PATH", "yt-dlp"),
		YtdlpFormat: getEnvOrDefault("YTDLP_FORMAT", "bestvideo*+bestaudio/best"),
		WorkDir:     getEnvOrDefault("WORK_DIR", os.TempDir()),
		DownloadDir: getEnvOrDefault("DOWNLOAD_DIR", "./downloads"),
	}

	cfg.clampLimits()
	return cfg
}

// clampLimits keeps the concurrency and retry knobs usable even when the
// environment holds zero or negative values.
func (c *Config) clampLimits() {
	if c.MaxConcurrentChannels < 1 {
		c.MaxConcurrentChannels = 1
	}
	if c.MaxConcurrentItemsPerChannel < 1 {
		c.MaxConcurrentItemsPerChannel = 1
	}
	if c.MaxConcurrentItems < 1 {
		c.MaxConcurrentItems = c.MaxConcurrentChannels * c.MaxConcurrentItemsPerChannel
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 1
	}
	if c.BreakerFailureThreshold < 1 {
		c.BreakerFailureThreshold = 1
	}
	if c.BreakerHalfOpenRequests < 1 {
		c.BreakerHalfOpenRequests = 1
	}
	if c.ProgressFlushEvery < 1 {
		c.ProgressFlushEvery = 1
	}
	if c.ProgressETAWindow < 1 {
		c.ProgressETAWindow = 1
	}
	switch c.DownloadMode {
	case models.ModeStreamToS3, models.ModeLocalThenUpload, models.ModeLocalOnly:
	default:
		c.DownloadMode = models.ModeStreamToS3
	}
}

// DefaultJobConfig builds the per-job configuration snapshot from the
// server defaults. Request fields override it before the snapshot is
// persisted.
func (c *Config) DefaultJobConfig() models.JobConfig {
	return models.JobConfig{
		MaxItemsPerChannel:           c.MaxItemsPerChannel,
		MaxConcurrentChannels:        c.MaxConcurrentChannels,
		MaxConcurrentItemsPerChannel: c.MaxConcurrentItemsPerChannel,
		MaxConcurrentItems:           c.MaxConcurrentItems,
		MaxRetries:                   c.MaxRetries,
		ContinueOnError:              c.ContinueOnError,
		DownloadMode:                 c.DownloadMode,
		StorageBackend:               c.StorageBackend,
		ChannelTimeout:               c.ChannelTimeout,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func generateDefaultSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "dev-secret-change-in-production"
	}
	return hex.EncodeToString(bytes)
}
