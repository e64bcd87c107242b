package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds shared runtime configuration for the CLI and the web front end.
type Config struct {
	Env             string
	HTTPAddr        string
	UploadDir       string
	OutputDir       string
	ModelCatalog    string
	MaxUploadBytes  int64
	ShutdownTimeout time.Duration

	MaxImageDimension int
	JPEGQuality       int
	WorkerConcurrency int
	FrameConcurrency  int
	FFmpegPath        string
	FFprobePath       string
	VideoStabilize    bool

	JobRetention    time.Duration
	JanitorInterval time.Duration

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RateLimitCapacity int
	RateLimitRefill   float64

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
	S3Prefix    string
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:             getEnv("APP_ENV", "development"),
		HTTPAddr:        getEnv("HTTP_ADDR", "127.0.0.1:5000"),
		UploadDir:       getEnv("UPLOAD_DIR", "./uploads"),
		OutputDir:       getEnv("OUTPUT_DIR", "./output"),
		ModelCatalog:    getEnv("MODEL_CATALOG", ""),
		MaxUploadBytes:  int64(getEnvInt("MAX_UPLOAD_BYTES", 100*1024*1024)),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		MaxImageDimension: getEnvInt("MAX_IMAGE_DIMENSION", 4096),
		JPEGQuality:       getEnvInt("JPEG_QUALITY", 92),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", runtime.NumCPU()),
		FrameConcurrency:  getEnvInt("FRAME_CONCURRENCY", 2),
		FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:       getEnv("FFPROBE_PATH", "ffprobe"),
		VideoStabilize:    getEnvBool("VIDEO_STABILIZE", true),

		JobRetention:    getEnvDuration("JOB_RETENTION", 0),
		JanitorInterval: getEnvDuration("JANITOR_INTERVAL", time.Minute),

		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 20),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 0.5),

		S3Bucket:    getEnv("S3_BUCKET", ""),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3PathStyle: getEnvBool("S3_PATH_STYLE", false),
		S3Prefix:    getEnv("S3_PREFIX", "enhanced"),
	}
}

// IsDevelopment reports whether the process runs with developer defaults.
func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.Env, "development") || strings.EqualFold(c.Env, "dev")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
