package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
// Everything is environment-driven with sensible defaults for local use.
type Config struct {
	ListenAddr string

	// 音频工具链
	FFmpegPath   string
	YTDLPPath    string
	LossyBitrate string // 下载 MP3 时的默认码率，如 "320k"

	// 内容缓存
	CacheDir      string
	CacheMaxBytes int64
	ExportDir     string // 批量导出的压缩包输出目录

	// 音源提供者
	StudioBaseURL    string // Hi-Res 会话接口
	StudioToken      string
	WebFMBaseURL     string        // 标准无损公开接口
	ProviderTimeout  time.Duration // 单次解析尝试超时
	ProviderCooldown time.Duration // 限流冷却窗口
	TailWaitTimeout  time.Duration // 追读等待超时

	// 批量导出
	ExportPartSize int // 每个压缩包分卷的曲目数
	ExportParallel int // 并行转码数

	// MySQL
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MinIO（云盘转存协作方）
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvInt64 gets an environment variable as int64 or returns a default value.
func getEnvInt64(key string, fallback int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvDuration gets an environment variable as duration ("8s", "2m") or returns a default.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// Attempt to load .env file. godotenv.Load() will not override existing env vars.
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	cacheDir := getEnv("CACHE_DIR", filepath.Join("data", "cache"))

	return &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),

		FFmpegPath:   getEnv("FFMPEG_PATH", "ffmpeg"),
		YTDLPPath:    getEnv("YTDLP_PATH", "yt-dlp"),
		LossyBitrate: getEnv("LOSSY_BITRATE", "320k"),

		CacheDir:      cacheDir,
		CacheMaxBytes: getEnvInt64("CACHE_MAX_BYTES", 10<<30), // 默认 10GB
		ExportDir:     getEnv("EXPORT_DIR", filepath.Join("data", "exports")),

		StudioBaseURL:    getEnv("STUDIO_BASE_URL", ""),
		StudioToken:      os.Getenv("STUDIO_TOKEN"), // 凭据不给默认值
		WebFMBaseURL:     getEnv("WEBFM_BASE_URL", ""),
		ProviderTimeout:  getEnvDuration("PROVIDER_TIMEOUT", 8*time.Second),
		ProviderCooldown: getEnvDuration("PROVIDER_COOLDOWN", 90*time.Second),
		TailWaitTimeout:  getEnvDuration("TAIL_WAIT_TIMEOUT", 15*time.Second),

		ExportPartSize: getEnvInt("EXPORT_PART_SIZE", 50),
		ExportParallel: getEnvInt("EXPORT_PARALLEL", 2),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnv("DB_NAME", "aurafm"),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "aurafm"),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:    getEnv("MINIO_USE_SSL", "false") == "true",
	}
}
