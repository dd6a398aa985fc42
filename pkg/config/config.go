package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	CORS     CORSConfig
	Log      LogConfig
	Plans    PlansConfig
	Engine   EngineConfig
	Fetch    FetchConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// PlansConfig governs plan run storage and the preview edit session.
type PlansConfig struct {
	StorageDir        string
	KeepRuns          int
	MaxUploadBytes    int64
	EditLockTTL       time.Duration
	CleanupInterval   time.Duration
	WorkerConcurrency int
	WorkerRetries     int
	SignedURLSecret   string
	SignedURLTTL      time.Duration
}

// EngineConfig locates the scheduling engine and bounds its runtime.
type EngineConfig struct {
	JavaBin     string
	JarPath     string
	Timeout     time.Duration
	FeedBaseURL string
}

// FetchConfig bounds remote calendar retrieval.
type FetchConfig struct {
	Timeout  time.Duration
	MaxBytes int64
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	maxUpload := v.GetInt64("PLANS_MAX_UPLOAD_SIZE")
	if maxUpload <= 0 {
		maxUpload = 5 * 1024 * 1024
	}
	cfg.Plans = PlansConfig{
		StorageDir:        v.GetString("PLANS_STORAGE_DIR"),
		KeepRuns:          v.GetInt("PLANS_KEEP_RUNS"),
		MaxUploadBytes:    maxUpload,
		EditLockTTL:       parseDuration(v.GetString("PLANS_EDIT_LOCK_TTL"), 30*time.Second),
		CleanupInterval:   parseDuration(v.GetString("PLANS_CLEANUP_INTERVAL"), time.Hour),
		WorkerConcurrency: v.GetInt("PLANS_WORKER_CONCURRENCY"),
		WorkerRetries:     v.GetInt("PLANS_WORKER_RETRIES"),
		SignedURLSecret:   v.GetString("PLANS_SIGNED_URL_SECRET"),
		SignedURLTTL:      parseDuration(v.GetString("PLANS_SIGNED_URL_TTL"), 24*time.Hour),
	}

	cfg.Engine = EngineConfig{
		JavaBin:     v.GetString("ENGINE_JAVA_BIN"),
		JarPath:     v.GetString("ENGINE_JAR_PATH"),
		Timeout:     parseDuration(v.GetString("ENGINE_TIMEOUT"), 2*time.Minute),
		FeedBaseURL: v.GetString("ENGINE_FEED_BASE_URL"),
	}

	maxFetch := v.GetInt64("FETCH_MAX_BYTES")
	if maxFetch <= 0 {
		maxFetch = 5 * 1024 * 1024
	}
	cfg.Fetch = FetchConfig{
		Timeout:  parseDuration(v.GetString("FETCH_TIMEOUT"), 15*time.Second),
		MaxBytes: maxFetch,
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "studyplan")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("PLANS_STORAGE_DIR", "./storage/plans")
	v.SetDefault("PLANS_KEEP_RUNS", 3)
	v.SetDefault("PLANS_MAX_UPLOAD_SIZE", 5*1024*1024)
	v.SetDefault("PLANS_EDIT_LOCK_TTL", "30s")
	v.SetDefault("PLANS_CLEANUP_INTERVAL", "1h")
	v.SetDefault("PLANS_WORKER_CONCURRENCY", 1)
	v.SetDefault("PLANS_WORKER_RETRIES", 3)
	v.SetDefault("PLANS_SIGNED_URL_SECRET", "dev_plans_secret")
	v.SetDefault("PLANS_SIGNED_URL_TTL", "24h")

	v.SetDefault("ENGINE_JAVA_BIN", "java")
	v.SetDefault("ENGINE_JAR_PATH", "./engine/studyplan-engine.jar")
	v.SetDefault("ENGINE_TIMEOUT", "2m")
	v.SetDefault("ENGINE_FEED_BASE_URL", "http://localhost:8080/api/v1")

	v.SetDefault("FETCH_TIMEOUT", "15s")
	v.SetDefault("FETCH_MAX_BYTES", 5*1024*1024)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
