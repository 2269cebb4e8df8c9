package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the grading service.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	AllowOrigins           string
	DatabaseURL            string
	DatabasePool           DatabasePoolConfig
	RedisURL               string
	NATSURL                string
	NATSSubjectPrefix      string
	JWTSecret              string
	JWTRefreshSecret       string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	OpenAIAPIKey           string
	OpenAIBaseURL          string
	AI                     AIConfig
	Grading                GradingConfig
	Pipeline               PipelineConfig
	Images                 ImageConfig
	SubmissionCacheTTL     time.Duration
	UploadMaxSizeMB        int
	SubmissionRateLimit    int
	ShutdownTimeout        time.Duration
}

// DatabasePoolConfig sizes the sql.DB pool behind gorm.
type DatabasePoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// AIConfig selects the models and limits for provider calls.
type AIConfig struct {
	VisionModel      string
	ReasoningModel   string
	RequestTimeout   time.Duration
	MaxTokens        int
	GradingMaxTokens int
}

// GradingConfig tunes the grading retry policy.
type GradingConfig struct {
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// PipelineConfig bounds concurrent vision calls per submission.
// Zero detect concurrency means unbounded; extraction defaults to one page at a time.
type PipelineConfig struct {
	DetectConcurrency  int
	ExtractConcurrency int
	FetchConcurrency   int
}

// ImageConfig controls page image fetching and normalisation.
type ImageConfig struct {
	MaxDimension int
	FetchTimeout time.Duration
	MaxBytes     int64
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// CloudinaryConfigured reports whether page uploads can be stored.
func (c Config) CloudinaryConfigured() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GRADER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Grader")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.allow_origins", "*")
	v.SetDefault("app.shutdown_timeout", "30s")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("nats.subject_prefix", "gema.grader.submissions")
	v.SetDefault("cloudinary.folder", "gema/grader/pages")
	v.SetDefault("ai.vision_model", "gpt-4o")
	v.SetDefault("ai.reasoning_model", "o4-mini")
	v.SetDefault("ai.request_timeout", "90s")
	v.SetDefault("ai.max_tokens", 2048)
	v.SetDefault("ai.grading_max_tokens", 8192)
	v.SetDefault("grading.max_attempts", 3)
	v.SetDefault("grading.retry_base_delay", "2s")
	v.SetDefault("pipeline.detect_concurrency", 0)
	v.SetDefault("pipeline.extract_concurrency", 1)
	v.SetDefault("pipeline.fetch_concurrency", 4)
	v.SetDefault("images.max_dimension", 2048)
	v.SetDefault("images.fetch_timeout", "20s")
	v.SetDefault("images.max_bytes", 20*1024*1024)
	v.SetDefault("submission.cache_ttl", "5s")
	v.SetDefault("submission.rate_limit", 10)
	v.SetDefault("upload.max_size_mb", 10)

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"app.shutdown_timeout",
		"database.conn_max_lifetime",
		"ai.request_timeout",
		"grading.retry_base_delay",
		"images.fetch_timeout",
		"submission.cache_ttl",
	} {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		durations[key] = parsed
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		AllowOrigins:           v.GetString("app.allow_origins"),
		DatabaseURL:            v.GetString("database.url"),
		DatabasePool: DatabasePoolConfig{
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: durations["database.conn_max_lifetime"],
		},
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		NATSSubjectPrefix:      v.GetString("nats.subject_prefix"),
		JWTSecret:              v.GetString("jwt.secret"),
		JWTRefreshSecret:       v.GetString("jwt.refresh_secret"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		OpenAIAPIKey:           v.GetString("openai_api_key"),
		OpenAIBaseURL:          v.GetString("openai_base_url"),
		AI: AIConfig{
			VisionModel:      v.GetString("ai.vision_model"),
			ReasoningModel:   v.GetString("ai.reasoning_model"),
			RequestTimeout:   durations["ai.request_timeout"],
			MaxTokens:        v.GetInt("ai.max_tokens"),
			GradingMaxTokens: v.GetInt("ai.grading_max_tokens"),
		},
		Grading: GradingConfig{
			MaxAttempts:    v.GetInt("grading.max_attempts"),
			RetryBaseDelay: durations["grading.retry_base_delay"],
		},
		Pipeline: PipelineConfig{
			DetectConcurrency:  v.GetInt("pipeline.detect_concurrency"),
			ExtractConcurrency: v.GetInt("pipeline.extract_concurrency"),
			FetchConcurrency:   v.GetInt("pipeline.fetch_concurrency"),
		},
		Images: ImageConfig{
			MaxDimension: v.GetInt("images.max_dimension"),
			FetchTimeout: durations["images.fetch_timeout"],
			MaxBytes:     v.GetInt64("images.max_bytes"),
		},
		SubmissionCacheTTL:  durations["submission.cache_ttl"],
		UploadMaxSizeMB:     v.GetInt("upload.max_size_mb"),
		SubmissionRateLimit: v.GetInt("submission.rate_limit"),
		ShutdownTimeout:     durations["app.shutdown_timeout"],
	}

	if cfg.JWTSecret == "" || cfg.JWTRefreshSecret == "" {
		return Config{}, fmt.Errorf("jwt secrets must be provided")
	}

	if cfg.Grading.MaxAttempts <= 0 {
		cfg.Grading.MaxAttempts = 3
	}

	if cfg.Images.MaxDimension <= 0 {
		cfg.Images.MaxDimension = 2048
	}

	return cfg, nil
}
