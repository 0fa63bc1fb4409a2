package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"amplified/internal/util"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// defaultLivenessDeadlineSeconds mirrors the scheduler's default deadline.
const defaultLivenessDeadlineSeconds = 120

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string          `yaml:"port"`
	LogLevel      string          `yaml:"logLevel"`
	LogsDir       string          `yaml:"logsDir"`
	DatabaseURL   string          `yaml:"databaseURL"`
	RedisAddr     string          `yaml:"redisAddr"`
	RedisPassword string          `yaml:"redisPassword"`
	Queue         QueueConfig     `yaml:"queue"`
	Scheduler     SchedulerConfig `yaml:"scheduler"`
	Chunking      ChunkingConfig  `yaml:"chunking"`
	Retrieval     RetrievalConfig `yaml:"retrieval"`
	AI            AIConfig        `yaml:"ai"`
	Minio         MinioConfig     `yaml:"minio"`
	AMQP          AMQPConfig      `yaml:"amqp"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rateLimit"`
	// TrustedProxies lists CIDRs or addresses allowed to set X-Forwarded-For.
	TrustedProxies []string `yaml:"trustedProxies"`
}

type QueueConfig struct {
	Prefix             string `yaml:"prefix"`
	MaxAttempts        int    `yaml:"maxAttempts"`
	BackoffBaseSeconds int    `yaml:"backoffBaseSeconds"`
	BackoffMaxSeconds  int    `yaml:"backoffMaxSeconds"`
}

type SchedulerConfig struct {
	Workers                  int      `yaml:"workers"`
	MaxPerSession            int      `yaml:"maxPerSession"`
	PollIntervalMs           int      `yaml:"pollIntervalMs"`
	LivenessDeadlineSeconds  int      `yaml:"livenessDeadlineSeconds"`
	HeartbeatIntervalSeconds int      `yaml:"heartbeatIntervalSeconds"`
	ReapIntervalSeconds      int      `yaml:"reapIntervalSeconds"`
	StageTimeoutSeconds      int      `yaml:"stageTimeoutSeconds"`
	MaterialTypes            []string `yaml:"materialTypes"`
}

type ChunkingConfig struct {
	TargetChars      int   `yaml:"targetChars"`
	MaxMs            int64 `yaml:"maxMs"`
	EmbedBatchSize   int   `yaml:"embedBatchSize"`
	EmbedConcurrency int   `yaml:"embedConcurrency"`
}

type RetrievalConfig struct {
	TopK int `yaml:"topK"`
	// MinScore is left nil when unset so an explicit 0 survives.
	MinScore *float64 `yaml:"minScore"`
}

type AIConfig struct {
	Provider             string `yaml:"provider"`
	BaseURL              string `yaml:"baseURL"`
	APIKey               string `yaml:"apiKey"`
	EmbeddingModel       string `yaml:"embeddingModel"`
	EmbeddingDim         int    `yaml:"embeddingDim"`
	GenerationModel      string `yaml:"generationModel"`
	TranscriptionBaseURL string `yaml:"transcriptionBaseURL"`
	TranscriptionAPIKey  string `yaml:"transcriptionAPIKey"`
	TranscriptionModel   string `yaml:"transcriptionModel"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type AuthConfig struct {
	JWKSURL  string `yaml:"jwksURL"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

type RateLimitConfig struct {
	ChatPerMinute int `yaml:"chatPerMinute"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Override with environment variables
func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("TUTOR_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("TUTOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOGS_DIR"); v != "" {
		cfg.LogsDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("TUTOR_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.Workers = n
		}
	}
	if v := os.Getenv("TUTOR_MAX_PER_SESSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.MaxPerSession = n
		}
	}
	if v := os.Getenv("TUTOR_QUEUE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxAttempts = n
		}
	}
	if v := os.Getenv("TUTOR_AI_PROVIDER"); v != "" {
		cfg.AI.Provider = v
	}
	if v := os.Getenv("TUTOR_AI_BASE_URL"); v != "" {
		cfg.AI.BaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.AI.APIKey == "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("TUTOR_TRANSCRIPTION_BASE_URL"); v != "" {
		cfg.AI.TranscriptionBaseURL = v
	}
	if v := os.Getenv("TUTOR_RETRIEVAL_MIN_SCORE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Retrieval.MinScore = &f
		}
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Minio.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Minio.SecretKey = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQP.URL = v
	}
	if v := os.Getenv("TUTOR_JWKS_URL"); v != "" {
		cfg.Auth.JWKSURL = v
	}
	if v := os.Getenv("TUTOR_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or TUTOR_PORT)")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.AI.Provider)) {
	case "", "ollama", "openai", "langchain":
	default:
		return fmt.Errorf("config: unknown ai.provider %q", cfg.AI.Provider)
	}
	if cfg.AI.EmbeddingModel == "" {
		return errors.New("config: ai.embeddingModel is required (set in config.yaml)")
	}
	if cfg.AI.GenerationModel == "" {
		return errors.New("config: ai.generationModel is required (set in config.yaml)")
	}
	if cfg.Queue.MaxAttempts < 0 {
		return errors.New("config: queue.maxAttempts must be >= 0")
	}
	if cfg.Scheduler.Workers < 0 || cfg.Scheduler.MaxPerSession < 0 {
		return errors.New("config: scheduler.workers and scheduler.maxPerSession must be >= 0")
	}
	if ms := cfg.Retrieval.MinScore; ms != nil && (*ms < 0 || *ms > 1) {
		return errors.New("config: retrieval.minScore must be between 0 and 1")
	}
	if err := validateLiveness(cfg.Scheduler); err != nil {
		return err
	}
	if _, err := util.NewTrustedProxies(cfg.TrustedProxies); err != nil {
		return fmt.Errorf("config: trustedProxies: %w", err)
	}
	if cfg.Minio.Endpoint != "" && cfg.Minio.Bucket == "" {
		return errors.New("config: minio.bucket is required when minio.endpoint is set")
	}
	if cfg.RateLimit.ChatPerMinute < 0 {
		return errors.New("config: rateLimit.chatPerMinute must be >= 0")
	}
	return nil
}

// validateLiveness requires the stage keep-alive to beat faster than the
// reaper's deadline. Zero values take the scheduler defaults.
func validateLiveness(sc SchedulerConfig) error {
	if sc.HeartbeatIntervalSeconds < 0 || sc.LivenessDeadlineSeconds < 0 {
		return errors.New("config: scheduler.heartbeatIntervalSeconds and scheduler.livenessDeadlineSeconds must be >= 0")
	}
	if sc.HeartbeatIntervalSeconds == 0 {
		return nil
	}
	deadline := sc.LivenessDeadlineSeconds
	if deadline == 0 {
		deadline = defaultLivenessDeadlineSeconds
	}
	if sc.HeartbeatIntervalSeconds >= deadline {
		return fmt.Errorf("config: scheduler.heartbeatIntervalSeconds (%d) must be less than livenessDeadlineSeconds (%d)",
			sc.HeartbeatIntervalSeconds, deadline)
	}
	return nil
}
