package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	JWT      JWTConfig
	GigaChat GigaChatConfig
	Speech   SpeechConfig
	Ingest   IngestConfig
	Storage  StorageConfig
	Logger   LoggerConfig
}

type LoggerConfig struct {
	Level    string
	Encoding string // json or console
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BodyLimitMB  int
}

type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	AppName         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
}

type JWTConfig struct {
	SecretKey  string
	Expiration time.Duration
	RefreshExp time.Duration
}

type GigaChatConfig struct {
	APIKey             string
	Scope              string
	Model              string
	InsecureSkipVerify bool
}

// SpeechConfig points at a Whisper-compatible transcription endpoint.
type SpeechConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type IngestConfig struct {
	AutoAcceptThreshold     float64
	MinAcceptableThreshold  float64
	FallbackPenalty         float64
	HomeCurrency            string
	DefaultSpeechConfidence float64
	DefaultParserConfidence float64
	ProviderTimeout         time.Duration
	CategoryRulesPath       string
	MaxTextLength           int
}

type StorageConfig struct {
	Driver         string // local or s3
	LocalDir       string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

func Load() (*Config, error) {
	// Try to load .env file from current directory or project root.
	// Plain environment variables work as well (Docker/K8s).
	envFiles := []string{".env", "../.env", "../../.env"}
	for _, envFile := range envFiles {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}

	readTimeout, _ := strconv.Atoi(getEnv("SERVER_READ_TIMEOUT", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("SERVER_WRITE_TIMEOUT", "30"))
	bodyLimit, _ := strconv.Atoi(getEnv("SERVER_BODY_LIMIT_MB", "20"))
	jwtExp, _ := strconv.Atoi(getEnv("JWT_EXPIRATION_HOURS", "24"))
	refreshExp, _ := strconv.Atoi(getEnv("JWT_REFRESH_EXPIRATION_HOURS", "168"))
	providerTimeout, _ := strconv.Atoi(getEnv("INGEST_PROVIDER_TIMEOUT_SECONDS", "60"))
	maxTextLength, _ := strconv.Atoi(getEnv("INGEST_MAX_TEXT_LENGTH", "4000"))
	maxConns, _ := strconv.Atoi(getEnv("DB_MAX_CONNS", "10"))
	minConns, _ := strconv.Atoi(getEnv("DB_MIN_CONNS", "0"))
	connLifetime, _ := strconv.Atoi(getEnv("DB_MAX_CONN_LIFETIME_MINUTES", "60"))
	connIdle, _ := strconv.Atoi(getEnv("DB_MAX_CONN_IDLE_MINUTES", "30"))
	connectTimeout, _ := strconv.Atoi(getEnv("DB_CONNECT_TIMEOUT_SECONDS", "5"))
	insecureSkipVerify := getEnv("GIGACHAT_INSECURE_SKIP_VERIFY", "true") == "true"

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  time.Duration(readTimeout) * time.Second,
			WriteTimeout: time.Duration(writeTimeout) * time.Second,
			BodyLimitMB:  bodyLimit,
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5433"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "expense_ingest"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			AppName:  getEnv("DB_APPLICATION_NAME", "expense-ingest"),

			MaxConns:        int32(maxConns),
			MinConns:        int32(minConns),
			MaxConnLifetime: time.Duration(connLifetime) * time.Minute,
			MaxConnIdleTime: time.Duration(connIdle) * time.Minute,
			ConnectTimeout:  time.Duration(connectTimeout) * time.Second,
		},
		JWT: JWTConfig{
			SecretKey:  getEnv("JWT_SECRET_KEY", "your-secret-key-change-in-production"),
			Expiration: time.Duration(jwtExp) * time.Hour,
			RefreshExp: time.Duration(refreshExp) * time.Hour,
		},
		GigaChat: GigaChatConfig{
			APIKey:             getEnv("GIGACHAT_API_KEY", ""),
			Scope:              getEnv("GIGACHAT_SCOPE", "GIGACHAT_API_PERS"),
			Model:              getEnv("GIGACHAT_MODEL", "GigaChat"),
			InsecureSkipVerify: insecureSkipVerify,
		},
		Speech: SpeechConfig{
			BaseURL: getEnv("SPEECH_BASE_URL", "https://api.openai.com/v1"),
			APIKey:  getEnv("SPEECH_API_KEY", ""),
			Model:   getEnv("SPEECH_MODEL", "whisper-1"),
		},
		Ingest: IngestConfig{
			AutoAcceptThreshold:     getEnvFloat("INGEST_AUTO_ACCEPT_THRESHOLD", 0.85),
			MinAcceptableThreshold:  getEnvFloat("INGEST_MIN_ACCEPTABLE_THRESHOLD", 0.5),
			FallbackPenalty:         getEnvFloat("INGEST_FALLBACK_PENALTY", 0.9),
			HomeCurrency:            strings.ToUpper(getEnv("INGEST_HOME_CURRENCY", "USD")),
			DefaultSpeechConfidence: getEnvFloat("INGEST_DEFAULT_SPEECH_CONFIDENCE", 0.95),
			DefaultParserConfidence: getEnvFloat("INGEST_DEFAULT_PARSER_CONFIDENCE", 0.6),
			ProviderTimeout:         time.Duration(providerTimeout) * time.Second,
			CategoryRulesPath:       getEnv("INGEST_CATEGORY_RULES_PATH", ""),
			MaxTextLength:           maxTextLength,
		},
		Storage: StorageConfig{
			Driver:         getEnv("STORAGE_DRIVER", "local"),
			LocalDir:       getEnv("STORAGE_LOCAL_DIR", "uploads"),
			S3Bucket:       getEnv("S3_BUCKET", ""),
			S3Region:       getEnv("S3_REGION", "us-east-1"),
			S3Endpoint:     getEnv("S3_ENDPOINT", ""),
			S3AccessKey:    getEnv("S3_ACCESS_KEY", ""),
			S3SecretKey:    getEnv("S3_SECRET_KEY", ""),
			S3UsePathStyle: getEnv("S3_USE_PATH_STYLE", "true") == "true",
		},
		Logger: LoggerConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Encoding: getEnv("LOG_ENCODING", "json"),
		},
	}

	if err := cfg.Ingest.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Storage.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *IngestConfig) Validate() error {
	if c.MinAcceptableThreshold < 0 || c.AutoAcceptThreshold > 1 || c.MinAcceptableThreshold > c.AutoAcceptThreshold {
		return fmt.Errorf("invalid thresholds: min %.2f, auto-accept %.2f", c.MinAcceptableThreshold, c.AutoAcceptThreshold)
	}
	if c.FallbackPenalty <= 0 || c.FallbackPenalty > 1 {
		return fmt.Errorf("fallback penalty must be in (0, 1], got %.2f", c.FallbackPenalty)
	}
	for name, v := range map[string]float64{
		"default speech confidence": c.DefaultSpeechConfidence,
		"default parser confidence": c.DefaultParserConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0, 1], got %.2f", name, v)
		}
	}
	if len(c.HomeCurrency) != 3 {
		return fmt.Errorf("home currency must be a 3-letter ISO code, got %q", c.HomeCurrency)
	}
	return nil
}

func (c *StorageConfig) Validate() error {
	switch c.Driver {
	case "local":
		if c.LocalDir == "" {
			return fmt.Errorf("STORAGE_LOCAL_DIR is required for the local driver")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Driver)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}
