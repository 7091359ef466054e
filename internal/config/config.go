package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	JWT        JWTConfig
	RateLimit  RateLimitConfig
	Extraction ExtractionConfig
	Weather    WeatherConfig
	R2         R2Config
	OIDC       OIDCConfig
	Gateway    GatewayConfig
	Pipeline   PipelineConfig
	Breakers   BreakerConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	SubmitPerHour int
	StatusPerMin  int
	AdminPerMin   int
}

type ExtractionConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	AttemptTimeout int // seconds, hard per-attempt ceiling
	MaxRetries     int
}

type WeatherConfig struct {
	BaseURL string
	Timeout int // seconds
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type OIDCConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

// PipelineConfig holds the shepherd and worker pipeline knobs
type PipelineConfig struct {
	ShepherdInterval  int // seconds between shepherd ticks
	DispatchBatchSize int // max queued jobs claimed per tick
	StageTimeout      int // seconds of heartbeat silence before a job is stalled
	MaxRetries        int // stall re-queues before failed_timeout
	TerminalTTL       int // hours terminal jobs remain observable
	FailureThreshold  int // consecutive tick failures before the shepherd pauses
	CooldownSeconds   int // shepherd pause duration
}

// BreakerConfig holds per-dependency circuit breaker thresholds
type BreakerConfig struct {
	ExtractionThreshold int
	ExtractionCooldown  int // seconds
	WeatherThreshold    int
	WeatherCooldown     int // seconds
}

func (p PipelineConfig) ShepherdTick() time.Duration {
	return time.Duration(p.ShepherdInterval) * time.Second
}

func (p PipelineConfig) StageTimeoutDur() time.Duration {
	return time.Duration(p.StageTimeout) * time.Second
}

func (p PipelineConfig) TerminalTTLDur() time.Duration {
	return time.Duration(p.TerminalTTL) * time.Hour
}

func (p PipelineConfig) CooldownDur() time.Duration {
	return time.Duration(p.CooldownSeconds) * time.Second
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("EXTRACTION_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("OIDC_CLIENT_ID")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("extraction.api_key", "EXTRACTION_API_KEY")
	_ = viper.BindEnv("extraction.base_url", "EXTRACTION_BASE_URL")
	_ = viper.BindEnv("extraction.model", "EXTRACTION_MODEL")
	_ = viper.BindEnv("extraction.attempt_timeout", "EXTRACTION_ATTEMPT_TIMEOUT")
	_ = viper.BindEnv("extraction.max_retries", "EXTRACTION_MAX_RETRIES")
	_ = viper.BindEnv("weather.base_url", "WEATHER_BASE_URL")
	_ = viper.BindEnv("weather.timeout", "WEATHER_TIMEOUT")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("oidc.domain", "OIDC_DOMAIN")
	_ = viper.BindEnv("oidc.client_id", "OIDC_CLIENT_ID")
	_ = viper.BindEnv("oidc.issuer", "OIDC_ISSUER")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = viper.BindEnv("pipeline.shepherd_interval", "SHEPHERD_INTERVAL")
	_ = viper.BindEnv("pipeline.dispatch_batch_size", "DISPATCH_BATCH_SIZE")
	_ = viper.BindEnv("pipeline.stage_timeout", "STAGE_TIMEOUT")
	_ = viper.BindEnv("pipeline.max_retries", "PIPELINE_MAX_RETRIES")
	_ = viper.BindEnv("pipeline.terminal_ttl", "TERMINAL_TTL_HOURS")
	_ = viper.BindEnv("pipeline.failure_threshold", "SHEPHERD_FAILURE_THRESHOLD")
	_ = viper.BindEnv("pipeline.cooldown_seconds", "SHEPHERD_COOLDOWN")
	_ = viper.BindEnv("breakers.extraction_threshold", "BREAKER_EXTRACTION_THRESHOLD")
	_ = viper.BindEnv("breakers.extraction_cooldown", "BREAKER_EXTRACTION_COOLDOWN")
	_ = viper.BindEnv("breakers.weather_threshold", "BREAKER_WEATHER_THRESHOLD")
	_ = viper.BindEnv("breakers.weather_cooldown", "BREAKER_WEATHER_COOLDOWN")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.submit_per_hour", 60)
	viper.SetDefault("ratelimit.status_per_min", 120)
	viper.SetDefault("ratelimit.admin_per_min", 30)

	// Extraction defaults (OpenAI-compatible vision endpoint)
	viper.SetDefault("extraction.base_url", "https://api.groq.com/openai/v1")
	viper.SetDefault("extraction.model", "llama-3.2-90b-vision-preview")
	viper.SetDefault("extraction.attempt_timeout", 45)
	viper.SetDefault("extraction.max_retries", 3)

	// Weather defaults (keyless archive API)
	viper.SetDefault("weather.base_url", "https://archive-api.open-meteo.com")
	viper.SetDefault("weather.timeout", 10)

	// Pipeline defaults
	viper.SetDefault("pipeline.shepherd_interval", 15)
	viper.SetDefault("pipeline.dispatch_batch_size", 10)
	viper.SetDefault("pipeline.stage_timeout", 120)
	viper.SetDefault("pipeline.max_retries", 3)
	viper.SetDefault("pipeline.terminal_ttl", 24)
	viper.SetDefault("pipeline.failure_threshold", 5)
	viper.SetDefault("pipeline.cooldown_seconds", 300)

	// Breaker defaults
	viper.SetDefault("breakers.extraction_threshold", 5)
	viper.SetDefault("breakers.extraction_cooldown", 60)
	viper.SetDefault("breakers.weather_threshold", 3)
	viper.SetDefault("breakers.weather_cooldown", 120)

	// Gateway defaults
	viper.SetDefault("gateway.enabled", false)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: viper.GetInt("ratelimit.submit_per_hour"),
			StatusPerMin:  viper.GetInt("ratelimit.status_per_min"),
			AdminPerMin:   viper.GetInt("ratelimit.admin_per_min"),
		},
		Extraction: ExtractionConfig{
			APIKey:         viper.GetString("extraction.api_key"),
			BaseURL:        viper.GetString("extraction.base_url"),
			Model:          viper.GetString("extraction.model"),
			AttemptTimeout: viper.GetInt("extraction.attempt_timeout"),
			MaxRetries:     viper.GetInt("extraction.max_retries"),
		},
		Weather: WeatherConfig{
			BaseURL: viper.GetString("weather.base_url"),
			Timeout: viper.GetInt("weather.timeout"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		OIDC: OIDCConfig{
			Domain:   viper.GetString("oidc.domain"),
			ClientID: viper.GetString("oidc.client_id"),
			Issuer:   viper.GetString("oidc.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
		Pipeline: PipelineConfig{
			ShepherdInterval:  viper.GetInt("pipeline.shepherd_interval"),
			DispatchBatchSize: viper.GetInt("pipeline.dispatch_batch_size"),
			StageTimeout:      viper.GetInt("pipeline.stage_timeout"),
			MaxRetries:        viper.GetInt("pipeline.max_retries"),
			TerminalTTL:       viper.GetInt("pipeline.terminal_ttl"),
			FailureThreshold:  viper.GetInt("pipeline.failure_threshold"),
			CooldownSeconds:   viper.GetInt("pipeline.cooldown_seconds"),
		},
		Breakers: BreakerConfig{
			ExtractionThreshold: viper.GetInt("breakers.extraction_threshold"),
			ExtractionCooldown:  viper.GetInt("breakers.extraction_cooldown"),
			WeatherThreshold:    viper.GetInt("breakers.weather_threshold"),
			WeatherCooldown:     viper.GetInt("breakers.weather_cooldown"),
		},
	}

	return cfg, nil
}
