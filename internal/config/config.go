package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	ErrEmptyEnvironmentVariable = errors.New("empty environment variable")
	ErrUnsupportedProvider      = errors.New("unsupported provider")
)

const (
	LLMServiceOpenAI = "openai"
	LLMServiceGemini = "gemini"

	TTSServiceDeepgram   = "deepgram"
	TTSServiceElevenLabs = "elevenlabs"
	TTSServiceOpenAI     = "openai"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Telephony TelephonyConfig
	Providers ProvidersConfig
	Agent     AgentConfig
	Session   SessionConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Kafka     KafkaConfig
	Archive   ArchiveConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
	// PublicHost is the externally reachable host name used in stream URLs.
	PublicHost     string
	AllowedOrigins []string
}

// TelephonyConfig holds telephony platform credentials
type TelephonyConfig struct {
	AccountSID     string
	AuthToken      string
	TransferNumber string
}

// ProvidersConfig holds speech and language provider settings
type ProvidersConfig struct {
	DeepgramAPIKey string
	DeepgramModel  string
	DeepgramVoice  string

	LLMService   string
	OpenAIAPIKey string
	OpenAIModel  string
	GoogleAIKey  string
	GeminiModel  string

	TTSService        string
	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string
	OpenAITTSModel    string
	OpenAITTSVoice    string
}

// AgentConfig points at the agent profile definitions
type AgentConfig struct {
	File      string
	DefaultID string
}

// SessionConfig holds per-call timing and retry limits
type SessionConfig struct {
	HealthCheckInterval  time.Duration
	MaxHealthFailures    int
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	PrebufferFrames      int
	ContextLookupRetries int
	ContextLookupDelay   time.Duration
	HangupGracePeriod    time.Duration
}

// RedisConfig holds Redis connection settings for the call context store
type RedisConfig struct {
	Enabled    bool
	Host       string
	Port       int
	Password   string
	DB         int
	ContextTTL time.Duration
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Enabled     bool
	AutoMigrate bool
	Host        string
	Username    string
	Password    string
	Name        string
}

// KafkaConfig holds Kafka/event streaming configuration
type KafkaConfig struct {
	Brokers string
	Topic   string
}

// ArchiveConfig holds worker pool settings for call record archiving
type ArchiveConfig struct {
	Workers   int
	QueueSize int
}

// Load reads and validates all required environment variables
func Load() (*Config, error) {
	// Load env.local in non-production environments
	if os.Getenv("GO_ENV") != "production" {
		if err := godotenv.Load("env.local"); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env.local: %w", err)
		}
	}

	cfg := &Config{}
	var err error

	// Server configuration
	if cfg.Server.Port, err = getEnvInt("SERVER_PORT", 8080); err != nil {
		return nil, err
	}
	if cfg.Server.PublicHost, err = requireEnv("PUBLIC_HOST"); err != nil {
		return nil, err
	}
	cfg.Server.AllowedOrigins = splitList(getEnvWithDefault("ALLOWED_ORIGINS", ""))

	// Telephony configuration
	cfg.Telephony.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	cfg.Telephony.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	cfg.Telephony.TransferNumber = os.Getenv("TRANSFER_NUMBER")

	// Provider configuration
	if cfg.Providers.DeepgramAPIKey, err = requireEnv("DEEPGRAM_API_KEY"); err != nil {
		return nil, err
	}
	cfg.Providers.DeepgramModel = getEnvWithDefault("DEEPGRAM_MODEL", "nova-2")
	cfg.Providers.DeepgramVoice = getEnvWithDefault("DEEPGRAM_VOICE", "aura-asteria-en")

	cfg.Providers.LLMService = strings.ToLower(getEnvWithDefault("LLM_SERVICE", LLMServiceOpenAI))
	switch cfg.Providers.LLMService {
	case LLMServiceOpenAI:
		if cfg.Providers.OpenAIAPIKey, err = requireEnv("OPENAI_API_KEY"); err != nil {
			return nil, err
		}
	case LLMServiceGemini:
		if cfg.Providers.GoogleAIKey, err = requireEnv("GOOGLE_AI_API_KEY"); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("LLM_SERVICE %q: %w", cfg.Providers.LLMService, ErrUnsupportedProvider)
	}
	cfg.Providers.OpenAIModel = getEnvWithDefault("OPENAI_MODEL", "gpt-4o-mini")
	cfg.Providers.GeminiModel = getEnvWithDefault("GEMINI_MODEL", "gemini-2.0-flash")

	cfg.Providers.TTSService = strings.ToLower(getEnvWithDefault("TTS_SERVICE", TTSServiceDeepgram))
	switch cfg.Providers.TTSService {
	case TTSServiceDeepgram:
	case TTSServiceElevenLabs:
		if cfg.Providers.ElevenLabsAPIKey, err = requireEnv("ELEVENLABS_API_KEY"); err != nil {
			return nil, err
		}
		if cfg.Providers.ElevenLabsVoiceID, err = requireEnv("ELEVENLABS_VOICE_ID"); err != nil {
			return nil, err
		}
	case TTSServiceOpenAI:
		if cfg.Providers.OpenAIAPIKey == "" {
			if cfg.Providers.OpenAIAPIKey, err = requireEnv("OPENAI_API_KEY"); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("TTS_SERVICE %q: %w", cfg.Providers.TTSService, ErrUnsupportedProvider)
	}
	cfg.Providers.OpenAITTSModel = getEnvWithDefault("OPENAI_TTS_MODEL", "gpt-4o-mini-tts")
	cfg.Providers.OpenAITTSVoice = getEnvWithDefault("OPENAI_TTS_VOICE", "alloy")

	// Agent configuration
	cfg.Agent.File = getEnvWithDefault("AGENTS_FILE", "agents.yaml")
	cfg.Agent.DefaultID = getEnvWithDefault("DEFAULT_AGENT_ID", "default")

	// Session configuration
	if cfg.Session.HealthCheckInterval, err = getEnvDuration("HEALTH_CHECK_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.Session.MaxHealthFailures, err = getEnvInt("MAX_HEALTH_FAILURES", 5); err != nil {
		return nil, err
	}
	if cfg.Session.MaxReconnectAttempts, err = getEnvInt("MAX_RECONNECT_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.Session.ReconnectDelay, err = getEnvDuration("RECONNECT_DELAY", time.Second); err != nil {
		return nil, err
	}
	if cfg.Session.PrebufferFrames, err = getEnvInt("PREBUFFER_FRAMES", 10); err != nil {
		return nil, err
	}
	if cfg.Session.ContextLookupRetries, err = getEnvInt("CONTEXT_LOOKUP_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.Session.ContextLookupDelay, err = getEnvDuration("CONTEXT_LOOKUP_DELAY", time.Second); err != nil {
		return nil, err
	}
	if cfg.Session.HangupGracePeriod, err = getEnvDuration("HANGUP_GRACE_PERIOD", 3*time.Second); err != nil {
		return nil, err
	}

	// Redis configuration
	if cfg.Redis.Enabled, err = getEnvBool("REDIS_ENABLED", false); err != nil {
		return nil, err
	}
	cfg.Redis.Host = getEnvWithDefault("REDIS_HOST", "localhost")
	if cfg.Redis.Port, err = getEnvInt("REDIS_PORT", 6379); err != nil {
		return nil, err
	}
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if cfg.Redis.DB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.Redis.ContextTTL, err = getEnvDuration("CALL_CONTEXT_TTL", time.Hour); err != nil {
		return nil, err
	}

	// Database configuration
	if cfg.Database.Enabled, err = getEnvBool("DB_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.Database.Enabled {
		if cfg.Database.Host, err = requireEnv("DB_HOST"); err != nil {
			return nil, err
		}
		if cfg.Database.Username, err = requireEnv("DB_USERNAME"); err != nil {
			return nil, err
		}
		if cfg.Database.Password, err = requireEnv("DB_PASSWORD"); err != nil {
			return nil, err
		}
		if cfg.Database.Name, err = requireEnv("DB_NAME"); err != nil {
			return nil, err
		}
		if cfg.Database.AutoMigrate, err = getEnvBool("DB_AUTO_MIGRATE", true); err != nil {
			return nil, err
		}
	}

	// Kafka configuration
	cfg.Kafka.Brokers = os.Getenv("KAFKA_BROKERS")
	cfg.Kafka.Topic = getEnvWithDefault("KAFKA_CALL_EVENTS_TOPIC", "call-events")

	// Archive worker pool configuration
	if cfg.Archive.Workers, err = getEnvInt("ARCHIVE_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.Archive.QueueSize, err = getEnvInt("ARCHIVE_QUEUE_SIZE", 100); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ConnectionString returns a PostgreSQL connection string
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s",
		c.Username, c.Password, c.Host, c.Name)
}

// KafkaBrokers returns the configured broker list, empty when Kafka is off
func (c *KafkaConfig) KafkaBrokers() []string {
	return splitList(c.Brokers)
}

// requireEnv retrieves an environment variable or returns an error if empty
func requireEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%s is not set: %w", key, ErrEmptyEnvironmentVariable)
	}
	return value, nil
}

// getEnvWithDefault retrieves an environment variable or returns a default value
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return parsed, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
