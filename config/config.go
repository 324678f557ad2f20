package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the specbot service
type Config struct {
	// Server configuration
	Port string

	// Database configuration
	DBDriver   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	SQLitePath string

	// Provider configuration
	GeminiAPIKey      string
	GeminiModel       string
	GeminiProModel    string
	UseProModel       bool
	OpenAIAPIKey      string
	OpenAIModel       string
	OllamaHost        string
	OllamaVisionModel string
	OllamaTextModel   string
	ProviderOrder     []string
	ProviderTimeout   time.Duration

	// Chain retry configuration
	ChainMaxRetries int
	ChainRetryDelay time.Duration

	// Generation configuration
	MaxPhotos             int
	GenerationRetries     int
	MaxGenerationTokens   int
	GenerationTemperature float64
	MinAnalysisLength     int

	// Validator thresholds
	MinSpecLength            int
	ValidatorMaxMissing      int
	ValidatorLengthTolerance float64
	ValidatorMinScore        int
	ValidatorMinHexColors    int
	ValidatorMaxVague        int

	// Credits
	FreeCredits    int
	GenerationCost int

	// Photo preprocessing
	PhotoMaxDimension int
	PhotoJPEGQuality  int

	// Active-generation lock
	RedisAddr         string
	GenerationLockTTL time.Duration

	// Event publishing
	AMQPHost         string
	AMQPPort         string
	AMQPUser         string
	AMQPPassword     string
	EventsExchange   string
	EventsRoutingKey string

	// Throttling of generation requests per user
	GenerationRate  float64
	GenerationBurst int

	// Admin token guarding credit grants and provider status changes
	AdminToken string

	// Stripe Checkout for credit packages; empty key disables payments
	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string
}

// LoadEnvFile loads variables from a .env file without overriding the environment.
// A missing file is not an error.
func LoadEnvFile(path string) {
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := godotenv.Load(path); err != nil {
		log.Warnf("Failed to load env file %s: %v", path, err)
	}
}

// Load loads configuration from environment variables
func Load() *Config {
	config := &Config{
		Port: getEnv("PORT", "8080"),

		// Database defaults
		DBDriver:   getEnv("DB_DRIVER", "mysql"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "server"),
		DBPassword: getEnv("DB_PASSWORD", "secret_app"),
		DBName:     getEnv("DB_NAME", "specbot"),
		SQLitePath: getEnv("SQLITE_PATH", "specbot.db"),

		// Provider defaults
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiModel:       getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiProModel:    getEnv("GEMINI_PRO_MODEL", "gemini-2.5-pro"),
		UseProModel:       getBoolEnv("USE_PRO_MODEL", false),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o"),
		OllamaHost:        getEnv("OLLAMA_HOST", ""),
		OllamaVisionModel: getEnv("OLLAMA_VISION_MODEL", "llava"),
		OllamaTextModel:   getEnv("OLLAMA_TEXT_MODEL", "llama3.1"),
		ProviderOrder:     getStringSliceEnv("PROVIDER_ORDER", "gemini,openai,ollama"),
		ProviderTimeout:   getDurationEnv("PROVIDER_TIMEOUT", 120*time.Second),

		ChainMaxRetries: getIntEnv("CHAIN_MAX_RETRIES", 1),
		ChainRetryDelay: getDurationEnv("CHAIN_RETRY_DELAY", 500*time.Millisecond),

		MaxPhotos:             getIntEnv("MAX_PHOTOS", 5),
		GenerationRetries:     getIntEnv("GENERATION_RETRIES", 2),
		MaxGenerationTokens:   getIntEnv("MAX_GENERATION_TOKENS", 8000),
		GenerationTemperature: getFloatEnv("GENERATION_TEMPERATURE", 0.7),
		MinAnalysisLength:     getIntEnv("MIN_ANALYSIS_LENGTH", 100),

		MinSpecLength:            getIntEnv("MIN_SPEC_LENGTH", 2000),
		ValidatorMaxMissing:      getIntEnv("VALIDATOR_MAX_MISSING", 1),
		ValidatorLengthTolerance: getFloatEnv("VALIDATOR_LENGTH_TOLERANCE", 0.8),
		ValidatorMinScore:        getIntEnv("VALIDATOR_MIN_SCORE", 60),
		ValidatorMinHexColors:    getIntEnv("VALIDATOR_MIN_HEX_COLORS", 2),
		ValidatorMaxVague:        getIntEnv("VALIDATOR_MAX_VAGUE", 3),

		FreeCredits:    getIntEnv("FREE_CREDITS", 1),
		GenerationCost: getIntEnv("GENERATION_COST", 1),

		PhotoMaxDimension: getIntEnv("PHOTO_MAX_DIMENSION", 1600),
		PhotoJPEGQuality:  getIntEnv("PHOTO_JPEG_QUALITY", 85),

		RedisAddr:         getEnv("REDIS_ADDR", ""),
		GenerationLockTTL: getDurationEnv("GENERATION_LOCK_TTL", 10*time.Minute),

		AMQPHost:         getEnv("AMQP_HOST", ""),
		AMQPPort:         getEnv("AMQP_PORT", "5672"),
		AMQPUser:         getEnv("AMQP_USER", "guest"),
		AMQPPassword:     getEnv("AMQP_PASSWORD", "guest"),
		EventsExchange:   getEnv("EVENTS_EXCHANGE", "specbot"),
		EventsRoutingKey: getEnv("EVENTS_ROUTING_KEY", "generation"),

		// One generation per 5 seconds, as the chat throttling middleware allowed.
		GenerationRate:  getFloatEnv("GENERATION_RATE", 0.2),
		GenerationBurst: getIntEnv("GENERATION_BURST", 1),

		AdminToken: getEnv("ADMIN_TOKEN", ""),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		CheckoutSuccessURL:  getEnv("CHECKOUT_SUCCESS_URL", "https://example.com/checkout/success"),
		CheckoutCancelURL:   getEnv("CHECKOUT_CANCEL_URL", "https://example.com/checkout/cancel"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
		LogFile:   getEnv("LOG_FILE", ""),
	}

	return config
}

// AMQPURL returns the broker URL, or "" when event publishing is disabled
func (c *Config) AMQPURL() string {
	if c.AMQPHost == "" {
		return ""
	}
	return "amqp://" + c.AMQPUser + ":" + c.AMQPPassword + "@" + c.AMQPHost + ":" + c.AMQPPort
}

// GeminiActiveModel returns the model selected by the quality/speed flag
func (c *Config) GeminiActiveModel() string {
	if c.UseProModel {
		return c.GeminiProModel
	}
	return c.GeminiModel
}

// getStringSliceEnv gets a comma-separated string environment variable and returns it as a string slice
func getStringSliceEnv(key, defaultValue string) []string {
	value := getEnv(key, defaultValue)
	if value == "" {
		return []string{}
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable or returns a default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
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
