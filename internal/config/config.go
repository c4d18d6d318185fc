package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

var validate = validator.New()

// lockTTLMargin covers the store reads and writes around the outbound call
const lockTTLMargin = 5 * time.Second

// Dispatch policies
const (
	// PolicyConservative only sends platforms not yet dispatched for the item
	PolicyConservative = "conservative"
	// PolicyPermissive always sends every requested platform and leaves dedup to the remote service
	PolicyPermissive = "permissive"
)

// Config holds all configuration for the application
type Config struct {
	Storage  StorageConfig
	Dispatch DispatchConfig
	Settings SettingsConfig
	Lock     LockConfig
	Server   ServerConfig
	Nonce    NonceConfig
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	Type          string `validate:"oneof=memory dynamodb mongodb postgresql"`
	Region        string // For AWS DynamoDB
	TableName     string `validate:"required"`
	Endpoint      string // Custom endpoint for local testing
	MongoDBURI    string `validate:"required_if=Type mongodb"`
	MongoDatabase string
	PostgresURI   string `validate:"required_if=Type postgresql"`
}

// DispatchConfig holds outbound dispatch configuration
type DispatchConfig struct {
	Policy         string        `validate:"oneof=conservative permissive"`
	Transport      string        `validate:"oneof=http lambda"`
	Timeout        time.Duration `validate:"gt=0"`
	LambdaFunction string        `validate:"required_if=Transport lambda"`
	Region         string
	IncludeContent bool
	LinkFrom       string
	LinkTo         string
}

// SettingsConfig seeds the admin-editable settings
type SettingsConfig struct {
	APIURL   string `validate:"omitempty,url"`
	APIKey   string
	Enabled  []string
	AdminCap string `validate:"required"`
}

// LockConfig selects the per-item lock backend
type LockConfig struct {
	Type      string `validate:"oneof=local redis"`
	RedisAddr string `validate:"required_if=Type redis"`
	TTL       time.Duration
	Wait      time.Duration
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int `validate:"min=1,max=65535"`
	// AdapterToken is required unless AllowInsecure is set for local development
	AdapterToken  string `validate:"required_unless=AllowInsecure true"`
	AllowInsecure bool
	GinMode       string
}

// NonceConfig holds the metabox nonce secret
type NonceConfig struct {
	Secret   string
	Lifetime time.Duration `validate:"gt=0"`
}

// Load loads configuration from environment variables with defaults
func Load(logger *logrus.Logger) (*Config, error) {
	LoadEnv(logger)

	cfg := &Config{
		Storage: StorageConfig{
			Type:          getEnv("STORAGE_TYPE", "memory"),
			Region:        getEnv("AWS_REGION", "us-east-1"),
			TableName:     getEnv("TABLE_NAME", "publish_state"),
			Endpoint:      getEnv("DYNAMODB_ENDPOINT", ""),
			MongoDBURI:    getEnv("MONGODB_URI", ""),
			MongoDatabase: getEnv("MONGODB_DATABASE", "publisher"),
			PostgresURI:   getEnv("POSTGRES_URI", ""),
		},
		Dispatch: DispatchConfig{
			Policy:         strings.ToLower(getEnv("DISPATCH_POLICY", PolicyConservative)),
			Transport:      strings.ToLower(getEnv("DISPATCH_TRANSPORT", "http")),
			Timeout:        getEnvDuration("DISPATCH_TIMEOUT", 15*time.Second),
			LambdaFunction: getEnv("LAMBDA_FUNCTION", ""),
			Region:         getEnv("AWS_REGION", "us-east-1"),
			IncludeContent: getEnvBool("DISPATCH_INCLUDE_CONTENT", false),
			LinkFrom:       getEnv("LINK_REWRITE_FROM", ""),
			LinkTo:         getEnv("LINK_REWRITE_TO", ""),
		},
		Settings: SettingsConfig{
			APIURL:   getEnv("PUBLISHER_API_URL", ""),
			APIKey:   getEnv("PUBLISHER_API_KEY", ""),
			Enabled:  enabledPlatforms(),
			AdminCap: getEnv("ADMIN_CAPABILITY", "manage_options"),
		},
		Lock: LockConfig{
			Type:      getEnv("LOCK_TYPE", "local"),
			RedisAddr: getEnv("REDIS_ADDR", ""),
			TTL:       getEnvDuration("LOCK_TTL", 30*time.Second),
			Wait:      getEnvDuration("LOCK_WAIT", 20*time.Second),
		},
		Server: ServerConfig{
			Port:          getEnvInt("SERVER_PORT", 8080),
			AdapterToken:  getEnv("ADAPTER_TOKEN", ""),
			AllowInsecure: getEnvBool("ADAPTER_ALLOW_INSECURE", false),
			GinMode:       getEnv("GIN_MODE", "release"),
		},
		Nonce: NonceConfig{
			Secret:   getEnv("NONCE_SECRET", ""),
			Lifetime: getEnvDuration("NONCE_LIFETIME", 24*time.Hour),
		},
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// a lease shorter than the dispatch would expire mid-call
	if floor := cfg.Dispatch.Timeout + lockTTLMargin; cfg.Lock.TTL < floor {
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"lock_ttl": cfg.Lock.TTL,
				"raised":   floor,
			}).Warn("LOCK_TTL shorter than DISPATCH_TIMEOUT; raising it")
		}
		cfg.Lock.TTL = floor
	}

	return cfg, nil
}

// LoadEnv loads environment variables from local .env files when present
func LoadEnv(logger *logrus.Logger) {
	files := []string{".env", ".env.dev"}
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("Failed to load %s", file)
			}
			continue
		}
		loaded = append(loaded, file)
	}
	if logger != nil && len(loaded) > 0 {
		logger.Debugf("Loaded env files: %s", strings.Join(loaded, ", "))
	}
}

// GetLogLevel gets the log level from environment
func GetLogLevel() logrus.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// enabledPlatforms reads PLATFORM_<NAME>_ENABLED for every known platform.
// Facebook, X and WhatsApp are on unless switched off.
func enabledPlatforms() []string {
	defaults := map[string]bool{
		"facebook":  true,
		"twitter":   true,
		"whatsapp":  true,
		"instagram": false,
		"threads":   false,
	}
	var enabled []string
	for _, name := range []string{"facebook", "twitter", "whatsapp", "instagram", "threads"} {
		if getEnvBool("PLATFORM_"+strings.ToUpper(name)+"_ENABLED", defaults[name]) {
			enabled = append(enabled, name)
		}
	}
	return enabled
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
