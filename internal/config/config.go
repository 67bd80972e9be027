package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Storage and queue backend selectors, supplied at process startup.
const (
	StorageModeLocal    = "local"
	StorageModePostgres = "postgres"

	QueueModeLocal  = "local"
	QueueModeRemote = "remote"
)

// DevAuthSecretKey is the development placeholder for AUTH_SECRET_KEY. It
// must never appear outside test environments; LoadConfig warns loudly
// when it does.
const DevAuthSecretKey = "dev-secret-key-change-me"

// Config holds all the configuration variables for the auth-service,
// loaded from environment variables. It is immutable after LoadConfig and
// threaded explicitly through constructors.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	StorageMode string `mapstructure:"STORAGE_MODE"`
	QueueMode   string `mapstructure:"QUEUE_MODE"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`
	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	AuthSecretKey                string `mapstructure:"AUTH_SECRET_KEY"`
	AuthAccessTokenExpireMinutes int    `mapstructure:"AUTH_ACCESS_TOKEN_EXPIRE_MINUTES"`
	BcryptCost                   int    `mapstructure:"BCRYPT_COST"`

	DefaultAdminUsername string `mapstructure:"DEFAULT_ADMIN_USERNAME"`
	DefaultAdminPassword string `mapstructure:"DEFAULT_ADMIN_PASSWORD"`

	CORSAllowedOrigins      string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LoginRateLimitPerMinute int    `mapstructure:"LOGIN_RATE_LIMIT_PER_MINUTE"`
}

// AllowedOrigins returns the parsed CORS origin list.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// LoadConfig reads configuration from environment variables and an
// optional .env file at the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORAGE_MODE", StorageModeLocal)
	viper.SetDefault("QUEUE_MODE", QueueModeLocal)
	viper.SetDefault("SQLITE_PATH", "auth.db")
	viper.SetDefault("AUTH_SECRET_KEY", DevAuthSecretKey)
	viper.SetDefault("AUTH_ACCESS_TOKEN_EXPIRE_MINUTES", 30)
	viper.SetDefault("BCRYPT_COST", 0)
	viper.SetDefault("DEFAULT_ADMIN_USERNAME", "default")
	viper.SetDefault("DEFAULT_ADMIN_PASSWORD", "")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost,http://localhost:8080,http://localhost:3001,http://localhost:3002")
	viper.SetDefault("LOGIN_RATE_LIMIT_PER_MINUTE", 10)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("STORAGE_MODE")
	_ = viper.BindEnv("QUEUE_MODE")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("SQLITE_PATH")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("AUTH_SECRET_KEY")
	_ = viper.BindEnv("AUTH_ACCESS_TOKEN_EXPIRE_MINUTES")
	_ = viper.BindEnv("BCRYPT_COST")
	_ = viper.BindEnv("DEFAULT_ADMIN_USERNAME")
	_ = viper.BindEnv("DEFAULT_ADMIN_PASSWORD")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("LOGIN_RATE_LIMIT_PER_MINUTE")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	// Platform-provided PORT (e.g. Railway/Render) wins over SERVER_PORT.
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.StorageMode = strings.ToLower(strings.TrimSpace(config.StorageMode))
	switch config.StorageMode {
	case StorageModeLocal, StorageModePostgres:
	default:
		return config, fmt.Errorf("unknown STORAGE_MODE %q", config.StorageMode)
	}
	if config.StorageMode == StorageModePostgres && strings.TrimSpace(config.DatabaseURL) == "" {
		return config, fmt.Errorf("STORAGE_MODE=postgres requires DATABASE_URL")
	}

	config.QueueMode = strings.ToLower(strings.TrimSpace(config.QueueMode))
	switch config.QueueMode {
	case QueueModeLocal, QueueModeRemote:
	default:
		return config, fmt.Errorf("unknown QUEUE_MODE %q", config.QueueMode)
	}
	if config.QueueMode == QueueModeRemote && strings.TrimSpace(config.RabbitMQURL) == "" {
		return config, fmt.Errorf("QUEUE_MODE=remote requires RABBITMQ_URL")
	}

	if config.AuthAccessTokenExpireMinutes <= 0 {
		config.AuthAccessTokenExpireMinutes = 30
	}
	if config.LoginRateLimitPerMinute <= 0 {
		config.LoginRateLimitPerMinute = 10
	}

	if config.AuthSecretKey == DevAuthSecretKey {
		log.Printf("level=warn component=config msg=\"AUTH_SECRET_KEY is the development placeholder; set a real secret before deploying\"")
	}

	return
}
