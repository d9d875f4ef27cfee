package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config aggregates application settings that may be sourced from files or environment variables.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	Google   GoogleConfig   `mapstructure:"google"`
	Stripe   StripeConfig   `mapstructure:"stripe"`
	Session  SessionConfig  `mapstructure:"session"`
	Quota    QuotaConfig    `mapstructure:"quota"`
}

// APIConfig contains HTTP server settings.
type APIConfig struct {
	Port           int    `mapstructure:"port"`
	FrontendOrigin string `mapstructure:"frontend_origin"`
}

// DatabaseConfig contains connection options for PostgreSQL.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig 包含 Redis 连接配置。
type RedisConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MinIOConfig contains connection options for MinIO/S3-compatible storage.
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	PublicEndpoint  string `mapstructure:"public_endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	Bucket          string `mapstructure:"bucket"`
}

// GoogleConfig contains the Google OAuth client settings.
type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`
}

// StripeConfig contains the Stripe API credentials and the configured price identifiers.
type StripeConfig struct {
	SecretKey       string `mapstructure:"secret_key"`
	WebhookSecret   string `mapstructure:"webhook_secret"`
	PriceIDPro      string `mapstructure:"price_id_pro"`
	PriceIDBusiness string `mapstructure:"price_id_business"`
}

// SessionConfig contains signing and cookie settings for login sessions.
type SessionConfig struct {
	JWTSecret    string        `mapstructure:"jwt_secret"`
	TTL          time.Duration `mapstructure:"ttl"`
	CookieDomain string        `mapstructure:"cookie_domain"`
}

// QuotaConfig 限额配置。
type QuotaConfig struct {
	FreeMaxResumes int `mapstructure:"free_max_resumes"`
}

// DSN builds a lib/pq compatible connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host,
		d.Port,
		d.User,
		d.Password,
		d.Name,
		d.SSLMode,
	)
}

// Addr 返回 Redis 连接地址。
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Load reads configuration solely from environment variables (with optional defaults).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// MustLoad wraps Load and panics on failure.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.frontend_origin", "http://localhost:5173")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "resumeforge")
	v.SetDefault("database.user", "resumeforge")
	v.SetDefault("database.password", "resumeforge")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.public_endpoint", "http://localhost:9000")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket", "resume-exports")
	v.SetDefault("session.ttl", 7*24*time.Hour)
	v.SetDefault("quota.free_max_resumes", 3)
}

func bindEnv(v *viper.Viper) error {
	mappings := map[string]string{
		"api.port":                 "API_PORT",
		"api.frontend_origin":      "FRONTEND_ORIGIN",
		"database.host":            "DATABASE_HOST",
		"database.port":            "DATABASE_PORT",
		"database.name":            "POSTGRES_DB",
		"database.user":            "POSTGRES_USER",
		"database.password":        "POSTGRES_PASSWORD",
		"database.sslmode":         "DATABASE_SSLMODE",
		"redis.host":               "REDIS_HOST",
		"redis.port":               "REDIS_PORT",
		"minio.endpoint":           "MINIO_ENDPOINT",
		"minio.public_endpoint":    "MINIO_PUBLIC_ENDPOINT",
		"minio.access_key_id":      "MINIO_ACCESS_KEY_ID",
		"minio.secret_access_key":  "MINIO_SECRET_ACCESS_KEY",
		"minio.use_ssl":            "MINIO_USE_SSL",
		"minio.bucket":             "MINIO_BUCKET",
		"google.client_id":         "GOOGLE_CLIENT_ID",
		"google.client_secret":     "GOOGLE_CLIENT_SECRET",
		"google.redirect_url":      "GOOGLE_REDIRECT_URL",
		"stripe.secret_key":        "STRIPE_SECRET_KEY",
		"stripe.webhook_secret":    "STRIPE_WEBHOOK_SECRET",
		"stripe.price_id_pro":      "STRIPE_PRICE_ID_PRO",
		"stripe.price_id_business": "STRIPE_PRICE_ID_BUSINESS",
		"session.jwt_secret":       "SESSION_JWT_SECRET",
		"session.ttl":              "SESSION_TTL",
		"session.cookie_domain":    "SESSION_COOKIE_DOMAIN",
		"quota.free_max_resumes":   "QUOTA_FREE_MAX_RESUMES",
	}

	for key, env := range mappings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind %s to %s: %w", key, env, err)
		}
	}

	return nil
}

func validate(cfg Config) error {
	if cfg.API.Port <= 0 {
		return errors.New("api port must be positive")
	}
	if cfg.API.FrontendOrigin == "" {
		return errors.New("frontend origin is required")
	}
	if cfg.Database.Host == "" {
		return errors.New("database host is required")
	}
	if cfg.Database.Port <= 0 {
		return errors.New("database port must be positive")
	}
	if cfg.Database.Name == "" {
		return errors.New("database name is required")
	}
	if cfg.Database.User == "" {
		return errors.New("database user is required")
	}
	if cfg.Database.Password == "" {
		return errors.New("database password is required")
	}
	if cfg.Database.SSLMode == "" {
		return errors.New("database sslmode is required")
	}
	if cfg.Redis.Host == "" {
		return errors.New("redis host is required")
	}
	if cfg.Redis.Port <= 0 {
		return errors.New("redis port must be positive")
	}
	if cfg.Google.ClientID == "" {
		return errors.New("google client id is required")
	}
	if cfg.Google.ClientSecret == "" {
		return errors.New("google client secret is required")
	}
	if cfg.Google.RedirectURL == "" {
		return errors.New("google redirect url is required")
	}
	if cfg.Stripe.SecretKey == "" {
		return errors.New("stripe secret key is required")
	}
	if cfg.Stripe.WebhookSecret == "" {
		return errors.New("stripe webhook secret is required")
	}
	if cfg.Stripe.PriceIDPro == "" {
		return errors.New("stripe pro price id is required")
	}
	if cfg.Stripe.PriceIDBusiness == "" {
		return errors.New("stripe business price id is required")
	}
	if cfg.Session.JWTSecret == "" {
		return errors.New("session jwt secret is required")
	}
	if cfg.Session.TTL <= 0 {
		return errors.New("session ttl must be positive")
	}
	if cfg.Quota.FreeMaxResumes <= 0 {
		return errors.New("free resume quota must be positive")
	}
	return nil
}
