package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	sslModeDisable = "disable"
	sslModeRequire = "require"

	FeedSourceLocal    = "local"
	FeedSourcePostgres = "postgres"
	FeedSourceRedis    = "redis"
)

type (
	Config struct {
		Host      string `mapstructure:"HOST"`
		Port      string `mapstructure:"PORT"`
		GRPCPort  string `mapstructure:"GRPC_PORT"`
		PublicURL string `mapstructure:"PUBLIC_URL"`

		DBHost     string `mapstructure:"DB_HOST"`
		DBPort     string `mapstructure:"DB_PORT"`
		DBUser     string `mapstructure:"DB_USER"`
		DBPassword string `mapstructure:"DB_PASSWORD"`
		DBName     string `mapstructure:"DB_NAME"`
		DBSSLMode  string `mapstructure:"DB_SSL_MODE"`

		LogLevel  string `mapstructure:"LOG_LEVEL"`
		LogPretty bool   `mapstructure:"LOG_PRETTY"`

		FeedSource string `mapstructure:"FEED_SOURCE"`

		RedisAddr     string `mapstructure:"REDIS_ADDR"`
		RedisPassword string `mapstructure:"REDIS_PASSWORD"`
		RedisDB       int    `mapstructure:"REDIS_DB"`
		RedisChannel  string `mapstructure:"REDIS_CHANNEL"`

		BcryptCost int `mapstructure:"BCRYPT_COST"`

		OAuthGoogleClientID     string `mapstructure:"OAUTH_GOOGLE_CLIENT_ID"`
		OAuthGoogleClientSecret string `mapstructure:"OAUTH_GOOGLE_CLIENT_SECRET"`
	}
)

func NewConfig() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BOOKMARKER")

	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", "1323")
	v.SetDefault("GRPC_PORT", "9000")
	v.SetDefault("PUBLIC_URL", "http://localhost:1323")
	v.SetDefault("DB_HOST", "0.0.0.0")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "user")
	v.SetDefault("DB_PASSWORD", "password")
	v.SetDefault("DB_NAME", "db")
	v.SetDefault("DB_SSL_MODE", sslModeDisable)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("FEED_SOURCE", FeedSourceLocal)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_CHANNEL", "bookmarker:changes")
	v.SetDefault("BCRYPT_COST", 14)
	v.SetDefault("OAUTH_GOOGLE_CLIENT_ID", "")
	v.SetDefault("OAUTH_GOOGLE_CLIENT_SECRET", "")

	envs := []string{
		"HOST", "PORT", "GRPC_PORT", "PUBLIC_URL",
		"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSL_MODE",
		"LOG_LEVEL", "LOG_PRETTY", "FEED_SOURCE",
		"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "REDIS_CHANNEL", "BCRYPT_COST",
		"OAUTH_GOOGLE_CLIENT_ID", "OAUTH_GOOGLE_CLIENT_SECRET",
	}
	for _, key := range envs {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	cfg := Config{}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// DSN is the key/value connection string used by gorm and pgx.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort, c.DBSSLMode)
}

// MigrateURL is the URL form of the DSN, as golang-migrate expects it.
func (c *Config) MigrateURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     c.DBHost + ":" + c.DBPort,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

func (c *Config) GoogleOAuthEnabled() bool {
	return c.OAuthGoogleClientID != "" && c.OAuthGoogleClientSecret != ""
}

func validate(cfg *Config) error {
	if err := validateSSLMode(cfg.DBSSLMode); err != nil {
		return err
	}

	cfg.FeedSource = strings.ToLower(cfg.FeedSource)
	switch cfg.FeedSource {
	case FeedSourceLocal, FeedSourcePostgres:
	case FeedSourceRedis:
		if cfg.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required when FEED_SOURCE is redis")
		}
	default:
		return errors.New(fmt.Sprintf("feed source is invalid: %s", cfg.FeedSource))
	}

	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return errors.New(fmt.Sprintf("bcrypt cost is out of range: %d", cfg.BcryptCost))
	}

	if _, err := url.Parse(cfg.PublicURL); err != nil {
		return errors.Wrap(err, "public url")
	}

	return nil
}

func validateSSLMode(mode string) error {
	validSSLValues := []string{sslModeDisable, sslModeRequire}
	for _, validValue := range validSSLValues {
		if mode == validValue {
			return nil
		}
	}
	return errors.New(fmt.Sprintf("DB SSL mode is invalid: %s", mode))
}
