package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                    = "SYNCORE"
	defaultHTTPAddress           = "0.0.0.0:8080"
	defaultDatabasePath          = "syncore.db"
	defaultLogLevel              = "info"
	defaultCookieName            = "syncore_session"
	defaultIssuer                = "syncore-auth"
	defaultAudience              = "syncore-api"
	defaultTokenTTLMinutes       = 30
	defaultResolveTimeoutSeconds = 10
	defaultProviderIssuer        = "syncore-identity"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	SigningSecret  string
	AuthIssuer     string
	AuthAudience   string
	AuthCookieName string
	ProviderIssuer string
	ProviderSecret string
	TokenTTL       time.Duration
	PlatformHost   string
	ResolveTimeout time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.provider_issuer", defaultProviderIssuer)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("tenant.platform_host", "")
	configViper.SetDefault("tenant.resolve_timeout_seconds", defaultResolveTimeoutSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:     configViper.GetString("auth.issuer"),
		AuthAudience:   configViper.GetString("auth.audience"),
		AuthCookieName: configViper.GetString("auth.cookie_name"),
		ProviderIssuer: configViper.GetString("auth.provider_issuer"),
		ProviderSecret: configViper.GetString("auth.provider_secret"),
		TokenTTL:       time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		PlatformHost:   configViper.GetString("tenant.platform_host"),
		ResolveTimeout: time.Duration(configViper.GetInt("tenant.resolve_timeout_seconds")) * time.Second,
	}

	if cfg.ProviderSecret == "" {
		cfg.ProviderSecret = cfg.SigningSecret
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.ProviderIssuer) == "" {
		return fmt.Errorf("auth.provider_issuer is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.ResolveTimeout <= 0 {
		return fmt.Errorf("tenant.resolve_timeout_seconds must be positive")
	}
	return nil
}
