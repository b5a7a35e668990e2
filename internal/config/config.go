package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/notify"
	"github.com/spf13/viper"
)

const (
	envPrefix              = "COURIER"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "courier.db"
	defaultLogLevel        = "info"
	defaultTokenIssuer     = "courier"
	defaultTokenAudience   = "courier-api"
	defaultTokenTTLMinutes = 30
	defaultResolver        = notify.ResolverDisabled
	defaultSweepInterval   = time.Minute
	defaultChannelPrefix   = "courier"
	defaultExchange        = "courier.notifications"

	// DigestSinkLog writes digests to the service log.
	DigestSinkLog = "log"
	// DigestSinkEmail sends digests through the Postmark backend.
	DigestSinkEmail = "email"
)

// AppConfig captures runtime configuration for the courier service and CLI.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration
	Resolver      string
	SweepInterval time.Duration
	Backends      BackendsConfig
}

// BackendsConfig selects the delivery backends registered at startup. Push, queue and email are
// enabled by configuring their connection settings.
type BackendsConfig struct {
	LogEnabled    bool
	StreamEnabled bool
	DigestEnabled bool
	DigestSink    string
	Redis         RedisConfig
	AMQP          AMQPConfig
	Postmark      PostmarkConfig
}

type RedisConfig struct {
	URL           string
	ChannelPrefix string
}

type AMQPConfig struct {
	URL      string
	Exchange string
}

type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	Sender       string
	Addresses    map[int64]string
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
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("resolver", defaultResolver)
	configViper.SetDefault("sweep.interval", defaultSweepInterval)
	configViper.SetDefault("backends.log.enabled", true)
	configViper.SetDefault("backends.stream.enabled", true)
	configViper.SetDefault("backends.digest.enabled", true)
	configViper.SetDefault("backends.digest.sink", DigestSinkLog)
	configViper.SetDefault("backends.redis.channel_prefix", defaultChannelPrefix)
	configViper.SetDefault("backends.amqp.exchange", defaultExchange)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	addresses, err := parseAddresses(configViper.GetStringMapString("backends.postmark.addresses"))
	if err != nil {
		return AppConfig{}, err
	}

	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenIssuer:   configViper.GetString("auth.issuer"),
		TokenAudience: configViper.GetString("auth.audience"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		Resolver:      strings.ToLower(strings.TrimSpace(configViper.GetString("resolver"))),
		SweepInterval: configViper.GetDuration("sweep.interval"),
		Backends: BackendsConfig{
			LogEnabled:    configViper.GetBool("backends.log.enabled"),
			StreamEnabled: configViper.GetBool("backends.stream.enabled"),
			DigestEnabled: configViper.GetBool("backends.digest.enabled"),
			DigestSink:    strings.ToLower(strings.TrimSpace(configViper.GetString("backends.digest.sink"))),
			Redis: RedisConfig{
				URL:           strings.TrimSpace(configViper.GetString("backends.redis.url")),
				ChannelPrefix: configViper.GetString("backends.redis.channel_prefix"),
			},
			AMQP: AMQPConfig{
				URL:      strings.TrimSpace(configViper.GetString("backends.amqp.url")),
				Exchange: configViper.GetString("backends.amqp.exchange"),
			},
			Postmark: PostmarkConfig{
				ServerToken:  strings.TrimSpace(configViper.GetString("backends.postmark.server_token")),
				AccountToken: strings.TrimSpace(configViper.GetString("backends.postmark.account_token")),
				Sender:       strings.TrimSpace(configViper.GetString("backends.postmark.sender")),
				Addresses:    addresses,
			},
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// ValidateAuth reports whether token issuing and validation are configured.
func (c AppConfig) ValidateAuth() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	return nil
}

// EmailEnabled reports whether the Postmark backend is configured.
func (c BackendsConfig) EmailEnabled() bool {
	return c.Postmark.ServerToken != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if _, err := notify.ResolverByName(c.Resolver); err != nil {
		return fmt.Errorf("resolver: %w", err)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep.interval must not be negative")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.Backends.EmailEnabled() && c.Backends.Postmark.Sender == "" {
		return fmt.Errorf("backends.postmark.sender is required when postmark is configured")
	}
	if c.Backends.DigestEnabled {
		switch c.Backends.DigestSink {
		case DigestSinkLog:
		case DigestSinkEmail:
			if !c.Backends.EmailEnabled() {
				return fmt.Errorf("backends.digest.sink %q requires backends.postmark.server_token", DigestSinkEmail)
			}
		default:
			return fmt.Errorf("backends.digest.sink %q is not supported", c.Backends.DigestSink)
		}
	}
	return nil
}

func parseAddresses(raw map[string]string) (map[int64]string, error) {
	addresses := make(map[int64]string, len(raw))
	for key, address := range raw {
		userID, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil || userID <= 0 {
			return nil, fmt.Errorf("backends.postmark.addresses: invalid user id %q", key)
		}
		addresses[userID] = strings.TrimSpace(address)
	}
	return addresses, nil
}
