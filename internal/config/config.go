package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "LEAKLINE"
	defaultHTTPAddress        = "127.0.0.1:8787"
	defaultDatabasePath       = "leakline.db"
	defaultLogLevel           = "info"
	defaultRemoteTimeout      = 20
	defaultRemoteHealthPath   = "/health"
	defaultPageSize           = 1000
	defaultConcurrency        = 3
	defaultPageMaxAttempts    = 4
	defaultPageBackoffBaseMS  = 500
	defaultPageBackoffCapS    = 30
	defaultDrainIntervalS     = 180
	defaultQueueMaxAttempts   = 5
	defaultQueueBackoffBaseS  = 15
	defaultQueueBackoffCapS   = 300
	defaultProbeIntervalS     = 15
	defaultProbeTimeoutS      = 5
	defaultAutosaveIntervalS  = 30
	defaultIdleTimeoutMinutes = 30
	defaultSessionIssuer      = "leakline-auth"
	defaultSessionCookieName  = "app_session"
)

// AppConfig captures runtime configuration for the device agent.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	RemoteBaseURL    string
	RemoteTimeout    time.Duration
	RemoteHealthPath string

	PageSize        int
	Concurrency     int
	PageMaxAttempts int
	PageBackoffBase time.Duration
	PageBackoffCap  time.Duration

	DrainInterval     time.Duration
	QueueMaxAttempts  int
	QueueBackoffBase  time.Duration
	QueueBackoffCap   time.Duration
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
	AutosaveInterval  time.Duration
	IdleTimeout       time.Duration
	SessionSecret     string
	SessionIssuer     string
	SessionCookieName string
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
	configViper.SetDefault("remote.base_url", "")
	configViper.SetDefault("remote.timeout_seconds", defaultRemoteTimeout)
	configViper.SetDefault("remote.health_path", defaultRemoteHealthPath)
	configViper.SetDefault("dataset.page_size", defaultPageSize)
	configViper.SetDefault("dataset.concurrency", defaultConcurrency)
	configViper.SetDefault("dataset.max_attempts", defaultPageMaxAttempts)
	configViper.SetDefault("dataset.backoff_base_ms", defaultPageBackoffBaseMS)
	configViper.SetDefault("dataset.backoff_cap_seconds", defaultPageBackoffCapS)
	configViper.SetDefault("queue.drain_interval_seconds", defaultDrainIntervalS)
	configViper.SetDefault("queue.max_attempts", defaultQueueMaxAttempts)
	configViper.SetDefault("queue.backoff_base_seconds", defaultQueueBackoffBaseS)
	configViper.SetDefault("queue.backoff_cap_seconds", defaultQueueBackoffCapS)
	configViper.SetDefault("connectivity.probe_interval_seconds", defaultProbeIntervalS)
	configViper.SetDefault("connectivity.probe_timeout_seconds", defaultProbeTimeoutS)
	configViper.SetDefault("drafts.autosave_interval_seconds", defaultAutosaveIntervalS)
	configViper.SetDefault("session.idle_timeout_minutes", defaultIdleTimeoutMinutes)
	configViper.SetDefault("session.signing_secret", "")
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultSessionCookieName)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),

		RemoteBaseURL:    strings.TrimRight(strings.TrimSpace(configViper.GetString("remote.base_url")), "/"),
		RemoteTimeout:    seconds(configViper.GetInt("remote.timeout_seconds")),
		RemoteHealthPath: configViper.GetString("remote.health_path"),

		PageSize:        configViper.GetInt("dataset.page_size"),
		Concurrency:     configViper.GetInt("dataset.concurrency"),
		PageMaxAttempts: configViper.GetInt("dataset.max_attempts"),
		PageBackoffBase: time.Duration(configViper.GetInt("dataset.backoff_base_ms")) * time.Millisecond,
		PageBackoffCap:  seconds(configViper.GetInt("dataset.backoff_cap_seconds")),

		DrainInterval:     seconds(configViper.GetInt("queue.drain_interval_seconds")),
		QueueMaxAttempts:  configViper.GetInt("queue.max_attempts"),
		QueueBackoffBase:  seconds(configViper.GetInt("queue.backoff_base_seconds")),
		QueueBackoffCap:   seconds(configViper.GetInt("queue.backoff_cap_seconds")),
		ProbeInterval:     seconds(configViper.GetInt("connectivity.probe_interval_seconds")),
		ProbeTimeout:      seconds(configViper.GetInt("connectivity.probe_timeout_seconds")),
		AutosaveInterval:  seconds(configViper.GetInt("drafts.autosave_interval_seconds")),
		IdleTimeout:       time.Duration(configViper.GetInt("session.idle_timeout_minutes")) * time.Minute,
		SessionSecret:     configViper.GetString("session.signing_secret"),
		SessionIssuer:     configViper.GetString("session.issuer"),
		SessionCookieName: configViper.GetString("session.cookie_name"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("dataset.page_size must be positive")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("dataset.concurrency must be positive")
	}
	if c.PageMaxAttempts <= 0 || c.QueueMaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.DrainInterval <= 0 || c.ProbeInterval <= 0 {
		return fmt.Errorf("drain and probe intervals must be positive")
	}
	return nil
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}
