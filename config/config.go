// Package config loads subscriber settings from a file and WEBSUB_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"meow.tf/websub-client/model"
)

// Store selects the persistence backend.
type Store struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

// Subscription is a topic to subscribe to at startup.
type Subscription struct {
	Type   string            `mapstructure:"type"`
	Params map[string]string `mapstructure:"params"`
}

// Config holds the subscriber settings.
type Config struct {
	Listen       string         `mapstructure:"listen"`
	Hostname     string         `mapstructure:"hostname"`
	BasePath     string         `mapstructure:"base_path"`
	HubURL       string         `mapstructure:"hub_url"`
	ClientID     string         `mapstructure:"client_id"`
	ClientSecret string         `mapstructure:"client_secret"`
	TokenURL     string         `mapstructure:"token_url"`
	Secret       string         `mapstructure:"secret"`
	LeaseSeconds int            `mapstructure:"lease_seconds"`
	Timeout      time.Duration  `mapstructure:"timeout"`
	RateLimit    float64        `mapstructure:"rate_limit"`
	RateBurst    int            `mapstructure:"rate_burst"`
	Verbose      bool           `mapstructure:"verbose"`
	Store        Store          `mapstructure:"store"`
	Topics       []Subscription `mapstructure:"topics"`
}

// CallbackURL returns the externally reachable base URL of the callback router.
func (c *Config) CallbackURL() string {
	return strings.TrimRight(c.Hostname, "/") + "/" + strings.Trim(c.BasePath, "/")
}

func setDefaults(v *viper.Viper) {
	// Keys without a default are invisible to AutomaticEnv during Unmarshal.
	for _, key := range []string{"hostname", "client_id", "client_secret", "secret", "store.dsn"} {
		v.SetDefault(key, "")
	}

	v.SetDefault("verbose", false)
	v.SetDefault("rate_limit", 0.0)
	v.SetDefault("listen", ":8080")
	v.SetDefault("base_path", "/webhooks")
	v.SetDefault("hub_url", "https://api.twitch.tv/helix/webhooks/hub")
	v.SetDefault("token_url", "https://id.twitch.tv/oauth2/token")
	v.SetDefault("lease_seconds", model.MaxLeaseSeconds)
	v.SetDefault("timeout", 10*time.Second)
	v.SetDefault("rate_burst", 1)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", "subscriptions.db")
}

// Load reads the config file at path (any format viper supports) and applies
// WEBSUB_* environment overrides, e.g. WEBSUB_CLIENT_ID or WEBSUB_STORE_DRIVER.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("websub")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg Config

	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))

	if err != nil {
		return nil, errors.Wrap(err, "decode config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the settings required to run a subscriber.
func (c *Config) Validate() error {
	fields := make(map[string]interface{})

	if c.Hostname == "" {
		fields["hostname"] = "required"
	} else if err := model.ValidateVar("hostname", c.Hostname, "url"); err != nil {
		fields["hostname"] = "url"
	}

	if err := model.ValidateVar("lease_seconds", c.LeaseSeconds, "min=0,max=864000"); err != nil {
		fields["lease_seconds"] = "range"
	}

	switch c.Store.Driver {
	case "memory":
	case "bolt":
		if c.Store.Path == "" {
			fields["store.path"] = "required"
		}
	case "postgres":
		if c.Store.DSN == "" {
			fields["store.dsn"] = "required"
		}
	default:
		fields["store.driver"] = c.Store.Driver
	}

	if len(fields) > 0 {
		return model.ValidationError{Fields: fields}
	}

	return nil
}
