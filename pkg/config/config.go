package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/birddigital/signalwire-callcard/pkg/contacts"
)

// Config holds application configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	SignalWire   SignalWireConfig   `mapstructure:"signalwire"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Handset      HandsetConfig      `mapstructure:"handset"`
	Notification NotificationConfig `mapstructure:"notification"`
	Contacts     ContactsConfig     `mapstructure:"contacts"`
	Card         CardConfig         `mapstructure:"card"`
	Calls        CallsConfig        `mapstructure:"calls"`
	Messaging    MessagingConfig    `mapstructure:"messaging"`
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	PublicURL       string        `mapstructure:"public_url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SignalWireConfig holds API credentials and LaML parameters.
type SignalWireConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	Token          string `mapstructure:"token"`
	Space          string `mapstructure:"space"`
	FromNumber     string `mapstructure:"from_number"`
	RingbackURL    string `mapstructure:"ringback_url"`
	HoldSeconds    int    `mapstructure:"hold_seconds"`
	ConnectTarget  string `mapstructure:"connect_target"`
	ConnectTimeout int    `mapstructure:"connect_timeout"`
}

// DatabaseConfig holds the Postgres connection string. Empty runs memory-only.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// HandsetConfig guards the handset WebSocket.
type HandsetConfig struct {
	Token string `mapstructure:"token"`
}

// NotificationConfig holds fallback action signing settings.
type NotificationConfig struct {
	ActionSecret string        `mapstructure:"action_secret"`
	ActionTTL    time.Duration `mapstructure:"action_ttl"`
}

// ContactsConfig holds caller resolution settings.
type ContactsConfig struct {
	LocationStrategy     string        `mapstructure:"location_strategy"`
	PrefixFile           string        `mapstructure:"prefix_file"`
	AllowDirectoryLookup bool          `mapstructure:"allow_directory_lookup"`
	ResolveTimeout       time.Duration `mapstructure:"resolve_timeout"`
	PlaceholderPhoto     string        `mapstructure:"placeholder_photo"`
}

// CardConfig holds disposition settings.
type CardConfig struct {
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// CallsConfig holds call registry settings
type CallsConfig struct {
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// MessagingConfig holds reject-with-message settings.
type MessagingConfig struct {
	RejectTemplate string `mapstructure:"reject_template"`
}

// Load reads configuration from file and env. Env var overrides use prefix
// CALLCARD_, e.g. CALLCARD_SIGNALWIRE_PROJECT_ID. path may be empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv("CALLCARD_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("callcard")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("CALLCARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("signalwire.project_id", "")
	v.SetDefault("signalwire.token", "")
	v.SetDefault("signalwire.space", "")
	v.SetDefault("signalwire.from_number", "")
	v.SetDefault("signalwire.ringback_url", "")
	v.SetDefault("signalwire.hold_seconds", 60)
	v.SetDefault("signalwire.connect_target", "")
	v.SetDefault("signalwire.connect_timeout", 30)

	v.SetDefault("database.url", "")
	v.SetDefault("handset.token", "")

	v.SetDefault("notification.action_secret", "")
	v.SetDefault("notification.action_ttl", 2*time.Hour)

	v.SetDefault("contacts.location_strategy", contacts.StrategyEntry)
	v.SetDefault("contacts.prefix_file", "")
	v.SetDefault("contacts.allow_directory_lookup", true)
	v.SetDefault("contacts.resolve_timeout", contacts.DefaultResolveTimeout)
	v.SetDefault("contacts.placeholder_photo", "")

	v.SetDefault("card.command_timeout", 10*time.Second)
	v.SetDefault("calls.cleanup_interval", 5*time.Minute)
	v.SetDefault("messaging.reject_template", "")
}

// Validate checks the settings needed to serve.
func (c *Config) Validate() error {
	var errs []error

	if c.SignalWire.ProjectID == "" {
		errs = append(errs, fmt.Errorf("signalwire.project_id is required"))
	}
	if c.SignalWire.Token == "" {
		errs = append(errs, fmt.Errorf("signalwire.token is required"))
	}
	if c.SignalWire.Space == "" {
		errs = append(errs, fmt.Errorf("signalwire.space is required"))
	}
	if c.SignalWire.ConnectTarget == "" {
		errs = append(errs, fmt.Errorf("signalwire.connect_target is required"))
	}

	if c.Server.PublicURL == "" {
		errs = append(errs, fmt.Errorf("server.public_url is required"))
	} else if u, err := url.Parse(c.Server.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.public_url must be an absolute URL"))
	}

	if strings.TrimSpace(c.Notification.ActionSecret) == "" {
		errs = append(errs, fmt.Errorf("notification.action_secret is required"))
	}

	switch c.Contacts.LocationStrategy {
	case contacts.StrategyEntry, "":
	case contacts.StrategyPrefix:
		if c.Contacts.PrefixFile == "" {
			errs = append(errs, fmt.Errorf("contacts.prefix_file is required for the prefix location strategy"))
		}
	default:
		errs = append(errs, fmt.Errorf("contacts.location_strategy %q is not one of %s, %s",
			c.Contacts.LocationStrategy, contacts.StrategyEntry, contacts.StrategyPrefix))
	}

	if c.Card.CommandTimeout < 0 || c.Contacts.ResolveTimeout < 0 {
		errs = append(errs, fmt.Errorf("timeouts must not be negative"))
	}
	if c.Calls.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("calls.cleanup_interval must be positive"))
	}

	return errors.Join(errs...)
}

// AnswerURL is where SignalWire fetches the LaML for an answered call
func (c *Config) AnswerURL() string {
	return strings.TrimRight(c.Server.PublicURL, "/") + "/api/telephony/calls/answer"
}

// LoadPrefixes reads a number prefix to place table from a YAML file:
//
//	prefixes:
//	  "1217": Springfield, IL
func LoadPrefixes(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prefix file: %w", err)
	}
	var doc struct {
		Prefixes map[string]string `yaml:"prefixes"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid prefix yaml: %w", err)
	}
	if len(doc.Prefixes) == 0 {
		return nil, fmt.Errorf("prefix file %s has no prefixes", path)
	}
	return doc.Prefixes, nil
}
