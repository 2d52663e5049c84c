package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type HomeserverConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

type AppserviceConfig struct {
	ID              string `yaml:"id"`
	URL             string `yaml:"url"`
	ListenAddress   string `yaml:"listen_address"`
	ASToken         string `yaml:"as_token"`
	HSToken         string `yaml:"hs_token"`
	BotLocalpart    string `yaml:"bot_localpart"`
	NamespacePrefix string `yaml:"namespace_prefix"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type GoogleConfig struct {
	ClientID        string `yaml:"client_id"`
	ClientSecret    string `yaml:"client_secret"`
	RedirectURI     string `yaml:"redirect_uri"`
	ProjectID       string `yaml:"project_id"`
	PubSubTopic     string `yaml:"pubsub_topic"`
	CredentialsFile string `yaml:"credentials_file"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type BridgeConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	BackfillWindow     int           `yaml:"backfill_window"`
	InitialLookback    time.Duration `yaml:"initial_lookback"`
	DeliveryGrace      time.Duration `yaml:"delivery_grace"`
	DefaultDisplayName string        `yaml:"default_display_name"`
	QuoteMarkers       []string      `yaml:"quote_markers"`
	EncryptionKey      string        `yaml:"encryption_key"`
}

type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	Appservice AppserviceConfig `yaml:"appservice"`
	Database   DatabaseConfig   `yaml:"database"`
	Google     GoogleConfig     `yaml:"google"`
	Redis      RedisConfig      `yaml:"redis"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	LogLevel   string           `yaml:"log_level"`
	Debug      bool             `yaml:"debug"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Homeserver: HomeserverConfig{URL: "http://localhost:8008", Name: "localhost"},
		Appservice: AppserviceConfig{
			ID:              "gmail",
			URL:             "http://localhost:8090",
			ListenAddress:   ":8090",
			BotLocalpart:    "gmail",
			NamespacePrefix: "_bridge_",
		},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "bridge.db"},
		Bridge: BridgeConfig{
			PollInterval:       300 * time.Second,
			BackfillWindow:     5,
			InitialLookback:    24 * time.Hour,
			DeliveryGrace:      10 * time.Minute,
			DefaultDisplayName: "Gmail Bridge User",
		},
		LogLevel: "info",
	}
}

// Load reads an optional .env file, then the YAML file at path when it
// exists, then environment overrides.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			dec := yaml.NewDecoder(bytes.NewReader(data))
			if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
	overrideFromEnv(cfg)
	return cfg, nil
}

func overrideFromEnv(cfg *Config) {
	cfg.Homeserver.URL = getEnv("HOMESERVER_URL", cfg.Homeserver.URL)
	cfg.Homeserver.Name = getEnv("HOMESERVER_NAME", cfg.Homeserver.Name)

	cfg.Appservice.URL = getEnv("APPSERVICE_URL", cfg.Appservice.URL)
	cfg.Appservice.ListenAddress = getEnv("LISTEN_ADDRESS", cfg.Appservice.ListenAddress)
	cfg.Appservice.ASToken = getEnv("AS_TOKEN", cfg.Appservice.ASToken)
	cfg.Appservice.HSToken = getEnv("HS_TOKEN", cfg.Appservice.HSToken)
	cfg.Appservice.BotLocalpart = getEnv("BOT_LOCALPART", cfg.Appservice.BotLocalpart)
	cfg.Appservice.NamespacePrefix = getEnv("NAMESPACE_PREFIX", cfg.Appservice.NamespacePrefix)

	cfg.Database.Driver = getEnv("DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getEnv("DATABASE_URL", cfg.Database.DSN)

	cfg.Google.ClientID = getEnv("GOOGLE_CLIENT_ID", cfg.Google.ClientID)
	cfg.Google.ClientSecret = getEnv("GOOGLE_CLIENT_SECRET", cfg.Google.ClientSecret)
	cfg.Google.RedirectURI = getEnv("GOOGLE_REDIRECT_URI", cfg.Google.RedirectURI)
	cfg.Google.ProjectID = getEnv("GOOGLE_PROJECT_ID", cfg.Google.ProjectID)
	cfg.Google.PubSubTopic = getEnv("GOOGLE_PUBSUB_TOPIC", cfg.Google.PubSubTopic)
	cfg.Google.CredentialsFile = getEnv("GOOGLE_APPLICATION_CREDENTIALS", cfg.Google.CredentialsFile)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.Redis.DB = n
		}
	}

	cfg.Bridge.PollInterval = getDuration("GMAIL_RECHECK_SECONDS", cfg.Bridge.PollInterval)
	if n, err := strconv.Atoi(os.Getenv("BACKFILL_WINDOW")); err == nil {
		cfg.Bridge.BackfillWindow = n
	}
	cfg.Bridge.InitialLookback = getDuration("INITIAL_LOOKBACK", cfg.Bridge.InitialLookback)
	cfg.Bridge.DeliveryGrace = getDuration("DELIVERY_GRACE", cfg.Bridge.DeliveryGrace)
	cfg.Bridge.DefaultDisplayName = getEnv("DEFAULT_EMAIL_NAME", cfg.Bridge.DefaultDisplayName)
	cfg.Bridge.EncryptionKey = getEnv("TOKEN_ENCRYPTION_KEY", cfg.Bridge.EncryptionKey)
	if markers := os.Getenv("QUOTE_MARKERS"); markers != "" {
		cfg.Bridge.QuoteMarkers = strings.Split(markers, "|")
	}

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	if debug := os.Getenv("DEBUG"); debug != "" {
		cfg.Debug, _ = strconv.ParseBool(debug)
	}
}

// Validate reports every missing or invalid required field.
func (c *Config) Validate() error {
	var errs []error
	require := func(value, name string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	require(c.Homeserver.URL, "homeserver.url")
	require(c.Homeserver.Name, "homeserver.name")
	require(c.Appservice.ASToken, "appservice.as_token")
	require(c.Appservice.HSToken, "appservice.hs_token")
	require(c.Appservice.BotLocalpart, "appservice.bot_localpart")
	require(c.Appservice.NamespacePrefix, "appservice.namespace_prefix")
	require(c.Database.DSN, "database.dsn")
	require(c.Google.ClientID, "google.client_id")
	require(c.Google.ClientSecret, "google.client_secret")
	require(c.Bridge.EncryptionKey, "bridge.encryption_key")

	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		errs = append(errs, fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver))
	}
	if c.Bridge.PollInterval <= 0 {
		errs = append(errs, errors.New("bridge.poll_interval must be positive"))
	}
	if c.Bridge.BackfillWindow <= 0 {
		errs = append(errs, errors.New("bridge.backfill_window must be positive"))
	}
	if c.Google.PubSubTopic != "" && c.Google.ProjectID == "" {
		errs = append(errs, errors.New("google.project_id is required when google.pubsub_topic is set"))
	}
	return errors.Join(errs...)
}

// PubSubTopicPath is the fully qualified topic Gmail watches publish to, or
// empty when push notifications are off.
func (c *Config) PubSubTopicPath() string {
	topic := c.Google.PubSubTopic
	if topic == "" || strings.HasPrefix(topic, "projects/") {
		return topic
	}
	return "projects/" + c.Google.ProjectID + "/topics/" + topic
}

// BotUserID is the full user id of the bridge bot.
func (c *Config) BotUserID() string {
	return "@" + c.Appservice.BotLocalpart + ":" + c.Homeserver.Name
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDuration accepts either a Go duration or a plain number of seconds.
func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	return defaultValue
}
