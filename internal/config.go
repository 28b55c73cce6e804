package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/mediacat/internal/storage"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Library LibraryConfig     `yaml:"library"`
	Cloud   CloudConfig       `yaml:"cloud"`
	SQLite  SQLiteConfig      `yaml:"sqlite"`
	Auth    AuthConfig        `yaml:"auth"`
	NATS    NATSConfig        `yaml:"nats"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Library.Validate(); err != nil {
		return err
	}
	if c.Library.Backend == storage.KindCloud {
		if err := c.Cloud.Validate(); err != nil {
			return err
		}
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	return c.NATS.Validate()
}

// StorageConfig translates the library and cloud sections for the storage factory.
func (c *Config) StorageConfig() storage.Config {
	return storage.Config{
		Kind:         c.Library.Backend,
		Root:         c.Library.Root,
		Subdir:       c.Library.Subdir,
		Debounce:     c.Library.Debounce,
		Endpoint:     c.Cloud.Endpoint,
		Region:       c.Cloud.Region,
		Bucket:       c.Cloud.Bucket,
		Prefix:       c.Cloud.Prefix,
		AccessKey:    c.Cloud.AccessKey,
		SecretKey:    c.Cloud.SecretKey,
		CacheDir:     c.Cloud.CacheDir,
		PollInterval: c.Cloud.PollInterval,
	}
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port         int           `yaml:"port"`
	SSEHeartbeat time.Duration `yaml:"sse_heartbeat"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.SSEHeartbeat, validation.Min(time.Second)),
	)
}

// LibraryConfig selects the storage backend and tunes the sync pipeline.
type LibraryConfig struct {
	Backend     string        `yaml:"backend"`
	Root        string        `yaml:"root"`
	Subdir      string        `yaml:"subdir"`
	Debounce    time.Duration `yaml:"debounce"`
	Lookahead   int           `yaml:"lookahead"`
	HashWorkers int           `yaml:"hash_workers"`
}

// Validate validates the library configuration.
func (c *LibraryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.Required, validation.In(storage.KindLocal, storage.KindCloud)),
		validation.Field(&c.Root, validation.When(c.Backend == storage.KindLocal, validation.Required)),
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
		validation.Field(&c.Lookahead, validation.Min(0), validation.Max(50)),
		validation.Field(&c.HashWorkers, validation.Min(1), validation.Max(32)),
	)
}

// CloudConfig holds the S3-compatible object store settings.
type CloudConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	Region       string        `yaml:"region"`
	Bucket       string        `yaml:"bucket"`
	Prefix       string        `yaml:"prefix"`
	AccessKey    string        `yaml:"access_key"`
	SecretKey    string        `yaml:"secret_key"`
	CacheDir     string        `yaml:"cache_dir"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Validate validates the cloud configuration.
func (c *CloudConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Region, validation.Required),
		validation.Field(&c.Bucket, validation.Required),
		validation.Field(&c.CacheDir, validation.Required),
		validation.Field(&c.SecretKey, validation.When(c.AccessKey != "", validation.Required)),
		validation.Field(&c.PollInterval, validation.Min(time.Second)),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NATSConfig controls the optional event bridge.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Name          string `yaml:"name"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Validate validates the NATS configuration.
func (c *NATSConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.URL, validation.When(c.Enabled, validation.Required)),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port:         8080,
				SSEHeartbeat: 15 * time.Second,
			},
		},
		Library: LibraryConfig{
			Backend:     storage.KindLocal,
			Root:        "./library",
			Debounce:    300 * time.Millisecond,
			Lookahead:   3,
			HashWorkers: 2,
		},
		Cloud: CloudConfig{
			Region:       "us-east-1",
			CacheDir:     "./cache",
			PollInterval: 5 * time.Second,
		},
		SQLite: SQLiteConfig{
			Path: "./mediacat.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			Name:          "mediacat",
			SubjectPrefix: "mediacat",
		},
	}
}
