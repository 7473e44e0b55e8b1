package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Store drivers
const (
	DriverSQLite    = "sqlite"
	DriverFirestore = "firestore"
)

// DotEnvFiles are loaded, in order, before the config file is read.
// Variables already present in the environment are never overwritten.
var DotEnvFiles = []string{".env.local", ".env"}

// Config holds all application configuration
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Store  StoreConfig  `mapstructure:"store"`
	Fx     FxConfig     `mapstructure:"fx"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Export ExportConfig `mapstructure:"export"`
	Logger LoggerConfig `mapstructure:"logger"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	Debug           bool          `mapstructure:"debug"`
}

// StoreConfig selects and configures the document store
type StoreConfig struct {
	Driver    string          `mapstructure:"driver"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	Firestore FirestoreConfig `mapstructure:"firestore"`
}

// SQLiteConfig holds the embedded document store settings
type SQLiteConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsDir   string        `mapstructure:"migrations_dir"` // empty uses the embedded migrations
}

// FirestoreConfig holds Cloud Firestore settings
type FirestoreConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// FxConfig holds the Kurs API settings. An empty BaseURL disables FX lookups.
type FxConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig tunes the circuit breaker in front of the FX provider
type BreakerConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
	HalfOpenRequests    uint32        `mapstructure:"half_open_requests"`
}

// AuthConfig holds bearer token settings
type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret"`
	Issuer      string        `mapstructure:"issuer"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
	EditorRoles []string      `mapstructure:"editor_roles"`
}

// ExportConfig holds spreadsheet export settings
type ExportConfig struct {
	CompanyName string `mapstructure:"company_name"`
	SheetName   string `mapstructure:"sheet_name"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load loads configuration from the dotenv files, the YAML file at
// configPath and environment variables, in increasing precedence.
// An empty configPath skips the file.
func Load(configPath string) (*Config, error) {
	if err := loadDotEnv(DotEnvFiles...); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Override with environment variables
	if err := bindEnvVars(v); err != nil {
		return nil, fmt.Errorf("failed to bind environment: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.normalize()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv applies the dotenv files that exist
func loadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to stat %s: %w", f, err)
		}
		if err := gotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.debug", false)

	// Store defaults
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.sqlite.path", "data/trips.db")
	v.SetDefault("store.sqlite.max_open_conns", 8)
	v.SetDefault("store.sqlite.max_idle_conns", 4)
	v.SetDefault("store.sqlite.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("store.sqlite.migrations_dir", "")
	v.SetDefault("store.firestore.project_id", "")
	v.SetDefault("store.firestore.credentials_file", "")

	// FX defaults
	v.SetDefault("fx.base_url", "")
	v.SetDefault("fx.timeout", 10*time.Second)
	v.SetDefault("fx.breaker.consecutive_failures", 5)
	v.SetDefault("fx.breaker.open_timeout", 30*time.Second)
	v.SetDefault("fx.breaker.half_open_requests", 1)

	// Auth defaults
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "trip-allowance")
	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("auth.editor_roles", []string{"admin", "pic"})

	// Export defaults
	v.SetDefault("export.company_name", "")
	v.SetDefault("export.sheet_name", "Allowance")

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output_path", "stdout")
	v.SetDefault("logger.format", "json")
}

// bindEnvVars binds the well-known environment variables
func bindEnvVars(v *viper.Viper) error {
	bindings := map[string][]string{
		"fx.base_url":                      {"KURS_API_BASE", "FX_BASE_URL"},
		"auth.jwt_secret":                  {"JWT_SECRET"},
		"auth.editor_roles":                {"EDITOR_ROLES"},
		"store.driver":                     {"STORE_DRIVER"},
		"store.sqlite.path":                {"SQLITE_PATH"},
		"store.firestore.project_id":       {"FIRESTORE_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"},
		"store.firestore.credentials_file": {"GOOGLE_APPLICATION_CREDENTIALS"},
		"export.company_name":              {"COMPANY_NAME"},
		"server.port":                      {"PORT"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return err
		}
	}
	return nil
}

// normalize trims and lowercases values that are compared later
func (c *Config) normalize() {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Fx.BaseURL = strings.TrimSpace(c.Fx.BaseURL)

	roles := make([]string, 0, len(c.Auth.EditorRoles))
	for _, r := range c.Auth.EditorRoles {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			roles = append(roles, r)
		}
	}
	c.Auth.EditorRoles = roles
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required")
		}
	case DriverFirestore:
		if c.Store.Firestore.ProjectID == "" {
			return fmt.Errorf("store.firestore.project_id is required")
		}
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", DriverSQLite, DriverFirestore, c.Store.Driver)
	}

	// Validate auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.EditorRoles) == 0 {
		return fmt.Errorf("auth.editor_roles must not be empty")
	}

	if c.Fx.BaseURL != "" && !strings.HasPrefix(c.Fx.BaseURL, "http://") && !strings.HasPrefix(c.Fx.BaseURL, "https://") {
		return fmt.Errorf("fx.base_url must be an http(s) URL")
	}

	return nil
}
