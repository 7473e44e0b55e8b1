// Package container provides dependency injection and lifecycle management
// for the trip allowance service.
package container

import (
	"fmt"
	"time"

	"github.com/garyjia/trip-allowance/internal/domain/entity"
	"github.com/garyjia/trip-allowance/internal/infrastructure/export"
	"github.com/garyjia/trip-allowance/internal/infrastructure/external/kurs"
	"github.com/garyjia/trip-allowance/internal/infrastructure/persistence/firestore"
)

// Store drivers
const (
	StoreSQLite    = "sqlite"
	StoreFirestore = "firestore"
)

// Config holds all configuration for the Container.
// It aggregates configurations for all subsystems.
type Config struct {
	// Document store selection and settings
	Store StoreConfig

	// FX provider client
	Fx kurs.Config

	// Bearer token verification and editor roles
	Auth AuthConfig

	// Spreadsheet export
	Export export.Config

	// Server configuration
	Server ServerConfig
}

// StoreConfig holds document store settings.
type StoreConfig struct {
	// Driver is "sqlite" or "firestore"
	Driver string

	Database DatabaseConfig

	Firestore firestore.Config
}

// DatabaseConfig holds SQLite connection settings.
type DatabaseConfig struct {
	// Path to SQLite database file
	Path string

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int

	// ConnMaxLifetime is the maximum connection lifetime
	ConnMaxLifetime time.Duration

	// MigrationsDir overrides the embedded migrations when set
	MigrationsDir string
}

// AuthConfig holds bearer token settings.
type AuthConfig struct {
	JWTSecret   string
	Issuer      string
	EditorRoles []string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host to bind to
	Host string

	// Port to listen on
	Port int

	// ReadTimeout for HTTP server
	ReadTimeout time.Duration

	// WriteTimeout for HTTP server
	WriteTimeout time.Duration

	// AllowedOrigins for CORS
	AllowedOrigins []string

	// Debug switches gin into debug mode
	Debug bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: StoreSQLite,
			Database: DatabaseConfig{
				Path:            "data/trips.db",
				MaxOpenConns:    8,
				MaxIdleConns:    4,
				ConnMaxLifetime: 30 * time.Minute,
			},
		},
		Fx: kurs.Config{
			Timeout: 10 * time.Second,
			Breaker: kurs.BreakerConfig{
				ConsecutiveFailures: 5,
				OpenTimeout:         30 * time.Second,
				HalfOpenRequests:    1,
			},
		},
		Auth: AuthConfig{
			Issuer:      "trip-allowance",
			EditorRoles: append([]string(nil), entity.DefaultEditorRoles...),
		},
		Export: export.Config{SheetName: "Allowance"},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			AllowedOrigins: []string{"*"},
		},
	}
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreSQLite:
		if c.Store.Database.Path == "" {
			return fmt.Errorf("store database path is required")
		}
	case StoreFirestore:
		if c.Store.Firestore.ProjectID == "" {
			return fmt.Errorf("firestore project id is required")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required")
	}

	if c.Server.Port <= 0 {
		return fmt.Errorf("server port must be positive")
	}

	return nil
}
