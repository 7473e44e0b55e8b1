package config

import (
	"github.com/garyjia/trip-allowance/internal/container"
	"github.com/garyjia/trip-allowance/internal/infrastructure/export"
	"github.com/garyjia/trip-allowance/internal/infrastructure/external/kurs"
	"github.com/garyjia/trip-allowance/internal/infrastructure/persistence/firestore"
)

// ToContainerConfig converts the application Config to a container.Config.
// This provides a bridge between the file-based config loaded by viper
// and the container's configuration structure.
func (c *Config) ToContainerConfig() *container.Config {
	return &container.Config{
		Store: container.StoreConfig{
			Driver: c.Store.Driver,
			Database: container.DatabaseConfig{
				Path:            c.Store.SQLite.Path,
				MaxOpenConns:    c.Store.SQLite.MaxOpenConns,
				MaxIdleConns:    c.Store.SQLite.MaxIdleConns,
				ConnMaxLifetime: c.Store.SQLite.ConnMaxLifetime,
				MigrationsDir:   c.Store.SQLite.MigrationsDir,
			},
			Firestore: firestore.Config{
				ProjectID:       c.Store.Firestore.ProjectID,
				CredentialsFile: c.Store.Firestore.CredentialsFile,
			},
		},
		Fx: kurs.Config{
			BaseURL: c.Fx.BaseURL,
			Timeout: c.Fx.Timeout,
			Breaker: kurs.BreakerConfig{
				ConsecutiveFailures: c.Fx.Breaker.ConsecutiveFailures,
				OpenTimeout:         c.Fx.Breaker.OpenTimeout,
				HalfOpenRequests:    c.Fx.Breaker.HalfOpenRequests,
			},
		},
		Auth: container.AuthConfig{
			JWTSecret:   c.Auth.JWTSecret,
			Issuer:      c.Auth.Issuer,
			EditorRoles: c.Auth.EditorRoles,
		},
		Export: export.Config{
			CompanyName: c.Export.CompanyName,
			SheetName:   c.Export.SheetName,
		},
		Server: container.ServerConfig{
			Host:           c.Server.Host,
			Port:           c.Server.Port,
			ReadTimeout:    c.Server.ReadTimeout,
			WriteTimeout:   c.Server.WriteTimeout,
			AllowedOrigins: c.Server.AllowedOrigins,
			Debug:          c.Server.Debug,
		},
	}
}
