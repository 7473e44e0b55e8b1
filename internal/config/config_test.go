package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// unsetEnv clears key for the duration of the test
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestLoad_Defaults(t *testing.T) {
	unsetEnv(t, "KURS_API_BASE")
	unsetEnv(t, "FX_BASE_URL")
	unsetEnv(t, "STORE_DRIVER")
	unsetEnv(t, "EDITOR_ROLES")
	unsetEnv(t, "PORT")

	path := writeFile(t, t.TempDir(), "config.yaml", "auth:\n  jwt_secret: s3cret\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "data/trips.db", cfg.Store.SQLite.Path)
	assert.Empty(t, cfg.Store.SQLite.MigrationsDir)
	assert.Empty(t, cfg.Fx.BaseURL, "FX is disabled without a base URL")
	assert.Equal(t, 10*time.Second, cfg.Fx.Timeout)
	assert.Equal(t, uint32(5), cfg.Fx.Breaker.ConsecutiveFailures)
	assert.Equal(t, []string{"admin", "pic"}, cfg.Auth.EditorRoles)
	assert.Equal(t, "Allowance", cfg.Export.SheetName)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	unsetEnv(t, "PORT")
	yaml := `
server:
  port: 9090
  allowed_origins: ["https://ops.example.com"]
store:
  driver: SQLite
  sqlite:
    path: /tmp/trips.db
fx:
  base_url: https://file.example.com
  timeout: 3s
auth:
  jwt_secret: from-file
export:
  company_name: PT Contoh
`
	path := writeFile(t, t.TempDir(), "config.yaml", yaml)

	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("KURS_API_BASE", " https://kurs.example.com ")
	t.Setenv("EDITOR_ROLES", "PIC, Finance")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "/tmp/trips.db", cfg.Store.SQLite.Path)
	assert.Equal(t, "https://kurs.example.com", cfg.Fx.BaseURL)
	assert.Equal(t, 3*time.Second, cfg.Fx.Timeout)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, []string{"pic", "finance"}, cfg.Auth.EditorRoles)
	assert.Equal(t, "PT Contoh", cfg.Export.CompanyName)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	unsetEnv(t, "KURS_API_BASE")
	unsetEnv(t, "FX_BASE_URL")
	t.Setenv("JWT_SECRET", "from-process")

	writeFile(t, dir, ".env.local", "KURS_API_BASE=https://local.example.com\n")
	writeFile(t, dir, ".env", "KURS_API_BASE=https://shared.example.com\nJWT_SECRET=from-dotenv\n")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://local.example.com", cfg.Fx.BaseURL, ".env.local is applied first")
	assert.Equal(t, "from-process", cfg.Auth.JWTSecret, "process environment wins over dotenv")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server: ServerConfig{Port: 8080},
			Store:  StoreConfig{Driver: DriverSQLite, SQLite: SQLiteConfig{Path: "trips.db"}},
			Auth:   AuthConfig{JWTSecret: "s", EditorRoles: []string{"pic"}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port"},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "mongo" }, wantErr: "store.driver"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Store.SQLite.Path = "" }, wantErr: "store.sqlite.path"},
		{
			name:    "firestore without project",
			mutate:  func(c *Config) { c.Store.Driver = DriverFirestore },
			wantErr: "store.firestore.project_id",
		},
		{
			name: "firestore with project",
			mutate: func(c *Config) {
				c.Store.Driver = DriverFirestore
				c.Store.Firestore.ProjectID = "trips-prod"
			},
		},
		{name: "missing secret", mutate: func(c *Config) { c.Auth.JWTSecret = "" }, wantErr: "auth.jwt_secret"},
		{name: "no editor roles", mutate: func(c *Config) { c.Auth.EditorRoles = nil }, wantErr: "auth.editor_roles"},
		{name: "fx url without scheme", mutate: func(c *Config) { c.Fx.BaseURL = "kurs.example.com" }, wantErr: "fx.base_url"},
		{name: "empty fx url", mutate: func(c *Config) { c.Fx.BaseURL = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
