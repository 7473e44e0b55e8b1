package container

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/trip-allowance/internal/application/dispatcher"
	"github.com/garyjia/trip-allowance/internal/application/port"
	"github.com/garyjia/trip-allowance/internal/domain/allowance"
	"github.com/garyjia/trip-allowance/internal/domain/entity"
	"github.com/garyjia/trip-allowance/internal/domain/event"
)

func testConfig(t *testing.T) *Config {
	cfg := DefaultConfig()
	cfg.Store.Database.Path = filepath.Join(t.TempDir(), "trips.db")
	cfg.Auth.JWTSecret = "test-secret"
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults with secret", mutate: func(c *Config) {}},
		{name: "missing secret", mutate: func(c *Config) { c.Auth.JWTSecret = "" }, wantErr: true},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "redis" }, wantErr: true},
		{name: "firestore without project", mutate: func(c *Config) { c.Store.Driver = StoreFirestore }, wantErr: true},
		{name: "sqlite without path", mutate: func(c *Config) { c.Store.Database.Path = "" }, wantErr: true},
		{name: "zero port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestNewContainer_RejectsInvalidConfig(t *testing.T) {
	_, err := NewContainer(nil, zap.NewNop())
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.Auth.JWTSecret = ""
	_, err = NewContainer(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestContainer_Lifecycle(t *testing.T) {
	c, err := NewContainer(testConfig(t), zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	assert.True(t, c.Ready())
	assert.Error(t, c.Start(ctx), "second start is rejected")

	health := c.Health(ctx)
	assert.True(t, health.Overall)
	assert.True(t, health.Components["store"].Healthy)
	assert.Equal(t, "disabled", health.Components["fx"].Message)

	rec := httptest.NewRecorder()
	c.Server().Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, c.Close())
	assert.False(t, c.Ready())
	assert.Error(t, c.Close(), "second close is rejected")
	assert.Error(t, c.Start(ctx), "closed containers cannot restart")
}

func TestContainer_WiresStoreServicesAndEvents(t *testing.T) {
	c, err := NewContainer(testConfig(t), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Store().SetMerge(ctx, entity.CollectionTrips, "t1", map[string]interface{}{
		"number":      "TRIP-001",
		"depart_date": "2024-05-01",
	}))

	var saved atomic.Int32
	c.Dispatcher().Subscribe(dispatcher.TypeRoute(event.TypeAmountSaved), func(ctx context.Context, evt *event.Event) error {
		saved.Add(1)
		return nil
	})
	assert.NotEmpty(t, c.Dispatcher().ListHandlers(dispatcher.TypeRoute(event.TypeAmountSaved)))

	editor := port.AuthContext{UserID: "u-pic", Role: entity.RolePIC}
	form := allowance.FormInputs{PocketAllowance: "100000", PocketMultiplier: "2"}
	rec, err := c.Services().Amounts.PersistAmount(ctx, editor, "t1", form.Normalize(), allowance.FxSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, 200000.0, rec.Totals.TotalApprovedAmount)
	assert.Equal(t, int32(1), saved.Load())

	view, err := c.Services().Amounts.GetAmount(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, view.HasAmount)

	user, err := c.Identity().Authenticate(ctx, "garbage")
	assert.Error(t, err)
	assert.True(t, user.IsZero())
}

func TestContainer_StartFailureReleasesResources(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Database.MigrationsDir = filepath.Join(t.TempDir(), "missing")

	c, err := NewContainer(cfg, zap.NewNop())
	require.NoError(t, err)

	err = c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store")
	assert.False(t, c.Ready())
	assert.Nil(t, c.Store())
}
