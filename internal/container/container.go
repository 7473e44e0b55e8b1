package container

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/trip-allowance/internal/application/dispatcher"
	"github.com/garyjia/trip-allowance/internal/application/port"
	"github.com/garyjia/trip-allowance/internal/infrastructure/export"
	"github.com/garyjia/trip-allowance/internal/infrastructure/external/kurs"
	httpiface "github.com/garyjia/trip-allowance/internal/interfaces/http"
)

// healthTimeout bounds each component probe
const healthTimeout = 3 * time.Second

// Container manages all application dependencies and lifecycle.
// Components are built in dependency order and torn down in reverse.
type Container struct {
	config *Config
	logger *zap.Logger

	// Infrastructure
	dispatcher dispatcher.Dispatcher
	store      *StoreBundle
	fxClient   *kurs.Client
	auth       *AuthBundle
	exporter   *export.AmountSheet

	// Application
	services *ServiceBundle

	// Interface
	server *httpiface.Server

	// Lifecycle
	mu     sync.Mutex
	ready  atomic.Bool
	closed atomic.Bool
}

// HealthStatus represents the health of all components.
type HealthStatus struct {
	Overall    bool                       `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents health of a single component.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// NewContainer creates a new container from configuration.
// It does not initialize components - call Start() to initialize.
func NewContainer(cfg *Config, logger *zap.Logger) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Container{
		config: cfg,
		logger: logger,
	}, nil
}

// Start initializes all components in dependency order:
// 1. Event dispatcher
// 2. Document store
// 3. External clients (FX) and auth
// 4. Application services and exporter
// 5. Event log handlers
// 6. HTTP server
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container has been closed")
	}
	if c.ready.Load() {
		return fmt.Errorf("container already started")
	}

	c.logger.Info("Starting container initialization")

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"dispatcher", c.initDispatcher},
		{"store", c.initStore},
		{"external clients", c.initExternal},
		{"services", c.initServices},
		{"event log", c.initEventLog},
		{"http server", c.initServer},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			c.teardown()
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
		c.logger.Info("Component initialized", zap.String("component", step.name))
	}

	c.ready.Store(true)
	c.logger.Info("Container started successfully")
	return nil
}

// Close gracefully shuts down all components in reverse order.
// The HTTP server is expected to have been stopped by the caller.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container already closed")
	}

	c.logger.Info("Closing container")
	errs := c.teardown()

	c.closed.Store(true)
	c.ready.Store(false)

	if len(errs) > 0 {
		c.logger.Error("Container closed with errors", zap.Int("error_count", len(errs)))
		return fmt.Errorf("container closed with %d errors: %w", len(errs), errs[0])
	}

	c.logger.Info("Container closed successfully")
	return nil
}

// teardown releases whatever has been built so far, newest first
func (c *Container) teardown() []error {
	var errs []error

	// Open editing sessions hold store subscriptions
	if c.services != nil {
		c.services.Sessions.Shutdown()
		c.logger.Info("Editing sessions closed")
	}

	// Stores publish through the dispatcher, so close it after them
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.logger.Error("Failed to close store", zap.Error(err))
			errs = append(errs, fmt.Errorf("close store: %w", err))
		} else {
			c.logger.Info("Store closed")
		}
		c.store = nil
	}

	if c.dispatcher != nil {
		if err := c.dispatcher.Close(); err != nil {
			c.logger.Error("Failed to close dispatcher", zap.Error(err))
			errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
		} else {
			c.logger.Info("Dispatcher closed")
		}
		c.dispatcher = nil
	}

	return errs
}

// Ready returns true when all components are initialized.
func (c *Container) Ready() bool {
	return c.ready.Load()
}

// Health returns health status of all components.
func (c *Container) Health(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Overall:    true,
		Components: make(map[string]ComponentHealth),
	}
	set := func(name string, h ComponentHealth) {
		status.Components[name] = h
		if !h.Healthy {
			status.Overall = false
		}
	}

	// Check store
	if c.store != nil {
		probeCtx, cancel := context.WithTimeout(ctx, healthTimeout)
		err := c.store.HealthCheck(probeCtx)
		cancel()
		if err != nil {
			set("store", ComponentHealth{Healthy: false, Message: fmt.Sprintf("ping failed: %v", err)})
		} else {
			set("store", ComponentHealth{Healthy: true, Message: c.config.Store.Driver})
		}
	} else {
		set("store", ComponentHealth{Healthy: false, Message: "not initialized"})
	}

	// Check dispatcher
	if c.dispatcher != nil {
		set("dispatcher", ComponentHealth{Healthy: true})
	} else {
		set("dispatcher", ComponentHealth{Healthy: false, Message: "not initialized"})
	}

	// FX is optional; an open breaker is reported but does not fail the check
	if c.fxClient != nil {
		msg := "disabled"
		if c.fxClient.Enabled() {
			msg = "breaker " + c.fxClient.BreakerState()
		}
		status.Components["fx"] = ComponentHealth{Healthy: true, Message: msg}
	}

	return status
}

func (c *Container) initDispatcher(context.Context) error {
	disp, err := ProvideDispatcher(c.logger)
	if err != nil {
		return err
	}
	c.dispatcher = disp
	return nil
}

func (c *Container) initStore(ctx context.Context) error {
	store, err := ProvideStore(ctx, &c.config.Store, c.dispatcher, c.logger)
	if err != nil {
		return err
	}
	c.store = store
	return nil
}

func (c *Container) initExternal(context.Context) error {
	fxClient, err := ProvideFxClient(&c.config.Fx, c.logger)
	if err != nil {
		return err
	}
	c.fxClient = fxClient

	authBundle, err := ProvideAuth(&c.config.Auth)
	if err != nil {
		return err
	}
	c.auth = authBundle
	return nil
}

func (c *Container) initServices(context.Context) error {
	services, err := ProvideServices(&ServiceDeps{
		Store:      c.store.Store,
		Fx:         c.fxClient,
		Authorizer: c.auth.Authorizer,
		Dispatcher: c.dispatcher,
		Logger:     c.logger,
	})
	if err != nil {
		return err
	}
	c.services = services
	c.exporter = ProvideExporter(&c.config.Export, c.logger)
	return nil
}

func (c *Container) initEventLog(context.Context) error {
	RegisterEventLog(c.dispatcher, c.logger)
	return nil
}

func (c *Container) initServer(context.Context) error {
	c.server = ProvideHTTPServer(&c.config.Server, httpiface.Services{
		Trips:    c.services.Trips,
		Amounts:  c.services.Amounts,
		Sessions: c.services.Sessions,
		Exporter: c.exporter,
		Health: func() (bool, interface{}) {
			h := c.Health(context.Background())
			return h.Overall, h.Components
		},
	}, c.auth.Identity, c.logger)
	return nil
}

// Getters for accessing container components

// Dispatcher returns the event dispatcher.
func (c *Container) Dispatcher() dispatcher.Dispatcher {
	return c.dispatcher
}

// Store returns the document store.
func (c *Container) Store() port.DocumentStore {
	if c.store == nil {
		return nil
	}
	return c.store.Store
}

// Services returns all application services.
func (c *Container) Services() *ServiceBundle {
	return c.services
}

// Identity returns the bearer token provider.
func (c *Container) Identity() port.IdentityProvider {
	return c.auth.Identity
}

// Server returns the HTTP server.
func (c *Container) Server() *httpiface.Server {
	return c.server
}

// Logger returns the container's logger.
func (c *Container) Logger() *zap.Logger {
	return c.logger
}

// Config returns the container's configuration.
func (c *Container) Config() *Config {
	return c.config
}
