// Package server hosts modules on a single tick goroutine. Every module's
// Update runs once per tick, so services, dispatchers and timers never need
// locks between them.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/asura-transport/config"
	"github.com/lcx/asura-transport/log"
	"github.com/lcx/asura-transport/metrics"
	"github.com/lcx/asura-transport/registry"
)

const serverMetricsGroup = "server"

var (
	ErrServerRunning   = errors.New("server: already running")
	ErrDuplicateModule = errors.New("server: duplicate module")
)

// Module is a unit of work driven by the tick loop.
type Module interface {
	Name() string
	// Init runs once before the first tick, in dependency order.
	Init() error
	// Update runs once per tick on the tick goroutine.
	Update(now time.Time)
	// Shutdown runs in reverse init order after the last tick.
	Shutdown() error
}

// Dependent is implemented by modules that must be initialized after others.
type Dependent interface {
	Dependencies() []string
}

// Endpointer is implemented by modules that listen on a socket worth publishing.
type Endpointer interface {
	Endpoints() []registry.Endpoint
}

// ServerCfg configures the tick loop.
type ServerCfg struct {
	Name string `mapstructure:"name"`
	// InstanceID defaults to name-hostname.
	InstanceID string `mapstructure:"instanceID"`
	TickMs     int    `mapstructure:"tickMs"`
	// MetricsAddr serves /metrics when set.
	MetricsAddr string             `mapstructure:"metricsAddr"`
	Consul      registry.ConsulCfg `mapstructure:"consul"`
}

// DefaultServerCfg returns a config with every default applied.
func DefaultServerCfg() *ServerCfg {
	cfg := &ServerCfg{}
	cfg.SetDefaults()
	return cfg
}

// GetName returns the configuration name for ServerCfg
func (c *ServerCfg) GetName() string {
	return "server"
}

// SetDefaults implements config.Defaulter.
func (c *ServerCfg) SetDefaults() {
	c.Name = "asura"
	c.TickMs = 10
	c.Consul.SetDefaults()
}

// Validate validates the ServerCfg parameters
func (c *ServerCfg) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if c.TickMs <= 0 || c.TickMs > 1000 {
		return fmt.Errorf("tickMs must be in (0, 1000]")
	}
	return c.Consul.Validate()
}

func (c *ServerCfg) instanceID() string {
	if c.InstanceID != "" {
		return c.InstanceID
	}
	host, err := os.Hostname()
	if err != nil {
		return c.Name
	}
	return c.Name + "-" + host
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the server logger; nil keeps the package default.
func WithLogger(l log.Logger) Option {
	return func(s *Server) { s.logger = log.OrDefault(l) }
}

// WithRegistry publishes module endpoints while the server runs.
func WithRegistry(r registry.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// Server owns the modules and the tick goroutine.
type Server struct {
	cfg      atomic.Pointer[ServerCfg]
	logger   log.Logger
	registry registry.Registry

	modules []Module
	byName  map[string]Module
	order   []Module

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a server; modules are added with AddModule before Run.
func New(cfg *ServerCfg, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("ServerCfg cannot be nil, use NewWithConfigManager for dynamic configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	s := &Server{
		logger: log.Default(),
		byName: make(map[string]Module),
		stopCh: make(chan struct{}),
	}
	s.cfg.Store(cfg)
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewWithConfigManager creates a server whose tick interval follows the
// "server" config file.
func NewWithConfigManager(configManager config.ConfigManager, opts ...Option) (*Server, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := &ServerCfg{}
	if err := configManager.LoadConfig("server", cfg); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}
	s, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	configManager.AddChangeListener(s)
	return s, nil
}

// OnConfigChanged implements the ConfigChangeListener interface for Server.
// Only the tick interval is applied live.
func (s *Server) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "server" {
		return nil
	}
	newCfg, ok := newConfig.(*ServerCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for Server")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}
	cur := *s.Config()
	cur.TickMs = newCfg.TickMs
	s.cfg.Store(&cur)
	s.logger.Info().Str("configName", configName).Int("tickMs", cur.TickMs).Msg("Server configuration updated successfully")
	return nil
}

// GetConfigName implements the ConfigChangeListener interface for Server.
func (s *Server) GetConfigName() string {
	return "server"
}

// Config returns the current configuration.
func (s *Server) Config() *ServerCfg { return s.cfg.Load() }

// AddModule registers m. Names must be unique.
func (s *Server) AddModule(m Module) error {
	if m == nil {
		return errors.New("module cannot be nil")
	}
	if s.running.Load() {
		return ErrServerRunning
	}
	name := m.Name()
	if name == "" {
		return errors.New("module name cannot be empty")
	}
	if _, ok := s.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, name)
	}
	s.modules = append(s.modules, m)
	s.byName[name] = m
	return nil
}

// Module returns the module registered under name, or nil.
func (s *Server) Module(name string) Module { return s.byName[name] }

// Stop ends Run after the current tick. Safe from any goroutine.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Run initializes every module, ticks until ctx is done or Stop is called, then
// shuts the modules down. A server runs once.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerRunning
	}

	order, err := s.resolveDependencies()
	if err != nil {
		return fmt.Errorf("failed to resolve dependencies: %w", err)
	}
	if err := s.initModules(order); err != nil {
		return err
	}
	s.order = order

	if err := s.register(ctx); err != nil {
		s.shutdownModules(len(order))
		return err
	}

	s.loop(ctx)

	s.deregister()
	return s.shutdownModules(len(order))
}

func (s *Server) initModules(order []Module) error {
	for i, m := range order {
		s.logger.Info().Str("module", m.Name()).Msg("initializing module")
		if err := m.Init(); err != nil {
			s.logger.Error().Str("module", m.Name()).Err(err).Msg("module init failed")
			s.order = order
			s.shutdownModules(i)
			return fmt.Errorf("module %s init: %w", m.Name(), err)
		}
	}
	return nil
}

// shutdownModules shuts down the first n modules of the init order, last first.
func (s *Server) shutdownModules(n int) error {
	var errs []error
	for i := n - 1; i >= 0; i-- {
		m := s.order[i]
		if err := m.Shutdown(); err != nil {
			s.logger.Error().Str("module", m.Name()).Err(err).Msg("module shutdown failed")
			errs = append(errs, fmt.Errorf("module %s shutdown: %w", m.Name(), err))
			continue
		}
		s.logger.Info().Str("module", m.Name()).Msg("module stopped")
	}
	return errors.Join(errs...)
}

func (s *Server) loop(ctx context.Context) {
	tickMs := s.Config().TickMs
	ticker := time.NewTicker(time.Duration(tickMs) * time.Millisecond)
	defer ticker.Stop()

	var heartbeat <-chan time.Time
	if s.registry != nil {
		hb := time.NewTicker(s.registry.HeartbeatInterval())
		defer hb.Stop()
		heartbeat = hb.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-heartbeat:
			s.heartbeat(ctx)
		case now := <-ticker.C:
			// both channels may be ready; a requested stop wins
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.tick(now)
			if cur := s.Config().TickMs; cur != tickMs {
				tickMs = cur
				ticker.Reset(time.Duration(tickMs) * time.Millisecond)
			}
		}
	}
}

// tick runs one Update on every module in init order.
func (s *Server) tick(now time.Time) {
	for _, m := range s.order {
		s.safeUpdate(m, now)
	}
	elapsed := time.Since(now)
	metrics.ObserveWithGroup(serverMetricsGroup, "tick_ms", metrics.Value(elapsed.Milliseconds()))
	if elapsed > time.Duration(s.Config().TickMs)*time.Millisecond {
		metrics.IncrCounterWithGroup(serverMetricsGroup, "tick_overrun_total", 1)
	}
}

func (s *Server) safeUpdate(m Module, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncrCounterWithDimGroup(serverMetricsGroup, "panic_total", 1, metrics.Dimension{"module": m.Name()})
			s.logger.Error().Str("module", m.Name()).Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).Msg("module update panicked")
		}
	}()
	m.Update(now)
}

func (s *Server) endpoints() []registry.Endpoint {
	var eps []registry.Endpoint
	for _, m := range s.order {
		if e, ok := m.(Endpointer); ok {
			eps = append(eps, e.Endpoints()...)
		}
	}
	return eps
}

func (s *Server) register(ctx context.Context) error {
	if s.registry == nil {
		return nil
	}
	eps := s.endpoints()
	if len(eps) == 0 {
		s.logger.Warn().Msg("registry configured but no module exposes an endpoint")
		return nil
	}
	cfg := s.Config()
	inst := registry.Instance{ID: cfg.instanceID(), Name: cfg.Name, Endpoints: eps}
	if err := s.registry.Register(ctx, inst); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}
	return nil
}

func (s *Server) heartbeat(ctx context.Context) {
	if err := s.registry.PassTTL(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("registry heartbeat failed")
	}
}

func (s *Server) deregister() {
	if s.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.registry.Deregister(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("registry deregister failed")
	}
}

// resolveDependencies orders modules so each comes after its dependencies,
// keeping registration order otherwise.
func (s *Server) resolveDependencies() ([]Module, error) {
	visited := make(map[string]bool)
	tempVisited := make(map[string]bool)
	result := make([]Module, 0, len(s.modules))

	var visit func(m Module) error
	visit = func(m Module) error {
		name := m.Name()
		if tempVisited[name] {
			return fmt.Errorf("circular dependency detected involving module %s", name)
		}
		if visited[name] {
			return nil
		}
		tempVisited[name] = true

		if d, ok := m.(Dependent); ok {
			for _, dep := range d.Dependencies() {
				dm, exists := s.byName[dep]
				if !exists {
					return fmt.Errorf("module %s depends on unknown module %s", name, dep)
				}
				if err := visit(dm); err != nil {
					return err
				}
			}
		}

		tempVisited[name] = false
		visited[name] = true
		result = append(result, m)
		return nil
	}

	for _, m := range s.modules {
		if err := visit(m); err != nil {
			return nil, err
		}
	}
	return result, nil
}
