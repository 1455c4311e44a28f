// Package registry publishes a server's listening endpoints to Consul so peers
// can find the reliable-UDP and TCP ports of each instance.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/lcx/asura-transport/log"
	"github.com/lcx/asura-transport/metrics"
)

const registryMetricsGroup = "registry"

// ErrNotRegistered is returned by heartbeats before Register succeeded.
var ErrNotRegistered = errors.New("registry: instance not registered")

// Endpoint is one listening socket of an instance.
type Endpoint struct {
	// Protocol is "kcp" or "tcp"; it becomes a Consul tag.
	Protocol string
	Addr     string
}

// Instance describes a running server.
type Instance struct {
	ID        string
	Name      string
	Endpoints []Endpoint
	Tags      []string
	Meta      map[string]string
}

// Registry is what a server needs from service discovery.
type Registry interface {
	Register(ctx context.Context, inst Instance) error
	// PassTTL refreshes the health check of every registered endpoint.
	PassTTL(ctx context.Context) error
	Deregister(ctx context.Context) error
	// HeartbeatInterval is how often PassTTL should run.
	HeartbeatInterval() time.Duration
}

// ConsulCfg configures the Consul agent connection. An empty Address disables
// registration.
type ConsulCfg struct {
	Address    string   `mapstructure:"address"`
	Token      string   `mapstructure:"token"`
	Datacenter string   `mapstructure:"datacenter"`
	Tags       []string `mapstructure:"tags"`
	// CheckTTLSec is the TTL of the health check; heartbeats run at a third of it.
	CheckTTLSec int `mapstructure:"checkTTLSec"`
	// DeregisterAfterSec removes a service whose check stayed critical this long.
	DeregisterAfterSec int `mapstructure:"deregisterAfterSec"`
}

// SetDefaults fills unset durations.
func (c *ConsulCfg) SetDefaults() {
	if c.CheckTTLSec == 0 {
		c.CheckTTLSec = 15
	}
	if c.DeregisterAfterSec == 0 {
		c.DeregisterAfterSec = 60
	}
}

// Enabled reports whether an agent address is configured.
func (c *ConsulCfg) Enabled() bool { return c != nil && c.Address != "" }

// Validate validates the ConsulCfg parameters
func (c *ConsulCfg) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.CheckTTLSec < 3 {
		return fmt.Errorf("checkTTLSec must be at least 3")
	}
	if c.DeregisterAfterSec < c.CheckTTLSec {
		return fmt.Errorf("deregisterAfterSec must not be less than checkTTLSec")
	}
	return nil
}

type registered struct {
	serviceID string
	checkID   string
}

// ConsulRegistry registers one Consul service per endpoint, each with a TTL
// check kept alive by PassTTL.
type ConsulRegistry struct {
	cfg    ConsulCfg
	client *api.Client
	logger log.Logger

	mu       sync.Mutex
	services []registered
}

// ConsulOption customizes a ConsulRegistry.
type ConsulOption func(*ConsulRegistry)

// WithConsulLogger sets the logger; nil keeps the package default.
func WithConsulLogger(l log.Logger) ConsulOption {
	return func(r *ConsulRegistry) { r.logger = log.OrDefault(l) }
}

// NewConsulRegistry creates a client for the agent at cfg.Address.
func NewConsulRegistry(cfg *ConsulCfg, opts ...ConsulOption) (*ConsulRegistry, error) {
	if !cfg.Enabled() {
		return nil, errors.New("consul address is required")
	}
	c := *cfg
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consul config: %w", err)
	}

	apiCfg := api.DefaultConfig()
	apiCfg.Address = c.Address
	apiCfg.Token = c.Token
	apiCfg.Datacenter = c.Datacenter
	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}

	r := &ConsulRegistry{cfg: c, client: client, logger: log.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// HeartbeatInterval implements Registry.
func (r *ConsulRegistry) HeartbeatInterval() time.Duration {
	return time.Duration(r.cfg.CheckTTLSec) * time.Second / 3
}

// Register implements Registry. Endpoints are registered in order; on failure
// the ones already registered are removed again.
func (r *ConsulRegistry) Register(ctx context.Context, inst Instance) error {
	if inst.ID == "" || inst.Name == "" {
		return errors.New("instance id and name are required")
	}
	if len(inst.Endpoints) == 0 {
		return errors.New("instance has no endpoints")
	}

	var done []registered
	for _, ep := range inst.Endpoints {
		reg, err := r.registration(inst, ep)
		if err != nil {
			r.rollback(ctx, done)
			return err
		}
		if err := r.client.Agent().ServiceRegisterOpts(reg, api.ServiceRegisterOpts{ReplaceExistingChecks: true}.WithContext(ctx)); err != nil {
			metrics.IncrCounterWithDimGroup(registryMetricsGroup, "register_error_total", 1, metrics.Dimension{"protocol": ep.Protocol})
			r.rollback(ctx, done)
			return fmt.Errorf("register %s: %w", reg.ID, err)
		}
		done = append(done, registered{serviceID: reg.ID, checkID: reg.Check.CheckID})
		r.logger.Info().Str("serviceID", reg.ID).Str("addr", ep.Addr).Str("protocol", ep.Protocol).Msg("consul service registered")
	}

	r.mu.Lock()
	r.services = append(r.services, done...)
	r.mu.Unlock()
	return nil
}

func (r *ConsulRegistry) registration(inst Instance, ep Endpoint) (*api.AgentServiceRegistration, error) {
	host, portStr, err := net.SplitHostPort(ep.Addr)
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: %w", ep.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return nil, fmt.Errorf("endpoint %q: invalid port", ep.Addr)
	}

	id := inst.ID + "-" + ep.Protocol
	tags := append([]string{ep.Protocol}, r.cfg.Tags...)
	tags = append(tags, inst.Tags...)
	return &api.AgentServiceRegistration{
		ID:      id,
		Name:    inst.Name,
		Tags:    tags,
		Address: host,
		Port:    port,
		Meta:    inst.Meta,
		Check: &api.AgentServiceCheck{
			CheckID:                        "service:" + id,
			TTL:                            fmt.Sprintf("%ds", r.cfg.CheckTTLSec),
			DeregisterCriticalServiceAfter: fmt.Sprintf("%ds", r.cfg.DeregisterAfterSec),
		},
	}, nil
}

func (r *ConsulRegistry) rollback(ctx context.Context, done []registered) {
	for _, s := range done {
		if err := r.client.Agent().ServiceDeregisterOpts(s.serviceID, (&api.QueryOptions{}).WithContext(ctx)); err != nil {
			r.logger.Warn().Str("serviceID", s.serviceID).Err(err).Msg("consul rollback deregister failed")
		}
	}
}

// PassTTL implements Registry.
func (r *ConsulRegistry) PassTTL(ctx context.Context) error {
	r.mu.Lock()
	services := append([]registered(nil), r.services...)
	r.mu.Unlock()
	if len(services) == 0 {
		return ErrNotRegistered
	}

	var errs []error
	for _, s := range services {
		if err := r.client.Agent().UpdateTTLOpts(s.checkID, "", api.HealthPassing, (&api.QueryOptions{}).WithContext(ctx)); err != nil {
			metrics.IncrCounterWithGroup(registryMetricsGroup, "heartbeat_error_total", 1)
			errs = append(errs, fmt.Errorf("check %s: %w", s.checkID, err))
		}
	}
	return errors.Join(errs...)
}

// Deregister implements Registry. Every endpoint is attempted even if one fails.
func (r *ConsulRegistry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	services := r.services
	r.services = nil
	r.mu.Unlock()

	var errs []error
	for _, s := range services {
		if err := r.client.Agent().ServiceDeregisterOpts(s.serviceID, (&api.QueryOptions{}).WithContext(ctx)); err != nil {
			errs = append(errs, fmt.Errorf("deregister %s: %w", s.serviceID, err))
			continue
		}
		r.logger.Info().Str("serviceID", s.serviceID).Msg("consul service deregistered")
	}
	return errors.Join(errs...)
}

// Discover lists the healthy endpoints of name speaking protocol.
func (r *ConsulRegistry) Discover(ctx context.Context, name, protocol string) ([]Endpoint, error) {
	entries, _, err := r.client.Health().Service(name, protocol, true, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discover %s/%s: %w", name, protocol, err)
	}
	out := make([]Endpoint, 0, len(entries))
	for _, e := range entries {
		if e.Service == nil {
			continue
		}
		host := e.Service.Address
		if host == "" && e.Node != nil {
			host = e.Node.Address
		}
		out = append(out, Endpoint{Protocol: protocol, Addr: net.JoinHostPort(host, strconv.Itoa(e.Service.Port))})
	}
	return out, nil
}

// Resolve discovers the healthy endpoints of name/protocol and picks one.
func (r *ConsulRegistry) Resolve(ctx context.Context, name, protocol string, s Strategy, key string) (Endpoint, error) {
	eps, err := r.Discover(ctx, name, protocol)
	if err != nil {
		return Endpoint{}, err
	}
	return Pick(eps, s, key)
}
