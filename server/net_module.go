package server

import (
	"errors"
	"net"
	"time"

	"github.com/lcx/asura-transport/log"
	"github.com/lcx/asura-transport/metrics"
	asuranet "github.com/lcx/asura-transport/net"
	"github.com/lcx/asura-transport/registry"
)

type localAddresser interface {
	LocalAddr() net.Addr
}

type channelCounter interface {
	ChannelCount() int
}

// NetModuleOption customizes a NetModule.
type NetModuleOption func(*NetModule)

// WithCallbacks adds connection hooks. OnDataReceived is ignored; received
// bytes always go to the dispatcher.
func WithCallbacks(cb asuranet.Callbacks) NetModuleOption {
	return func(m *NetModule) { m.user = cb }
}

// WithAdvertiseHost replaces an unspecified listen host in published endpoints.
func WithAdvertiseHost(host string) NetModuleOption {
	return func(m *NetModule) { m.advertiseHost = host }
}

// WithNetLogger sets the module logger; nil keeps the package default.
func WithNetLogger(l log.Logger) NetModuleOption {
	return func(m *NetModule) { m.logger = log.OrDefault(l) }
}

// NetModule drives one transport service and the dispatcher framing it.
type NetModule struct {
	name          string
	protocol      string
	svc           asuranet.Service
	disp          *asuranet.Dispatcher
	user          asuranet.Callbacks
	advertiseHost string
	logger        log.Logger
}

// NewNetModule pairs svc with disp. disp must have been created with svc as
// its sender.
func NewNetModule(name, protocol string, svc asuranet.Service, disp *asuranet.Dispatcher, opts ...NetModuleOption) (*NetModule, error) {
	if name == "" || protocol == "" {
		return nil, errors.New("net module name and protocol are required")
	}
	if svc == nil || disp == nil {
		return nil, errors.New("net module needs a service and a dispatcher")
	}
	m := &NetModule{name: name, protocol: protocol, svc: svc, disp: disp, logger: log.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *NetModule) Name() string { return m.name }

// Service returns the driven transport.
func (m *NetModule) Service() asuranet.Service { return m.svc }

// Dispatcher returns the dispatcher framing the transport.
func (m *NetModule) Dispatcher() *asuranet.Dispatcher { return m.disp }

// Init installs the callbacks and starts the service.
func (m *NetModule) Init() error {
	user := m.user
	m.svc.SetCallbacks(asuranet.Callbacks{
		OnAccept: func(id asuranet.ChannelID, addr net.Addr) {
			if user.OnAccept != nil {
				user.OnAccept(id, addr)
			}
		},
		OnConnectSuccess: func(id asuranet.ChannelID, addr net.Addr) {
			if user.OnConnectSuccess != nil {
				user.OnConnectSuccess(id, addr)
			}
		},
		OnDataReceived: m.disp.OnDataReceived,
		OnCannotConnect: func(id asuranet.ChannelID, addr net.Addr, code asuranet.ErrorCode) {
			m.disp.AbandonChannel(id)
			if user.OnCannotConnect != nil {
				user.OnCannotConnect(id, addr, code)
			}
		},
		OnClientDisconnect: func(id asuranet.ChannelID, addr net.Addr, code asuranet.ErrorCode) {
			m.disp.AbandonChannel(id)
			if user.OnClientDisconnect != nil {
				user.OnClientDisconnect(id, addr, code)
			}
		},
	})
	if err := m.svc.Start(); err != nil {
		return err
	}
	if a, ok := m.svc.(localAddresser); ok && a.LocalAddr() != nil {
		m.logger.Info().Str("module", m.name).Str("protocol", m.protocol).Str("addr", a.LocalAddr().String()).Msg("net module listening")
	}
	return nil
}

// Update pumps socket events, then expires RPCs.
func (m *NetModule) Update(time.Time) {
	m.svc.Update()
	m.disp.Update()
	if c, ok := m.svc.(channelCounter); ok {
		metrics.UpdateGaugeWithDimGroup(serverMetricsGroup, "channels", metrics.Value(c.ChannelCount()), metrics.Dimension{"module": m.name})
	}
}

// Shutdown stops the service.
func (m *NetModule) Shutdown() error { return m.svc.Stop() }

// Endpoints implements Endpointer for listening services.
func (m *NetModule) Endpoints() []registry.Endpoint {
	a, ok := m.svc.(localAddresser)
	if !ok {
		return nil
	}
	addr := a.LocalAddr()
	if addr == nil {
		return nil
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	if ip := net.ParseIP(host); m.advertiseHost != "" && (ip == nil || ip.IsUnspecified()) {
		host = m.advertiseHost
	}
	return []registry.Endpoint{{Protocol: m.protocol, Addr: net.JoinHostPort(host, port)}}
}
