package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/asura-transport/config"
	"github.com/lcx/asura-transport/log"
	"github.com/lcx/asura-transport/metrics"
)

const tcpMetricsGroup = "tcp"

var (
	_ Service = (*TcpService)(nil)
	_ Sender  = (*TcpService)(nil)
)

// TcpServiceCfg configures a stream service.
type TcpServiceCfg struct {
	Addr string `mapstructure:"addr"`
	// IsClient services only dial out and never listen.
	IsClient bool `mapstructure:"isClient"`
	// ConnectionTimeoutSec closes accepted channels idle for longer; 0 disables.
	ConnectionTimeoutSec int `mapstructure:"connectionTimeoutSec"`
	ChannelBufferSize    int `mapstructure:"channelBufferSize"`
	MaxRecvBufferSize    int `mapstructure:"maxRecvBufferSize"`
	DialTimeoutMs        int `mapstructure:"dialTimeoutMs"`
	// MaxEventsPerTick bounds socket completions handled by one Update; 0 handles
	// everything queued when Update starts.
	MaxEventsPerTick int `mapstructure:"maxEventsPerTick"`
	EventQueueSize   int `mapstructure:"eventQueueSize"`
	SocketBufferSize int `mapstructure:"socketBufferSize"`
	PoolClassLimit   int `mapstructure:"poolClassLimit"`
}

// DefaultTcpServiceCfg returns a config with every default applied.
func DefaultTcpServiceCfg() *TcpServiceCfg {
	cfg := &TcpServiceCfg{}
	cfg.SetDefaults()
	return cfg
}

// GetName returns the configuration name for TcpServiceCfg
func (c *TcpServiceCfg) GetName() string {
	return "tcp_service"
}

// SetDefaults implements config.Defaulter.
func (c *TcpServiceCfg) SetDefaults() {
	c.ConnectionTimeoutSec = 45
	c.ChannelBufferSize = 8192
	c.MaxRecvBufferSize = 1024 * 1024
	c.DialTimeoutMs = 5000
	c.EventQueueSize = 4096
	c.PoolClassLimit = defaultPoolClassLimit
}

// Validate validates the TcpServiceCfg parameters
func (c *TcpServiceCfg) Validate() error {
	if !c.IsClient && c.Addr == "" {
		return fmt.Errorf("Addr cannot be empty")
	}
	if c.ConnectionTimeoutSec < 0 {
		return fmt.Errorf("ConnectionTimeoutSec cannot be negative")
	}
	if c.ChannelBufferSize <= 0 {
		return fmt.Errorf("ChannelBufferSize must be positive")
	}
	if c.MaxRecvBufferSize < c.ChannelBufferSize {
		return fmt.Errorf("MaxRecvBufferSize must be at least ChannelBufferSize")
	}
	if c.DialTimeoutMs <= 0 {
		return fmt.Errorf("DialTimeoutMs must be positive")
	}
	if c.MaxEventsPerTick < 0 {
		return fmt.Errorf("MaxEventsPerTick cannot be negative")
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("EventQueueSize must be positive")
	}
	return nil
}

type tcpEventKind int

const (
	tcpEvAccept tcpEventKind = iota
	tcpEvConnect
	tcpEvRecv
	tcpEvSent
)

// tcpEvent is a socket completion posted by an io goroutine.
type tcpEvent struct {
	kind tcpEventKind
	id   ChannelID
	// ch is the channel that issued the operation; nil for accepts
	ch   *tcpChannel
	conn net.Conn
	n    int
	err  error
}

// TcpOption customizes a TcpService at construction.
type TcpOption func(*TcpService)

// WithTcpLogger sets the service logger; nil keeps the package default.
func WithTcpLogger(l log.Logger) TcpOption {
	return func(s *TcpService) { s.logger = log.OrDefault(l) }
}

// TcpService is the stream Service. Accepts, dials, reads and writes run on
// goroutines; their completions are applied and reported from Update.
type TcpService struct {
	cfg       atomic.Pointer[TcpServiceCfg]
	logger    log.Logger
	callbacks Callbacks
	clock     clock

	ctx      context.Context
	cancel   context.CancelFunc
	listener net.Listener
	started  bool
	stopped  bool
	wg       sync.WaitGroup
	events   *eventQueue[tcpEvent]

	channels map[ChannelID]*tcpChannel
	nextID   ChannelID
	pool     *BufferPool
}

// NewTcpService creates a service from an explicit config.
func NewTcpService(cfg *TcpServiceCfg, opts ...TcpOption) (*TcpService, error) {
	if cfg == nil {
		return nil, errors.New("TcpServiceCfg cannot be nil, use NewTcpServiceWithConfigManager for dynamic configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tcp_service config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &TcpService{
		logger:   log.Default(),
		clock:    newClock(),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[ChannelID]*tcpChannel),
		nextID:   1,
		pool:     NewBufferPool(cfg.PoolClassLimit, tcpMetricsGroup),
	}
	s.cfg.Store(cfg)
	s.events = newEventQueue[tcpEvent](cfg.EventQueueSize, ctx.Done())

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewTcpServiceWithConfigManager loads "tcp_service" and follows its hot reloads.
func NewTcpServiceWithConfigManager(configManager config.ConfigManager, opts ...TcpOption) (*TcpService, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}

	cfg := &TcpServiceCfg{}
	if err := configManager.LoadConfig("tcp_service", cfg); err != nil {
		return nil, fmt.Errorf("failed to load tcp_service config: %w", err)
	}
	s, err := NewTcpService(cfg, opts...)
	if err != nil {
		return nil, err
	}
	configManager.AddChangeListener(s)
	return s, nil
}

// OnConfigChanged implements config.ConfigChangeListener. Addr and IsClient keep
// their startup values.
func (s *TcpService) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "tcp_service" {
		return nil
	}
	newCfg, ok := newConfig.(*TcpServiceCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for TcpService")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid tcp_service configuration: %w", err)
	}

	old := s.cfg.Load()
	applied := *newCfg
	applied.Addr = old.Addr
	applied.IsClient = old.IsClient
	s.cfg.Store(&applied)

	s.logger.Info().Str("configName", configName).Int("connectionTimeoutSec", applied.ConnectionTimeoutSec).
		Int("maxEventsPerTick", applied.MaxEventsPerTick).Msg("tcp_service configuration updated")
	return nil
}

// GetConfigName implements config.ConfigChangeListener.
func (s *TcpService) GetConfigName() string {
	return "tcp_service"
}

func (s *TcpService) config() *TcpServiceCfg { return s.cfg.Load() }

func (s *TcpService) SetCallbacks(cb Callbacks) { s.callbacks = cb }

// Start listens on Addr unless the service is client only.
func (s *TcpService) Start() error {
	if s.stopped {
		return ErrServiceStopped
	}
	if s.started {
		return ErrServiceStarted
	}

	cfg := s.config()
	if !cfg.IsClient {
		var lc net.ListenConfig
		ln, err := lc.Listen(s.ctx, "tcp", cfg.Addr)
		if err != nil {
			metrics.IncrCounterWithDimGroup(tcpMetricsGroup, "start_error_total", 1, metrics.Dimension{"error_type": "listen"})
			return fmt.Errorf("listen %s: %w", cfg.Addr, err)
		}
		s.listener = ln
		s.wg.Add(1)
		go s.acceptLoop(ln)
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("tcp service started")
	}
	s.started = true
	return nil
}

// LocalAddr is the listening address, nil for client services.
func (s *TcpService) LocalAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *TcpService) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			var e net.Error
			if errors.As(err, &e) && e.Timeout() {
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error().Err(err).Msg("tcp accept failed")
			}
			return
		}
		s.tuneConn(conn)
		if !s.events.post(tcpEvent{kind: tcpEvAccept, conn: conn}) {
			_ = conn.Close()
			return
		}
	}
}

func (s *TcpService) tuneConn(conn net.Conn) {
	size := s.config().SocketBufferSize
	tc, ok := conn.(*net.TCPConn)
	if !ok || size <= 0 {
		return
	}
	if err := tc.SetReadBuffer(size); err != nil {
		s.logger.Warn().Int("BufSize", size).Err(err).Msg("tcp set read buffer failed")
	}
	if err := tc.SetWriteBuffer(size); err != nil {
		s.logger.Warn().Int("BufSize", size).Err(err).Msg("tcp set write buffer failed")
	}
}

func (s *TcpService) dial(c *tcpChannel, addr string) {
	defer s.wg.Done()
	d := net.Dialer{Timeout: time.Duration(s.config().DialTimeoutMs) * time.Millisecond}
	conn, err := d.DialContext(s.ctx, "tcp", addr)
	if err == nil {
		s.tuneConn(conn)
	}
	if !s.events.post(tcpEvent{kind: tcpEvConnect, id: c.id, ch: c, conn: conn, err: err}) && conn != nil {
		_ = conn.Close()
	}
}

// Update applies socket completions, then closes idle accepted channels.
func (s *TcpService) Update() {
	if !s.started || s.stopped {
		return
	}
	now := s.clock.nowMs()

	s.events.drain(s.config().MaxEventsPerTick, func(ev tcpEvent) {
		s.handleEvent(ev, now)
	})
	s.checkIdle(now)
}

func (s *TcpService) handleEvent(ev tcpEvent, now int64) {
	switch ev.kind {
	case tcpEvAccept:
		c := newTcpChannel(s, s.allocID(), false, now)
		s.channels[c.id] = c
		c.attach(ev.conn, now)
		s.onAccept(c)
		c.postRecv()

	case tcpEvConnect:
		c, ok := s.channels[ev.id]
		if !ok || c != ev.ch || c.state != tcpConnecting {
			if ev.conn != nil {
				_ = ev.conn.Close()
			}
			return
		}
		if ev.err != nil {
			s.logger.Warn().Uint64("channel", uint64(c.id)).Str("addr", c.remoteAddr.String()).Err(ev.err).Msg("tcp connect failed")
			s.closeChannel(c, CodeSocketError, true)
			return
		}
		c.attach(ev.conn, now)
		metrics.IncrCounterWithGroup(tcpMetricsGroup, "connect_total", 1)
		s.logger.Info().Uint64("channel", uint64(c.id)).Str("addr", c.remoteAddr.String()).Msg("tcp connected")
		if s.callbacks.OnConnectSuccess != nil {
			s.callbacks.OnConnectSuccess(c.id, c.remoteAddr)
		}
		c.postRecv()
		c.flush()
		if c.delayClose && !c.sending && len(c.sendQueue) == 0 {
			s.closeChannel(c, CodeCloseByServer, true)
		}

	// completions of a closed channel must not reach a new one under the same id
	case tcpEvRecv:
		if c, ok := s.channels[ev.id]; ok && c == ev.ch {
			c.onRecv(ev.n, ev.err, now)
		}

	case tcpEvSent:
		if c, ok := s.channels[ev.id]; ok && c == ev.ch {
			c.onSent(ev.n, ev.err)
		}
	}
}

func (s *TcpService) checkIdle(now int64) {
	timeout := int64(s.config().ConnectionTimeoutSec) * 1000
	if timeout <= 0 {
		return
	}
	var idle []*tcpChannel
	for _, c := range s.channels {
		if !c.isClient && c.state == tcpConnected && now-c.lastActiveAt > timeout {
			idle = append(idle, c)
		}
	}
	for _, c := range idle {
		s.logger.Info().Uint64("channel", uint64(c.id)).Int64("idleMs", now-c.lastActiveAt).Msg("tcp session timeout")
		s.closeChannel(c, CodeSessionTimeout, true)
	}
}

func (s *TcpService) allocID() ChannelID {
	for {
		id := s.nextID
		s.nextID++
		if s.nextID == 0 {
			s.nextID = 1
		}
		if _, exists := s.channels[id]; !exists {
			return id
		}
	}
}

func (s *TcpService) onAccept(c *tcpChannel) {
	metrics.IncrCounterWithGroup(tcpMetricsGroup, "accept_total", 1)
	metrics.UpdateGaugeWithGroup(tcpMetricsGroup, "channels", metrics.Value(len(s.channels)))
	s.logger.Info().Uint64("channel", uint64(c.id)).Str("addr", c.remoteAddr.String()).Msg("tcp accept")
	if s.callbacks.OnAccept != nil {
		s.callbacks.OnAccept(c.id, c.remoteAddr)
	}
}

func (s *TcpService) onDataReceived(c *tcpChannel) {
	if s.callbacks.OnDataReceived != nil {
		s.callbacks.OnDataReceived(c.id, c.recvBuf)
	}
}

// closeChannel is idempotent; notify selects whether the direction's
// disconnect callback fires.
func (s *TcpService) closeChannel(c *tcpChannel, code ErrorCode, notify bool) {
	if c.closed {
		return
	}
	if cur, ok := s.channels[c.id]; !ok || cur != c {
		return
	}
	delete(s.channels, c.id)
	c.release()

	s.logger.Info().Uint64("channel", uint64(c.id)).Stringer("code", code).Msg("tcp channel closed")
	metrics.IncrCounterWithDimGroup(tcpMetricsGroup, "close_total", 1, metrics.Dimension{"code": code.String()})
	metrics.UpdateGaugeWithGroup(tcpMetricsGroup, "channels", metrics.Value(len(s.channels)))

	if !notify {
		return
	}
	if c.isClient {
		metrics.IncrCounterWithGroup(tcpMetricsGroup, "connect_fail_total", 1)
		if s.callbacks.OnCannotConnect != nil {
			s.callbacks.OnCannotConnect(c.id, c.remoteAddr, code)
		}
	} else if s.callbacks.OnClientDisconnect != nil {
		s.callbacks.OnClientDisconnect(c.id, c.remoteAddr, code)
	}
}

func (s *TcpService) checkRunning() error {
	if s.stopped {
		return ErrServiceStopped
	}
	if !s.started {
		return ErrServiceNotStarted
	}
	return nil
}

// Connect dials addr under a service-chosen id.
func (s *TcpService) Connect(addr string) (ChannelID, error) {
	if err := s.checkRunning(); err != nil {
		return 0, err
	}
	id := s.allocID()
	return id, s.CreateChannel(id, addr)
}

// CreateChannel dials addr under the caller's id. The outcome is reported by
// OnConnectSuccess or OnCannotConnect.
func (s *TcpService) CreateChannel(id ChannelID, addr string) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	if id == 0 {
		return fmt.Errorf("tcp channel id 0: %w", ErrInvalidAddress)
	}
	if _, exists := s.channels[id]; exists {
		return ErrChannelExists
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}

	c := newTcpChannel(s, id, true, s.clock.nowMs())
	c.state = tcpConnecting
	c.remoteAddr = tcpAddr
	s.channels[id] = c

	s.wg.Add(1)
	go s.dial(c, addr)
	return nil
}

// Send queues buf; messages sent while connecting go out once connected.
func (s *TcpService) Send(id ChannelID, buf *MessageBuffer) error {
	c, ok := s.channels[id]
	if !ok {
		s.Recycle(buf)
		return ErrChannelNotFound
	}
	c.send(buf)
	if c.closed {
		return ErrChannelClosed
	}
	return nil
}

func (s *TcpService) Close(id ChannelID) {
	if c, ok := s.channels[id]; ok {
		s.closeChannel(c, CodeNone, false)
	}
}

func (s *TcpService) CloseWithError(id ChannelID, code ErrorCode) {
	if c, ok := s.channels[id]; ok {
		s.closeChannel(c, code, true)
	}
}

// DelayClose closes with CodeCloseByServer once the send queue is flushed. A
// channel still connecting flushes after the connect completes.
func (s *TcpService) DelayClose(id ChannelID) {
	c, ok := s.channels[id]
	if !ok || c.delayClose {
		return
	}
	c.delayClose = true
	if c.state == tcpConnected && !c.sending && len(c.sendQueue) == 0 {
		s.closeChannel(c, CodeCloseByServer, true)
	}
}

func (s *TcpService) IsOpen(id ChannelID) bool {
	c, ok := s.channels[id]
	return ok && c.state == tcpConnected && !c.delayClose
}

func (s *TcpService) RemoteAddr(id ChannelID) net.Addr {
	c, ok := s.channels[id]
	if !ok {
		return nil
	}
	return c.remoteAddr
}

func (s *TcpService) Fetch(size int) *MessageBuffer { return s.pool.Get(size) }

func (s *TcpService) Recycle(buf *MessageBuffer) { s.pool.Put(buf) }

// ChannelCount is the number of open or connecting channels.
func (s *TcpService) ChannelCount() int { return len(s.channels) }

// Stop closes the listener and every channel without callbacks, then waits for
// the io goroutines.
func (s *TcpService) Stop() error {
	if s.stopped {
		return ErrServiceStopped
	}
	s.stopped = true
	s.cancel()
	if !s.started {
		return nil
	}

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for _, c := range s.channels {
		s.closeChannel(c, CodeNone, false)
	}
	s.wg.Wait()
	s.events.drain(0, func(ev tcpEvent) {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
	})

	s.logger.Info().Msg("tcp service stopped")
	return err
}
