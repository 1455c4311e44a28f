package net

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"

	"github.com/lcx/asura-transport/config"
	"github.com/lcx/asura-transport/log"
	"github.com/lcx/asura-transport/metrics"
	"github.com/lcx/asura-transport/timewheel"
)

const kcpMetricsGroup = "kcp"

var (
	_ Service = (*KcpService)(nil)
	_ Sender  = (*KcpService)(nil)
)

// client conns stay below the default accept base so both directions can share
// one service without collisions
const maxClientConn = 0x7fffffff

// KcpServiceCfg configures a reliable-UDP service.
type KcpServiceCfg struct {
	// Addr is the bind address; empty binds an ephemeral port for client use.
	Addr             string `mapstructure:"addr"`
	SendMaxWaitSize  int    `mapstructure:"sendMaxWaitSize"`
	ConnectTimeoutMs int64  `mapstructure:"connectTimeoutMs"`
	ConnectRetryMs   int64  `mapstructure:"connectRetryMs"`
	Mtu              int    `mapstructure:"mtu"`
	// MaxMessageSize bounds a reassembled fragmented message.
	MaxMessageSize int `mapstructure:"maxMessageSize"`
	// RecvRateLimit paces datagrams per second on the reader; 0 is unlimited.
	RecvRateLimit    int    `mapstructure:"recvRateLimit"`
	SocketBufferSize int    `mapstructure:"socketBufferSize"`
	EventQueueSize   int    `mapstructure:"eventQueueSize"`
	AcceptConnBase   uint32 `mapstructure:"acceptConnBase"`
	PoolClassLimit   int    `mapstructure:"poolClassLimit"`

	// ARQ tuning, see kcp NoDelay/WndSize.
	NoDelay      int `mapstructure:"noDelay"`
	IntervalMs   int `mapstructure:"intervalMs"`
	Resend       int `mapstructure:"resend"`
	NoCongestion int `mapstructure:"noCongestion"`
	SndWnd       int `mapstructure:"sndWnd"`
	RcvWnd       int `mapstructure:"rcvWnd"`
}

// DefaultKcpServiceCfg returns a config with every default applied.
func DefaultKcpServiceCfg() *KcpServiceCfg {
	cfg := &KcpServiceCfg{}
	cfg.SetDefaults()
	return cfg
}

// GetName returns the configuration name for KcpServiceCfg
func (c *KcpServiceCfg) GetName() string {
	return "kcp_service"
}

// SetDefaults implements config.Defaulter.
func (c *KcpServiceCfg) SetDefaults() {
	c.SendMaxWaitSize = 1024 * 16
	c.ConnectTimeoutMs = 10 * 1000
	c.ConnectRetryMs = 300
	c.Mtu = 1472
	c.MaxMessageSize = 1024 * 1024
	c.SocketBufferSize = 4 * 1024 * 1024
	c.EventQueueSize = 4096
	c.AcceptConnBase = 0x80000000
	c.PoolClassLimit = defaultPoolClassLimit
	c.NoDelay = 1
	c.IntervalMs = 10
	c.Resend = 2
	c.NoCongestion = 1
	c.SndWnd = 1024
	c.RcvWnd = 1024
}

// Validate validates the KcpServiceCfg parameters
func (c *KcpServiceCfg) Validate() error {
	if c.SendMaxWaitSize <= 0 {
		return fmt.Errorf("sendMaxWaitSize must be positive")
	}
	if c.ConnectTimeoutMs <= 0 || c.ConnectRetryMs <= 0 {
		return fmt.Errorf("connectTimeoutMs and connectRetryMs must be positive")
	}
	if c.ConnectRetryMs >= c.ConnectTimeoutMs {
		return fmt.Errorf("connectRetryMs must be less than connectTimeoutMs")
	}
	if c.Mtu < 64 || c.Mtu > kcpMaxDatagram {
		return fmt.Errorf("mtu must be in [64, %d]", kcpMaxDatagram)
	}
	if c.MaxMessageSize <= c.Mtu {
		return fmt.Errorf("maxMessageSize must exceed mtu")
	}
	if c.RecvRateLimit < 0 {
		return fmt.Errorf("recvRateLimit cannot be negative")
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("eventQueueSize must be positive")
	}
	if c.AcceptConnBase <= maxClientConn {
		return fmt.Errorf("acceptConnBase must be above %#x", maxClientConn)
	}
	if c.IntervalMs <= 0 || c.SndWnd <= 0 || c.RcvWnd <= 0 {
		return fmt.Errorf("intervalMs, sndWnd and rcvWnd must be positive")
	}
	return nil
}

type udpDatagram struct {
	buf  *[]byte
	n    int
	addr *net.UDPAddr
}

// KcpOption customizes a KcpService at construction.
type KcpOption func(*KcpService)

// WithKcpLogger sets the service logger; nil keeps the package default.
func WithKcpLogger(l log.Logger) KcpOption {
	return func(s *KcpService) { s.logger = log.OrDefault(l) }
}

// WithARQFactory replaces the kcp engine.
func WithARQFactory(f ARQFactory) KcpOption {
	return func(s *KcpService) {
		if f != nil {
			s.arqFactory = f
		}
	}
}

// KcpService is the reliable-UDP Service: one UDP socket, a reader goroutine
// feeding datagrams to the tick goroutine, and a deadline wheel deciding which
// channels are serviced on each Update.
type KcpService struct {
	cfg        atomic.Pointer[KcpServiceCfg]
	logger     log.Logger
	callbacks  Callbacks
	arqFactory ARQFactory
	clock      clock

	conn    *net.UDPConn
	started bool
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
	events  *eventQueue[udpDatagram]
	ingress *FunnelRecvLimiter
	rawPool sync.Pool

	channels   map[ChannelID]*kcpChannel
	waitAccept map[uint32]*kcpChannel
	wheel      *timewheel.Wheel[ChannelID]
	pool       *BufferPool
	acceptConn uint32
	acceptBase uint32

	ctrlCache [kcpMaxDatagram]byte
}

// NewKcpService creates a service from an explicit config.
func NewKcpService(cfg *KcpServiceCfg, opts ...KcpOption) (*KcpService, error) {
	if cfg == nil {
		return nil, errors.New("KcpServiceCfg cannot be nil, use NewKcpServiceWithConfigManager for dynamic configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kcp_service config: %w", err)
	}

	s := &KcpService{
		logger:     log.Default(),
		clock:      newClock(),
		done:       make(chan struct{}),
		ingress:    NewFunnelRecvLimiter(cfg.RecvRateLimit),
		channels:   make(map[ChannelID]*kcpChannel),
		waitAccept: make(map[uint32]*kcpChannel),
		wheel:      timewheel.New[ChannelID](),
		pool:       NewBufferPool(cfg.PoolClassLimit, kcpMetricsGroup),
		acceptConn: cfg.AcceptConnBase,
		acceptBase: cfg.AcceptConnBase,
	}
	s.cfg.Store(cfg)
	s.arqFactory = NewKcpARQFactory(cfg)
	s.rawPool.New = func() any {
		b := make([]byte, kcpMaxDatagram)
		return &b
	}
	s.events = newEventQueue[udpDatagram](cfg.EventQueueSize, s.done)

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewKcpServiceWithConfigManager loads "kcp_service" and follows its hot reloads.
func NewKcpServiceWithConfigManager(configManager config.ConfigManager, opts ...KcpOption) (*KcpService, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}

	cfg := &KcpServiceCfg{}
	if err := configManager.LoadConfig("kcp_service", cfg); err != nil {
		return nil, fmt.Errorf("failed to load kcp_service config: %w", err)
	}
	s, err := NewKcpService(cfg, opts...)
	if err != nil {
		return nil, err
	}
	configManager.AddChangeListener(s)
	return s, nil
}

// OnConfigChanged implements config.ConfigChangeListener. The bind address and
// ARQ tuning only apply to a new service; limits apply immediately.
func (s *KcpService) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "kcp_service" {
		return nil
	}
	newCfg, ok := newConfig.(*KcpServiceCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for KcpService")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid kcp_service configuration: %w", err)
	}

	old := s.cfg.Load()
	applied := *newCfg
	if applied.Addr != old.Addr {
		s.logger.Warn().Str("old", old.Addr).Str("new", applied.Addr).Msg("kcp_service addr change needs restart")
		applied.Addr = old.Addr
	}
	s.cfg.Store(&applied)
	s.ingress.Reload(newCfg.RecvRateLimit)

	s.logger.Info().Str("configName", configName).Int("sendMaxWaitSize", newCfg.SendMaxWaitSize).
		Int("recvRateLimit", newCfg.RecvRateLimit).Msg("kcp_service configuration updated")
	return nil
}

// GetConfigName implements config.ConfigChangeListener.
func (s *KcpService) GetConfigName() string {
	return "kcp_service"
}

func (s *KcpService) config() *KcpServiceCfg { return s.cfg.Load() }

func (s *KcpService) SetCallbacks(cb Callbacks) { s.callbacks = cb }

// Start binds the UDP socket and starts the reader goroutine.
func (s *KcpService) Start() error {
	if s.stopped {
		return ErrServiceStopped
	}
	if s.started {
		return ErrServiceStarted
	}

	cfg := s.config()
	addr := cfg.Addr
	if addr == "" {
		addr = ":0"
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		metrics.IncrCounterWithDimGroup(kcpMetricsGroup, "start_error_total", 1, metrics.Dimension{"error_type": "listen"})
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if cfg.SocketBufferSize > 0 {
		if err := conn.SetReadBuffer(cfg.SocketBufferSize); err != nil {
			s.logger.Warn().Int("size", cfg.SocketBufferSize).Err(err).Msg("kcp set read buffer failed")
		}
		if err := conn.SetWriteBuffer(cfg.SocketBufferSize); err != nil {
			s.logger.Warn().Int("size", cfg.SocketBufferSize).Err(err).Msg("kcp set write buffer failed")
		}
	}

	s.conn = conn
	s.started = true
	s.wg.Add(1)
	go s.readLoop()

	s.logger.Info().Str("addr", conn.LocalAddr().String()).Msg("kcp service started")
	return nil
}

// LocalAddr is the bound socket address, nil before Start.
func (s *KcpService) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *KcpService) readLoop() {
	defer s.wg.Done()
	for {
		s.ingress.Take()

		bp := s.rawPool.Get().(*[]byte)
		n, addr, err := s.conn.ReadFromUDP(*bp)
		if err != nil {
			s.rawPool.Put(bp)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Warn().Err(err).Msg("kcp read datagram failed")
			continue
		}
		if n < 1 {
			s.rawPool.Put(bp)
			continue
		}
		if !s.events.post(udpDatagram{buf: bp, n: n, addr: addr}) {
			s.rawPool.Put(bp)
			return
		}
	}
}

// Update drives the service: accept timeouts, received datagrams, then every
// channel whose deadline is due.
func (s *KcpService) Update() {
	if !s.started || s.stopped {
		return
	}
	now := s.clock.nowMs()

	s.checkWaitAccept(now)
	s.recv(now)
	s.updateChannels(now)
}

func (s *KcpService) recv(now int64) {
	n := s.events.drain(0, func(d udpDatagram) {
		s.handleDatagram((*d.buf)[:d.n], d.addr, now)
		s.rawPool.Put(d.buf)
	})
	if n > 0 {
		metrics.IncrCounterWithGroup(kcpMetricsGroup, "datagram_in_total", metrics.Value(n))
	}
}

func (s *KcpService) updateChannels(now int64) {
	for id := range s.wheel.Collect(now) {
		c, ok := s.channels[id]
		if !ok {
			continue
		}
		c.hasWake = false
		c.update(now)
	}
}

func (s *KcpService) schedule(c *kcpChannel, deadline int64) {
	if c.hasWake && c.wakeAt <= deadline {
		return
	}
	c.wakeAt = deadline
	c.hasWake = true
	s.wheel.Add(deadline, c.id)
}

func (s *KcpService) scheduleNow(c *kcpChannel) {
	s.wheel.AddNow(c.id)
}

func (s *KcpService) checkWaitAccept(now int64) {
	if len(s.waitAccept) == 0 {
		return
	}
	timeout := s.config().ConnectTimeoutMs
	var expired []*kcpChannel
	for _, c := range s.waitAccept {
		if c.accepted || now < c.createdAt+timeout {
			continue
		}
		expired = append(expired, c)
	}
	for _, c := range expired {
		s.logger.Warn().Uint64("channel", uint64(c.id)).Uint32("remoteConn", c.remoteConn).Msg("kcp accept timeout")
		s.closeChannel(c, CodeKcpAcceptTimeout, true)
	}
}

func (s *KcpService) handleDatagram(b []byte, addr *net.UDPAddr, now int64) {
	head, ok := decodeKcpHead(b)
	if !ok {
		return
	}

	switch head.op {
	case kcpSYN:
		s.handleSYN(b, head, addr, now)

	case kcpACK:
		if len(b) != kcpHeadSize {
			return
		}
		c, ok := s.channels[ChannelID(head.localConn)]
		if !ok || !c.isClient || c.connected {
			return
		}
		s.logger.Info().Uint32("localConn", head.localConn).Uint32("remoteConn", head.remoteConn).Msg("kcp recv ack")
		c.handleConnect(head.remoteConn, now)

	case kcpFIN:
		if len(b) != kcpFinSize {
			return
		}
		c, ok := s.channels[ChannelID(head.localConn)]
		if !ok || c.remoteConn != head.remoteConn {
			return
		}
		s.logger.Info().Uint32("localConn", head.localConn).Uint32("remoteConn", head.remoteConn).
			Stringer("code", ErrorCode(int32(kcpTrailer(b)))).Msg("kcp recv fin")
		s.closeChannel(c, CodePeerDisconnect, true)

	case kcpMSG:
		c, ok := s.channels[ChannelID(head.localConn)]
		if !ok {
			s.sendFIN(head.localConn, head.remoteConn, CodeKcpNotFoundChannel, addr, 1)
			return
		}
		if c.remoteConn != head.remoteConn || !c.connected {
			return
		}
		if !c.isClient && !c.accepted {
			c.accepted = true
			if w, ok := s.waitAccept[c.remoteConn]; ok && w == c {
				delete(s.waitAccept, c.remoteConn)
			}
		}
		c.handleRecv(b[kcpHeadSize:], now)

	case kcpReconnectSYN:
		s.handleReconnectSYN(b, head, addr)

	case kcpReconnectACK:
		if len(b) != kcpReconnectSize {
			return
		}
		c, ok := s.channels[ChannelID(head.localConn)]
		if !ok || !c.isClient || c.remoteConn != head.remoteConn || kcpTrailer(b) != c.reconnectID {
			return
		}
		metrics.IncrCounterWithGroup(kcpMetricsGroup, "reconnect_total", 1)
		s.logger.Info().Uint64("channel", uint64(c.id)).Uint32("reconnectID", c.reconnectID).Msg("kcp reconnected")
	}
}

func (s *KcpService) handleSYN(b []byte, head kcpHead, addr *net.UDPAddr, now int64) {
	if head.remoteConn == 0 {
		return
	}
	realAddr := ""
	if len(b) > kcpHeadSize {
		realAddr = string(b[kcpHeadSize:])
	}

	c, ok := s.waitAccept[head.remoteConn]
	if !ok {
		localConn := s.nextAcceptConn()
		// taken: wait for the client's next SYN
		if _, exists := s.channels[ChannelID(localConn)]; exists {
			return
		}
		peer := *addr
		c = newServerKcpChannel(s, localConn, head.remoteConn, &peer, realAddr, now)
		s.waitAccept[c.remoteConn] = c
		s.channels[c.id] = c
		s.onAccept(c)
		if c.closed {
			return
		}
	}

	if c.realAddr != realAddr {
		s.logger.Error().Uint64("channel", uint64(c.id)).Str("realAddr", c.realAddr).Str("got", realAddr).Msg("kcp syn address diff")
		return
	}

	s.logger.Info().Uint64("channel", uint64(c.id)).Uint32("localConn", c.localConn).Uint32("remoteConn", c.remoteConn).Msg("kcp send ack")
	if err := s.writeTo(encodeKcpACK(s.ctrlCache[:], c.localConn, c.remoteConn), c.remoteAddr); err != nil {
		s.logger.Error().Uint64("channel", uint64(c.id)).Err(err).Msg("kcp send ack failed")
		s.closeChannel(c, CodeKcpSocketCantSend, true)
	}
}

// handleReconnectSYN rebinds an accepted channel to the datagram's source once
// both conn numbers match.
func (s *KcpService) handleReconnectSYN(b []byte, head kcpHead, addr *net.UDPAddr) {
	if len(b) != kcpReconnectSize {
		return
	}
	reconnectID := kcpTrailer(b)

	c, ok := s.channels[ChannelID(head.localConn)]
	if !ok {
		s.logger.Warn().Uint32("localConn", head.localConn).Uint32("remoteConn", head.remoteConn).Msg("kcp reconnect channel not found")
		return
	}
	if c.remoteConn != head.remoteConn {
		s.logger.Warn().Uint32("localConn", head.localConn).Uint32("remoteConn", head.remoteConn).
			Uint32("expected", c.remoteConn).Msg("kcp reconnect remote conn mismatch")
		return
	}

	if !c.remoteAddr.IP.Equal(addr.IP) || c.remoteAddr.Port != addr.Port {
		s.logger.Info().Uint64("channel", uint64(c.id)).Str("old", c.remoteAddr.String()).Str("new", addr.String()).Msg("kcp channel rebind")
		peer := *addr
		c.remoteAddr = &peer
	}

	if err := s.writeTo(encodeKcpReconnect(s.ctrlCache[:], kcpReconnectACK, c.localConn, c.remoteConn, reconnectID), addr); err != nil {
		s.logger.Error().Uint64("channel", uint64(c.id)).Err(err).Msg("kcp send reconnect ack failed")
		s.closeChannel(c, CodeKcpSocketCantSend, true)
	}
}

func (s *KcpService) nextAcceptConn() uint32 {
	conn := s.acceptConn
	s.acceptConn++
	if s.acceptConn == 0 {
		s.acceptConn = s.acceptBase
	}
	return conn
}

func (s *KcpService) writeTo(b []byte, addr *net.UDPAddr) error {
	if s.conn == nil {
		return ErrServiceNotStarted
	}
	if _, err := s.conn.WriteToUDP(b, addr); err != nil {
		return err
	}
	metrics.IncrCounterWithGroup(kcpMetricsGroup, "datagram_out_total", 1)
	return nil
}

func (s *KcpService) sendFIN(localConn, remoteConn uint32, code ErrorCode, addr *net.UDPAddr, times int) {
	fin := encodeKcpFIN(s.ctrlCache[:], localConn, remoteConn, code)
	for i := 0; i < times; i++ {
		if err := s.writeTo(fin, addr); err != nil {
			s.logger.Error().Uint32("localConn", localConn).Uint32("remoteConn", remoteConn).Err(err).Msg("kcp send fin failed")
			return
		}
	}
	s.logger.Info().Uint32("localConn", localConn).Uint32("remoteConn", remoteConn).Stringer("code", code).
		Str("addr", addr.String()).Msg("kcp send fin")
}

// closeChannel removes c from every table, tells the peer, and reports code to
// the application when notify is set. Closing twice is a no-op.
func (s *KcpService) closeChannel(c *kcpChannel, code ErrorCode, notify bool) {
	if c.closed {
		return
	}
	if cur, ok := s.channels[c.id]; !ok || cur != c {
		return
	}
	delete(s.channels, c.id)
	if w, ok := s.waitAccept[c.remoteConn]; ok && w == c {
		delete(s.waitAccept, c.remoteConn)
	}

	s.logger.Info().Uint64("channel", uint64(c.id)).Uint32("localConn", c.localConn).
		Uint32("remoteConn", c.remoteConn).Stringer("code", code).Msg("kcp channel closed")
	s.sendFIN(c.localConn, c.remoteConn, code, c.remoteAddr, 3)
	c.release()

	metrics.IncrCounterWithDimGroup(kcpMetricsGroup, "close_total", 1, metrics.Dimension{"code": code.String()})
	metrics.UpdateGaugeWithGroup(kcpMetricsGroup, "channels", metrics.Value(len(s.channels)))

	if !notify {
		return
	}
	if c.isClient {
		metrics.IncrCounterWithGroup(kcpMetricsGroup, "connect_fail_total", 1)
		if s.callbacks.OnCannotConnect != nil {
			s.callbacks.OnCannotConnect(c.id, c.peerAddr(), code)
		}
	} else if s.callbacks.OnClientDisconnect != nil {
		s.callbacks.OnClientDisconnect(c.id, c.peerAddr(), code)
	}
}

func (s *KcpService) onAccept(c *kcpChannel) {
	metrics.IncrCounterWithGroup(kcpMetricsGroup, "accept_total", 1)
	metrics.UpdateGaugeWithGroup(kcpMetricsGroup, "channels", metrics.Value(len(s.channels)))
	s.logger.Info().Uint64("channel", uint64(c.id)).Uint32("remoteConn", c.remoteConn).
		Str("addr", c.remoteAddr.String()).Str("realAddr", c.realAddr).Msg("kcp accept")
	if s.callbacks.OnAccept != nil {
		s.callbacks.OnAccept(c.id, c.peerAddr())
	}
}

func (s *KcpService) onConnectSuccess(c *kcpChannel) {
	metrics.IncrCounterWithGroup(kcpMetricsGroup, "connect_total", 1)
	if s.callbacks.OnConnectSuccess != nil {
		s.callbacks.OnConnectSuccess(c.id, c.remoteAddr)
	}
}

func (s *KcpService) onDataReceived(c *kcpChannel, buf *MessageBuffer) {
	if s.callbacks.OnDataReceived != nil {
		s.callbacks.OnDataReceived(c.id, buf)
	}
}

// Connect opens a client channel under a random local conn.
func (s *KcpService) Connect(addr string) (ChannelID, error) {
	if err := s.checkRunning(); err != nil {
		return 0, err
	}
	for {
		localConn := rand.Uint32N(maxClientConn) + 1
		if _, exists := s.channels[ChannelID(localConn)]; exists {
			continue
		}
		id := ChannelID(localConn)
		return id, s.CreateChannel(id, addr)
	}
}

// CreateChannel opens a client channel whose local conn is the low 32 bits of id.
func (s *KcpService) CreateChannel(id ChannelID, addr string) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	localConn := uint32(id)
	if localConn == 0 || ChannelID(localConn) != id {
		return fmt.Errorf("kcp channel id %d: %w", id, ErrInvalidAddress)
	}
	if _, exists := s.channels[id]; exists {
		return ErrChannelExists
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}

	now := s.clock.nowMs()
	c := newClientKcpChannel(s, localConn, udpAddr, now)
	s.channels[id] = c
	metrics.UpdateGaugeWithGroup(kcpMetricsGroup, "channels", metrics.Value(len(s.channels)))
	c.connect(now)
	return nil
}

func (s *KcpService) checkRunning() error {
	if s.stopped {
		return ErrServiceStopped
	}
	if !s.started {
		return ErrServiceNotStarted
	}
	return nil
}

// Send queues buf on the channel. Messages sent before the handshake completes
// are held and flushed on connect.
func (s *KcpService) Send(id ChannelID, buf *MessageBuffer) error {
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

func (s *KcpService) Close(id ChannelID) {
	if c, ok := s.channels[id]; ok {
		s.closeChannel(c, CodeNone, false)
	}
}

func (s *KcpService) CloseWithError(id ChannelID, code ErrorCode) {
	if c, ok := s.channels[id]; ok {
		s.closeChannel(c, code, true)
	}
}

// DelayClose closes with CodeCloseByServer once the ARQ has nothing unacked.
func (s *KcpService) DelayClose(id ChannelID) {
	c, ok := s.channels[id]
	if !ok || c.delayClose {
		return
	}
	if !c.connected {
		s.closeChannel(c, CodeCloseByServer, true)
		return
	}
	c.delayClose = true
	s.scheduleNow(c)
}

func (s *KcpService) IsOpen(id ChannelID) bool {
	c, ok := s.channels[id]
	return ok && c.connected && !c.delayClose
}

func (s *KcpService) RemoteAddr(id ChannelID) net.Addr {
	c, ok := s.channels[id]
	if !ok {
		return nil
	}
	return c.peerAddr()
}

// ChannelConn reports the conn pair of a channel.
func (s *KcpService) ChannelConn(id ChannelID) (localConn, remoteConn uint32, ok bool) {
	c, ok := s.channels[id]
	if !ok {
		return 0, 0, false
	}
	return c.localConn, c.remoteConn, true
}

// ChangeAddress points a channel at a new peer address.
func (s *KcpService) ChangeAddress(id ChannelID, addr *net.UDPAddr) error {
	c, ok := s.channels[id]
	if !ok {
		return ErrChannelNotFound
	}
	if addr == nil {
		return ErrInvalidAddress
	}
	peer := *addr
	c.remoteAddr = &peer
	return nil
}

// Reconnect asks the server to rebind a connected client channel to this
// socket's current address.
func (s *KcpService) Reconnect(id ChannelID) error {
	c, ok := s.channels[id]
	if !ok {
		return ErrChannelNotFound
	}
	if !c.isClient || !c.connected {
		return ErrChannelClosed
	}
	c.reconnectID++
	return s.writeTo(encodeKcpReconnect(s.ctrlCache[:], kcpReconnectSYN, c.localConn, c.remoteConn, c.reconnectID), c.remoteAddr)
}

func (s *KcpService) Fetch(size int) *MessageBuffer { return s.pool.Get(size) }

func (s *KcpService) Recycle(buf *MessageBuffer) { s.pool.Put(buf) }

// ChannelCount is the number of open channels.
func (s *KcpService) ChannelCount() int { return len(s.channels) }

// Stop closes every channel with a FIN, then the socket. Call it from the tick
// goroutine.
func (s *KcpService) Stop() error {
	if s.stopped {
		return ErrServiceStopped
	}
	s.stopped = true
	if !s.started {
		return nil
	}

	for _, c := range s.channels {
		s.closeChannel(c, CodeNone, false)
	}
	close(s.done)
	err := s.conn.Close()
	s.wg.Wait()
	s.events.drain(0, func(d udpDatagram) { s.rawPool.Put(d.buf) })

	s.logger.Info().Str("addr", s.conn.LocalAddr().String()).Msg("kcp service stopped")
	return err
}
