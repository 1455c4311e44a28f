package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/lcx/asura-transport/codec"
	"github.com/lcx/asura-transport/config"
	"github.com/lcx/asura-transport/log"
	"github.com/lcx/asura-transport/metrics"
	"github.com/lcx/asura-transport/timewheel"
)

const dispatcherMetricsGroup = "dispatcher"

const (
	// [int32 payload length][uint16 msgID][int32 rpcID]
	FrameHeadSize = 10
	// NoRpcID marks a one-way message.
	NoRpcID int32 = -1
)

var (
	errRecvLimited = errors.New("dispatcher: recv rate limited")
	errNoHandler   = errors.New("dispatcher: no handler")
)

// RawMessage is a payload the dispatcher passes through without the codec.
type RawMessage []byte

// Sender is the transport side of a dispatcher. Both KcpService and TcpService
// implement it.
type Sender interface {
	Send(id ChannelID, buf *MessageBuffer) error
	CloseWithError(id ChannelID, code ErrorCode)
	Fetch(size int) *MessageBuffer
}

// DispatcherCfg configures framing limits, RPC timeouts and receive filters.
type DispatcherCfg struct {
	RpcTimeoutMs   int64 `mapstructure:"rpcTimeoutMs"`
	MaxPayloadSize int   `mapstructure:"maxPayloadSize"`
	// RecvRateLimit is messages per second across all channels; 0 disables.
	RecvRateLimit int `mapstructure:"recvRateLimit"`
	TokenBurst    int `mapstructure:"tokenBurst"`
	// CloseOnProtocolError closes a channel that sends a bad frame.
	CloseOnProtocolError bool `mapstructure:"closeOnProtocolError"`
	// MsgFilter ids are dropped before their handler runs.
	MsgFilter []uint16 `mapstructure:"msgFilter"`
}

// DefaultDispatcherCfg returns a config with every default applied.
func DefaultDispatcherCfg() *DispatcherCfg {
	cfg := &DispatcherCfg{}
	cfg.SetDefaults()
	return cfg
}

// GetName returns the configuration name for DispatcherCfg
func (c *DispatcherCfg) GetName() string {
	return "dispatcher"
}

// SetDefaults implements config.Defaulter.
func (c *DispatcherCfg) SetDefaults() {
	c.RpcTimeoutMs = 10 * 1000
	c.MaxPayloadSize = 32 * 1024
	c.CloseOnProtocolError = true
}

// Validate validates the DispatcherCfg parameters
func (c *DispatcherCfg) Validate() error {
	if c.RpcTimeoutMs <= 0 {
		return fmt.Errorf("RpcTimeoutMs must be positive")
	}
	if c.MaxPayloadSize <= 0 {
		return fmt.Errorf("MaxPayloadSize must be positive")
	}
	if c.RecvRateLimit < 0 || c.TokenBurst < 0 {
		return fmt.Errorf("RecvRateLimit and TokenBurst cannot be negative")
	}
	if c.RecvRateLimit > 1000000 {
		return fmt.Errorf("RecvRateLimit cannot exceed 1,000,000 messages per second")
	}
	if c.RecvRateLimit > 0 && c.TokenBurst > c.RecvRateLimit*10 {
		return fmt.Errorf("TokenBurst cannot exceed 10 times RecvRateLimit")
	}
	return nil
}

// DispatcherDelivery is one decoded inbound message on its way to a handler.
type DispatcherDelivery struct {
	Dispatcher *Dispatcher
	Channel    ChannelID
	MsgID      uint16
	RpcID      int32
	Msg        any
	Info       *MsgInfo
}

// IsRequest reports whether the sender expects a reply.
func (dd *DispatcherDelivery) IsRequest() bool { return dd.RpcID >= 0 }

// Reply answers the delivery's RPC with msgID.
func (dd *DispatcherDelivery) Reply(msgID uint16, body any) error {
	return dd.Dispatcher.Response(dd.Channel, msgID, dd.RpcID, body)
}

// RPCCallback receives the decoded response or an error, exactly once.
type RPCCallback func(resp any, err error)

type rpcKey struct {
	ch ChannelID
	id int32
}

type pendingRPC struct {
	msgID    uint16
	sentAt   int64
	deadline int64
	cb       RPCCallback
}

// DispatcherOption customizes a Dispatcher at construction.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the dispatcher logger; nil keeps the package default.
func WithDispatcherLogger(l log.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = log.OrDefault(l) }
}

// WithCodec replaces the payload codec.
func WithCodec(c codec.Codec) DispatcherOption {
	return func(d *Dispatcher) {
		if c != nil {
			d.codec = c
		}
	}
}

// Dispatcher frames messages over one Sender, routes inbound frames to
// registered handlers and correlates RPC responses. Everything except
// OnConfigChanged runs on the tick goroutine.
type Dispatcher struct {
	cfg          atomic.Pointer[DispatcherCfg]
	logger       log.Logger
	codec        codec.Codec
	sender       Sender
	msgMgr       *MessageManager
	recvLimiter  *DispatcherRecvLimiter
	filters      DispatcherFilterChain
	msgFilterMap atomic.Pointer[map[uint16]struct{}]
	clock        clock

	nextRpcID int32
	pending   map[rpcKey]*pendingRPC
	timeouts  *timewheel.Wheel[rpcKey]

	// channel whose frames are being dispatched; aborted stops the loop
	dispatching ChannelID
	aborted     bool

	encodeScratch []byte
}

// NewDispatcher creates a dispatcher sending through sender.
func NewDispatcher(cfg *DispatcherCfg, msgMgr *MessageManager, sender Sender, opts ...DispatcherOption) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errors.New("DispatcherCfg cannot be nil, use NewDispatcherWithConfigManager for dynamic configuration")
	}
	if msgMgr == nil || sender == nil {
		return nil, errors.New("message manager and sender are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatcher config: %w", err)
	}

	d := &Dispatcher{
		logger:      log.Default(),
		codec:       codec.Default(),
		sender:      sender,
		msgMgr:      msgMgr,
		recvLimiter: NewTokenRecvLimiter(cfg.RecvRateLimit, cfg.TokenBurst),
		clock:       newClock(),
		pending:     make(map[rpcKey]*pendingRPC),
		timeouts:    timewheel.New[rpcKey](),
	}
	d.cfg.Store(cfg)
	d.reloadMsgFilterCfg(cfg.MsgFilter)

	d.filters = append(d.filters, d.msgFilter)
	d.filters = append(d.filters, d.recvLimiter.recvLimiterFilter)

	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// NewDispatcherWithConfigManager creates a dispatcher that supports configuration hot-reload.
func NewDispatcherWithConfigManager(configManager config.ConfigManager, msgMgr *MessageManager, sender Sender, opts ...DispatcherOption) (*Dispatcher, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}

	cfg := &DispatcherCfg{}
	if err := configManager.LoadConfig("dispatcher", cfg); err != nil {
		return nil, fmt.Errorf("failed to load dispatcher config: %w", err)
	}
	d, err := NewDispatcher(cfg, msgMgr, sender, opts...)
	if err != nil {
		return nil, err
	}
	configManager.AddChangeListener(d)
	return d, nil
}

// OnConfigChanged implements the ConfigChangeListener interface for Dispatcher.
func (d *Dispatcher) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "dispatcher" {
		return nil
	}

	newCfg, ok := newConfig.(*DispatcherCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for Dispatcher")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid dispatcher configuration: %w", err)
	}

	d.recvLimiter.Reload(newCfg.RecvRateLimit, newCfg.TokenBurst)
	d.reloadMsgFilterCfg(newCfg.MsgFilter)
	d.cfg.Store(newCfg)

	d.logger.Info().Str("configName", configName).Int64("rpcTimeoutMs", newCfg.RpcTimeoutMs).
		Int("recvRateLimit", newCfg.RecvRateLimit).Msg("Dispatcher configuration updated successfully")
	return nil
}

// GetConfigName implements the ConfigChangeListener interface for Dispatcher.
func (d *Dispatcher) GetConfigName() string {
	return "dispatcher"
}

func (d *Dispatcher) config() *DispatcherCfg { return d.cfg.Load() }

// RegDispatcherFilter appends f after the built-in filters.
func (d *Dispatcher) RegDispatcherFilter(f DispatcherFilter) {
	d.filters = append(d.filters, f)
}

// MsgMgr returns the registry the dispatcher decodes with.
func (d *Dispatcher) MsgMgr() *MessageManager { return d.msgMgr }

// IsRegistered reports whether id can be received.
func (d *Dispatcher) IsRegistered(id uint16) bool { return d.msgMgr.ContainsMsg(id) }

// PendingRPCs is the number of unresolved SendAsync calls.
func (d *Dispatcher) PendingRPCs() int { return len(d.pending) }

// Send sends a one-way message.
func (d *Dispatcher) Send(ch ChannelID, msgID uint16, body any) error {
	return d.sendFrame(ch, msgID, NoRpcID, body)
}

// Response answers rpcID on ch with msgID.
func (d *Dispatcher) Response(ch ChannelID, msgID uint16, rpcID int32, body any) error {
	if rpcID < 0 {
		return fmt.Errorf("response %d: invalid rpc id %d", msgID, rpcID)
	}
	return d.sendFrame(ch, msgID, rpcID, body)
}

// SendAsync sends a request and calls cb with the response, or with
// ErrRPCTimeout / ErrChannelClosed. cb is not called when SendAsync itself
// returns an error.
func (d *Dispatcher) SendAsync(ch ChannelID, msgID uint16, body any, cb RPCCallback) (int32, error) {
	if cb == nil {
		return NoRpcID, errors.New("SendAsync callback is nil")
	}

	rpcID := d.allocRpcID(ch)
	if err := d.sendFrame(ch, msgID, rpcID, body); err != nil {
		return NoRpcID, err
	}

	now := d.clock.nowMs()
	p := &pendingRPC{
		msgID:    msgID,
		sentAt:   now,
		deadline: now + d.config().RpcTimeoutMs,
		cb:       cb,
	}
	key := rpcKey{ch: ch, id: rpcID}
	d.pending[key] = p
	d.timeouts.Add(p.deadline, key)
	metrics.IncrCounterWithGroup(dispatcherMetricsGroup, "rpc_sent_total", 1)
	return rpcID, nil
}

func (d *Dispatcher) allocRpcID(ch ChannelID) int32 {
	for {
		id := d.nextRpcID
		d.nextRpcID++
		if d.nextRpcID < 0 {
			d.nextRpcID = 0
		}
		if _, busy := d.pending[rpcKey{ch: ch, id: id}]; !busy {
			return id
		}
	}
}

func (d *Dispatcher) encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case RawMessage:
		return b, nil
	case *RawMessage:
		return *b, nil
	}
	out, err := d.codec.Encode(body, d.encodeScratch[:0])
	if err != nil {
		return nil, err
	}
	d.encodeScratch = out
	return out, nil
}

func (d *Dispatcher) sendFrame(ch ChannelID, msgID uint16, rpcID int32, body any) error {
	payload, err := d.encodeBody(body)
	if err != nil {
		metrics.IncrCounterWithDimGroup(dispatcherMetricsGroup, "send_error_total", 1, metrics.Dimension{"error_type": "encode"})
		return fmt.Errorf("encode message %d: %w", msgID, err)
	}
	if len(payload) > d.config().MaxPayloadSize {
		metrics.IncrCounterWithDimGroup(dispatcherMetricsGroup, "send_error_total", 1, metrics.Dimension{"error_type": "too_large"})
		return fmt.Errorf("message %d size %d: %w", msgID, len(payload), ErrPayloadTooLarge)
	}

	buf := d.sender.Fetch(FrameHeadSize + len(payload))
	var head [FrameHeadSize]byte
	putFrameHead(head[:], len(payload), msgID, rpcID)
	buf.Write(head[:])
	buf.Write(payload)
	if err := d.sender.Send(ch, buf); err != nil {
		metrics.IncrCounterWithDimGroup(dispatcherMetricsGroup, "send_error_total", 1, metrics.Dimension{"error_type": "transport"})
		return err
	}
	metrics.IncrCounterWithGroup(dispatcherMetricsGroup, "send_total", 1)
	return nil
}

func putFrameHead(b []byte, length int, msgID uint16, rpcID int32) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(int32(length)))
	binary.LittleEndian.PutUint16(b[4:6], msgID)
	binary.LittleEndian.PutUint32(b[6:10], uint32(rpcID))
}

func decodeFrameHead(b []byte) (length int32, msgID uint16, rpcID int32) {
	length = int32(binary.LittleEndian.Uint32(b[0:4]))
	msgID = binary.LittleEndian.Uint16(b[4:6])
	rpcID = int32(binary.LittleEndian.Uint32(b[6:10]))
	return
}

// OnDataReceived consumes every complete frame in buf. It has the shape of
// Callbacks.OnDataReceived. An incomplete tail stays in buf, which is grown to
// fit the whole frame.
func (d *Dispatcher) OnDataReceived(ch ChannelID, buf *MessageBuffer) {
	d.dispatching = ch
	d.aborted = false
	defer func() { d.dispatching = 0 }()

	maxPayload := d.config().MaxPayloadSize
	for !d.aborted && buf.ActiveSize() >= FrameHeadSize {
		length, msgID, rpcID := decodeFrameHead(buf.Bytes())
		if length < 0 || int(length) > maxPayload {
			d.logger.Warn().Uint64("channel", uint64(ch)).Uint16("msgID", msgID).Int32("length", length).Msg("dispatcher frame too large")
			buf.ReadCompleted(buf.ActiveSize())
			d.protocolError(ch, CodeMessageTooLarge)
			return
		}

		total := FrameHeadSize + int(length)
		if buf.ActiveSize() < total {
			buf.Normalize()
			buf.Grow(total)
			break
		}

		payload := buf.Bytes()[FrameHeadSize:total]
		d.dispatchFrame(ch, msgID, rpcID, payload)
		// a closed channel may already have recycled buf
		if d.aborted {
			return
		}
		buf.ReadCompleted(total)
	}
	if !d.aborted {
		buf.Normalize()
	}
}

func (d *Dispatcher) dispatchFrame(ch ChannelID, msgID uint16, rpcID int32, payload []byte) {
	metrics.IncrCounterWithGroup(dispatcherMetricsGroup, "recv_total", 1)

	if rpcID >= 0 {
		key := rpcKey{ch: ch, id: rpcID}
		if p, ok := d.pending[key]; ok && d.isReply(p.msgID, msgID) {
			delete(d.pending, key)
			resp, err := d.decodeMsg(msgID, payload)
			if err != nil {
				d.logger.Warn().Uint64("channel", uint64(ch)).Uint16("msgID", msgID).Int32("rpcID", rpcID).Err(err).Msg("dispatcher rpc response decode failed")
			}
			metrics.ObserveWithGroup(dispatcherMetricsGroup, "rpc_latency_ms", metrics.Value(d.clock.nowMs()-p.sentAt))
			metrics.IncrCounterWithGroup(dispatcherMetricsGroup, "rpc_resolved_total", 1)
			p.cb(resp, err)
			return
		}
	}

	info, ok := d.msgMgr.GetMsgInfo(msgID)
	if !ok {
		d.logger.Warn().Uint64("channel", uint64(ch)).Uint16("msgID", msgID).Msg("dispatcher unknown message id")
		d.protocolError(ch, CodeErrorMessageID)
		return
	}
	msg, err := d.decodeInfo(info, payload)
	if err != nil {
		d.logger.Warn().Uint64("channel", uint64(ch)).Uint16("msgID", msgID).Err(err).Msg("dispatcher decode failed")
		d.protocolError(ch, CodeDecodeFailed)
		return
	}

	dd := &DispatcherDelivery{
		Dispatcher: d,
		Channel:    ch,
		MsgID:      msgID,
		RpcID:      rpcID,
		Msg:        msg,
		Info:       info,
	}
	err = d.filters.Handle(dd, d.handleMsg)
	switch {
	case err == nil:
	case errors.Is(err, errNoHandler):
		d.logger.Warn().Uint64("channel", uint64(ch)).Uint16("msgID", msgID).Msg("dispatcher no handler")
		d.protocolError(ch, CodeNoHandler)
	case errors.Is(err, errRecvLimited):
		metrics.IncrCounterWithGroup(dispatcherMetricsGroup, "recv_limited_total", 1)
	default:
		d.logger.Error().Uint64("channel", uint64(ch)).Uint16("msgID", msgID).Int32("rpcID", rpcID).Err(err).Msg("dispatcher handler failed")
	}
}

// isReply decides whether a frame carrying a pending rpc id answers the call
// that sent reqID. A registered request id is never a reply.
func (d *Dispatcher) isReply(reqID, msgID uint16) bool {
	if req, ok := d.msgMgr.GetMsgInfo(reqID); ok && req.HasRes {
		return req.ResID == msgID
	}
	return !d.msgMgr.IsRequestMsg(msgID)
}

func (d *Dispatcher) handleMsg(dd *DispatcherDelivery) error {
	if dd.Info.Handler == nil {
		return errNoHandler
	}
	return dd.Info.Handler(dd)
}

func (d *Dispatcher) decodeMsg(msgID uint16, payload []byte) (any, error) {
	info, ok := d.msgMgr.GetMsgInfo(msgID)
	if !ok {
		return nil, fmt.Errorf("message %d: %w", msgID, ErrUnknownMessageID)
	}
	return d.decodeInfo(info, payload)
}

func (d *Dispatcher) decodeInfo(info *MsgInfo, payload []byte) (any, error) {
	msg := info.New()
	if raw, ok := msg.(*RawMessage); ok {
		*raw = append((*raw)[:0], payload...)
		return raw, nil
	}
	if err := d.codec.Decode(msg, payload); err != nil {
		return nil, err
	}
	return msg, nil
}

func (d *Dispatcher) protocolError(ch ChannelID, code ErrorCode) {
	metrics.IncrCounterWithDimGroup(dispatcherMetricsGroup, "protocol_error_total", 1, metrics.Dimension{"code": code.String()})
	if !d.config().CloseOnProtocolError {
		return
	}
	d.AbandonChannel(ch)
	d.sender.CloseWithError(ch, code)
}

// Update resolves RPCs whose timeout has elapsed.
func (d *Dispatcher) Update() {
	now := d.clock.nowMs()
	for key := range d.timeouts.Collect(now) {
		p, ok := d.pending[key]
		if !ok {
			continue
		}
		if now < p.deadline {
			d.timeouts.Add(p.deadline, key)
			continue
		}
		delete(d.pending, key)
		d.logger.Warn().Uint64("channel", uint64(key.ch)).Uint16("msgID", p.msgID).Int32("rpcID", key.id).
			Int64("elapsedMs", now-p.sentAt).Msg("dispatcher rpc timeout")
		metrics.IncrCounterWithGroup(dispatcherMetricsGroup, "rpc_timeout_total", 1)
		p.cb(nil, ErrRPCTimeout)
	}
}

// AbandonChannel fails every pending RPC on ch with ErrChannelClosed and stops
// dispatching its remaining frames. Call it when the channel closes.
func (d *Dispatcher) AbandonChannel(ch ChannelID) {
	if d.dispatching == ch {
		d.aborted = true
	}
	var keys []rpcKey
	for key := range d.pending {
		if key.ch == ch {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		p, ok := d.pending[key]
		if !ok {
			continue
		}
		delete(d.pending, key)
		p.cb(nil, ErrChannelClosed)
	}
}
