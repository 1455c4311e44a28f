package net

import (
	"errors"
	"io"
	"net"

	"github.com/lcx/asura-transport/metrics"
)

type tcpState int

const (
	tcpDisconnected tcpState = iota
	tcpConnecting
	tcpConnected
)

func (s tcpState) String() string {
	switch s {
	case tcpDisconnected:
		return "disconnected"
	case tcpConnecting:
		return "connecting"
	case tcpConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// tcpChannel is one stream connection. The tick goroutine owns every field; the
// channel's reader and writer goroutines only touch the slice handed to them
// and report back through the service event queue.
type tcpChannel struct {
	service *TcpService

	id         ChannelID
	conn       net.Conn
	remoteAddr net.Addr
	isClient   bool
	state      tcpState
	closed     bool
	delayClose bool

	recvBuf     *MessageBuffer
	readPending bool
	// recvBuf is lent to OnDataReceived
	inCallback bool

	sendQueue []*MessageBuffer
	// head of sendQueue is being written
	sending bool

	lastActiveAt int64

	readReq  chan []byte
	writeReq chan []byte
	quit     chan struct{}
}

func newTcpChannel(s *TcpService, id ChannelID, isClient bool, now int64) *tcpChannel {
	return &tcpChannel{
		service:      s,
		id:           id,
		isClient:     isClient,
		lastActiveAt: now,
		readReq:      make(chan []byte, 1),
		writeReq:     make(chan []byte, 1),
		quit:         make(chan struct{}),
	}
}

// attach binds an established socket and starts the io goroutines.
func (c *tcpChannel) attach(conn net.Conn, now int64) {
	c.conn = conn
	c.remoteAddr = conn.RemoteAddr()
	c.state = tcpConnected
	c.lastActiveAt = now
	c.recvBuf = c.service.Fetch(c.service.config().ChannelBufferSize)

	c.service.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
}

func (c *tcpChannel) readLoop() {
	defer c.service.wg.Done()
	for {
		select {
		case p := <-c.readReq:
			n, err := c.conn.Read(p)
			if !c.service.events.post(tcpEvent{kind: tcpEvRecv, id: c.id, ch: c, n: n, err: err}) || err != nil {
				return
			}
		case <-c.quit:
			return
		}
	}
}

func (c *tcpChannel) writeLoop() {
	defer c.service.wg.Done()
	for {
		select {
		case p := <-c.writeReq:
			n, err := c.conn.Write(p)
			if !c.service.events.post(tcpEvent{kind: tcpEvSent, id: c.id, ch: c, n: n, err: err}) || err != nil {
				return
			}
		case <-c.quit:
			return
		}
	}
}

// postRecv hands the free tail of the receive buffer to the reader, growing it
// first when full.
func (c *tcpChannel) postRecv() {
	if c.closed || c.readPending || c.state != tcpConnected {
		return
	}
	if c.recvBuf.RemainingSpace() == 0 {
		c.recvBuf.Normalize()
	}
	if c.recvBuf.RemainingSpace() == 0 {
		if c.recvBuf.Capacity() >= c.service.config().MaxRecvBufferSize {
			c.service.logger.Error().Uint64("channel", uint64(c.id)).Int("capacity", c.recvBuf.Capacity()).Msg("tcp recv buffer limit")
			c.service.closeChannel(c, CodeTcpRecvError, true)
			return
		}
		c.recvBuf.EnsureFreeSpace()
	}
	c.readPending = true
	c.readReq <- c.recvBuf.FreeBytes()
}

func (c *tcpChannel) onRecv(n int, err error, now int64) {
	c.readPending = false
	if c.closed {
		return
	}
	if n > 0 {
		c.recvBuf.WriteCompleted(n)
		c.lastActiveAt = now
		metrics.IncrCounterWithGroup(tcpMetricsGroup, "recv_bytes_total", metrics.Value(n))
		buf := c.recvBuf
		c.inCallback = true
		c.service.onDataReceived(c)
		c.inCallback = false
		if c.closed {
			// closed from inside the callback; release left the buffer to us
			c.service.Recycle(buf)
			return
		}
	}
	if err != nil {
		code := CodeSocketError
		if errors.Is(err, io.EOF) {
			code = CodePeerDisconnect
		} else {
			c.service.logger.Warn().Uint64("channel", uint64(c.id)).Err(err).Msg("tcp recv failed")
		}
		c.service.closeChannel(c, code, true)
		return
	}
	if n == 0 {
		c.service.closeChannel(c, CodePeerDisconnect, true)
		return
	}
	c.postRecv()
}

// send takes ownership of buf.
func (c *tcpChannel) send(buf *MessageBuffer) {
	if c.closed {
		c.service.Recycle(buf)
		return
	}
	c.sendQueue = append(c.sendQueue, buf)
	c.flush()
}

func (c *tcpChannel) flush() {
	if c.closed || c.sending || c.state != tcpConnected {
		return
	}
	for len(c.sendQueue) > 0 && c.sendQueue[0].ActiveSize() == 0 {
		c.service.Recycle(c.popSend())
	}
	if len(c.sendQueue) == 0 {
		return
	}
	c.sending = true
	c.writeReq <- c.sendQueue[0].Bytes()
}

func (c *tcpChannel) popSend() *MessageBuffer {
	head := c.sendQueue[0]
	c.sendQueue[0] = nil
	c.sendQueue = c.sendQueue[1:]
	return head
}

func (c *tcpChannel) onSent(n int, err error) {
	if c.closed || !c.sending || len(c.sendQueue) == 0 {
		c.sending = false
		return
	}
	c.sending = false
	head := c.sendQueue[0]
	head.ReadCompleted(n)
	metrics.IncrCounterWithGroup(tcpMetricsGroup, "send_bytes_total", metrics.Value(n))

	if err != nil {
		c.service.logger.Warn().Uint64("channel", uint64(c.id)).Int("written", n).Err(err).Msg("tcp send failed")
		c.service.closeChannel(c, CodeTcpSendError, true)
		return
	}
	if head.ActiveSize() == 0 {
		c.service.Recycle(c.popSend())
	}
	if len(c.sendQueue) == 0 && c.delayClose {
		c.service.closeChannel(c, CodeCloseByServer, true)
		return
	}
	c.flush()
}

func (c *tcpChannel) release() {
	c.closed = true
	c.state = tcpDisconnected
	close(c.quit)
	if c.conn != nil {
		_ = c.conn.Close()
	}

	// buffers still referenced by an io goroutine are left to the collector
	for i, buf := range c.sendQueue {
		if i == 0 && c.sending {
			continue
		}
		c.service.Recycle(buf)
	}
	c.sendQueue = nil
	if c.recvBuf != nil && !c.readPending && !c.inCallback {
		c.service.Recycle(c.recvBuf)
	}
	c.recvBuf = nil
}
