package net

import (
	"net"

	"github.com/lcx/asura-transport/metrics"
)

// kcpChannel is one reliable-UDP peer. All methods run on the tick goroutine.
type kcpChannel struct {
	service *KcpService

	id         ChannelID
	localConn  uint32
	remoteConn uint32
	remoteAddr *net.UDPAddr
	realAddr   string

	isClient bool
	// connected: handshake done and arq is ready.
	connected bool
	// accepted: a server channel saw its first MSG and left the wait-accept table.
	accepted   bool
	closed     bool
	delayClose bool

	createdAt     int64
	lastConnectAt int64
	// earliest pending wheel deadline
	wakeAt      int64
	hasWake     bool
	reconnectID uint32

	arq      ARQ
	waitSend []*MessageBuffer

	readMemory   *MessageBuffer
	needReadSize int

	splitHead [kcpSplitHeadSize]byte
}

func newClientKcpChannel(s *KcpService, localConn uint32, addr *net.UDPAddr, now int64) *kcpChannel {
	return &kcpChannel{
		service:       s,
		id:            ChannelID(localConn),
		localConn:     localConn,
		remoteAddr:    addr,
		isClient:      true,
		createdAt:     now,
		lastConnectAt: -1,
	}
}

func newServerKcpChannel(s *KcpService, localConn, remoteConn uint32, addr *net.UDPAddr, realAddr string, now int64) *kcpChannel {
	c := &kcpChannel{
		service:       s,
		id:            ChannelID(localConn),
		localConn:     localConn,
		remoteConn:    remoteConn,
		remoteAddr:    addr,
		realAddr:      realAddr,
		createdAt:     now,
		lastConnectAt: -1,
	}
	// the client's local conn is the conv on both ends
	c.initARQ(remoteConn, now)
	c.connected = true
	return c
}

func (c *kcpChannel) initARQ(conv uint32, now int64) {
	c.arq = c.service.arqFactory(conv, now, c.output)
}

// peerAddr is the address reported to the application: the routed real address
// when the SYN carried one.
func (c *kcpChannel) peerAddr() net.Addr {
	if c.realAddr != "" {
		if addr, err := parseRealAddr(c.realAddr); err == nil {
			return addr
		}
	}
	return c.remoteAddr
}

func (c *kcpChannel) connect(now int64) {
	if c.connected || c.closed {
		return
	}

	cfg := c.service.config()
	if now >= c.createdAt+cfg.ConnectTimeoutMs {
		c.service.logger.Error().Uint64("channel", uint64(c.id)).Uint32("localConn", c.localConn).
			Str("addr", c.remoteAddr.String()).Int64("elapsedMs", now-c.createdAt).Msg("kcp connect timeout")
		c.service.closeChannel(c, CodeKcpConnectTimeout, true)
		return
	}

	if c.lastConnectAt >= 0 && now < c.lastConnectAt+cfg.ConnectRetryMs {
		c.service.schedule(c, c.lastConnectAt+cfg.ConnectRetryMs)
		return
	}

	if err := c.service.writeTo(encodeKcpSYN(c.service.ctrlCache[:], c.localConn, c.remoteConn, ""), c.remoteAddr); err != nil {
		c.service.logger.Error().Uint64("channel", uint64(c.id)).Err(err).Msg("kcp send syn failed")
		c.service.closeChannel(c, CodeKcpSocketCantSend, true)
		return
	}
	c.lastConnectAt = now
	c.service.schedule(c, now+cfg.ConnectRetryMs)
}

// handleConnect completes the client handshake on ACK.
func (c *kcpChannel) handleConnect(remoteConn uint32, now int64) {
	if c.connected || c.closed {
		return
	}
	c.remoteConn = remoteConn
	c.initARQ(c.localConn, now)
	c.connected = true

	c.service.onConnectSuccess(c)
	if c.closed {
		return
	}

	pending := c.waitSend
	c.waitSend = nil
	for i, buf := range pending {
		c.send(buf)
		if c.closed {
			for _, rest := range pending[i+1:] {
				c.service.Recycle(rest)
			}
			return
		}
	}
	c.service.scheduleNow(c)
}

func (c *kcpChannel) update(now int64) {
	if c.closed {
		return
	}
	if !c.connected {
		if c.isClient {
			c.connect(now)
		}
		return
	}

	c.arq.Update(now)
	if c.closed {
		return
	}
	if c.delayClose && c.arq.WaitSnd() == 0 {
		c.service.closeChannel(c, CodeCloseByServer, true)
		return
	}
	c.service.schedule(c, c.arq.NextDeadline(now))
}

func (c *kcpChannel) handleRecv(data []byte, now int64) {
	if !c.connected || c.closed {
		return
	}

	if err := c.arq.Input(data); err != nil {
		c.service.logger.Debug().Uint64("channel", uint64(c.id)).Int("size", len(data)).Err(err).Msg("kcp input dropped")
		return
	}
	c.service.scheduleNow(c)

	cfg := c.service.config()
	for !c.closed {
		n := c.arq.PeekSize()
		if n < 0 {
			return
		}
		if n == 0 {
			c.service.closeChannel(c, CodeKcpSocketError, true)
			return
		}

		if c.needReadSize > 0 {
			if c.readMemory.RemainingSpace() < n {
				c.service.logger.Error().Uint64("channel", uint64(c.id)).Int("peek", n).
					Int("space", c.readMemory.RemainingSpace()).Msg("kcp split no free space")
				c.service.closeChannel(c, CodeKcpPacketSizeError, true)
				return
			}
			count := c.arq.Recv(c.readMemory.FreeBytes())
			if count != n {
				c.service.logger.Error().Uint64("channel", uint64(c.id)).Int("peek", n).Int("recv", count).Msg("kcp read not same")
				c.service.closeChannel(c, CodeKcpReadNotSame, true)
				return
			}
			c.needReadSize -= count
			if c.needReadSize < 0 {
				c.service.closeChannel(c, CodeKcpSplitError, true)
				return
			}
			c.readMemory.WriteCompleted(count)
			if c.needReadSize != 0 {
				continue
			}
		} else {
			c.readMemory = c.service.Fetch(n)
			count := c.arq.Recv(c.readMemory.FreeBytes())
			if count != n {
				c.service.logger.Error().Uint64("channel", uint64(c.id)).Int("peek", n).Int("recv", count).Msg("kcp read not same")
				c.service.closeChannel(c, CodeKcpReadNotSame, true)
				return
			}
			c.readMemory.WriteCompleted(count)

			if total, ok := decodeSplitHead(c.readMemory.Bytes()); ok {
				if total <= cfg.Mtu || total > cfg.MaxMessageSize {
					c.service.logger.Error().Uint64("channel", uint64(c.id)).Int("total", total).Msg("kcp split count error")
					c.service.closeChannel(c, CodeKcpSplitCountError, true)
					return
				}
				c.service.Recycle(c.readMemory)
				c.readMemory = c.service.Fetch(total)
				c.needReadSize = total
				continue
			}
		}

		buf := c.readMemory
		c.readMemory = nil
		c.service.onDataReceived(c, buf)
		c.service.Recycle(buf)
	}
}

// output is the ARQ's datagram sink.
func (c *kcpChannel) output(datagram []byte) {
	if c.closed || !c.connected {
		return
	}
	putKcpHead(datagram, kcpMSG, c.localConn, c.remoteConn)
	if err := c.service.writeTo(datagram, c.remoteAddr); err != nil {
		c.service.logger.Error().Uint64("channel", uint64(c.id)).Err(err).Msg("kcp output failed")
		c.service.closeChannel(c, CodeKcpSocketCantSend, true)
	}
}

// send takes ownership of buf.
func (c *kcpChannel) send(buf *MessageBuffer) {
	if c.closed {
		c.service.Recycle(buf)
		return
	}
	if !c.connected {
		c.waitSend = append(c.waitSend, buf)
		return
	}

	cfg := c.service.config()
	if n := c.arq.WaitSnd(); n > cfg.SendMaxWaitSize {
		c.service.logger.Error().Uint64("channel", uint64(c.id)).Int("waitSnd", n).
			Uint32("localConn", c.localConn).Uint32("remoteConn", c.remoteConn).Msg("kcp wait snd too large")
		c.service.Recycle(buf)
		c.service.closeChannel(c, CodeKcpWaitSendSizeTooLarge, true)
		return
	}

	c.arqSend(buf, cfg.Mtu)
	c.service.Recycle(buf)
}

func (c *kcpChannel) arqSend(buf *MessageBuffer, mtu int) {
	count := buf.ActiveSize()
	if count <= mtu {
		if err := c.arq.Send(buf.Bytes()); err != nil {
			c.service.logger.Error().Uint64("channel", uint64(c.id)).Int("size", count).Err(err).Msg("kcp send failed")
			return
		}
	} else {
		metrics.IncrCounterWithGroup(kcpMetricsGroup, "split_send_total", 1)
		if err := c.arq.Send(encodeSplitHead(c.splitHead[:], count)); err != nil {
			c.service.logger.Error().Uint64("channel", uint64(c.id)).Int("size", count).Err(err).Msg("kcp send split head failed")
			return
		}
		for buf.ActiveSize() > 0 {
			n := buf.ActiveSize()
			if n > mtu {
				n = mtu
			}
			if err := c.arq.Send(buf.Bytes()[:n]); err != nil {
				c.service.logger.Error().Uint64("channel", uint64(c.id)).Int("size", count).Err(err).Msg("kcp send split failed")
				return
			}
			buf.ReadCompleted(n)
		}
	}
	c.service.scheduleNow(c)
}

func (c *kcpChannel) release() {
	c.closed = true
	for _, buf := range c.waitSend {
		c.service.Recycle(buf)
	}
	c.waitSend = nil
	if c.readMemory != nil {
		c.service.Recycle(c.readMemory)
		c.readMemory = nil
	}
	c.needReadSize = 0
}
