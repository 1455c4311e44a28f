package net

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tcpRecorder struct {
	accepted   []ChannelID
	connected  []ChannelID
	data       map[ChannelID]*bytes.Buffer
	cannot     []ErrorCode
	disconnect []ErrorCode
	// consume false leaves received bytes in the channel buffer
	hold bool
}

func (r *tcpRecorder) callbacks() Callbacks {
	r.data = make(map[ChannelID]*bytes.Buffer)
	return Callbacks{
		OnAccept: func(id ChannelID, addr net.Addr) { r.accepted = append(r.accepted, id) },
		OnDataReceived: func(id ChannelID, buf *MessageBuffer) {
			if r.hold {
				return
			}
			if r.data[id] == nil {
				r.data[id] = &bytes.Buffer{}
			}
			r.data[id].Write(buf.Bytes())
			buf.ReadCompleted(buf.ActiveSize())
		},
		OnConnectSuccess:   func(id ChannelID, addr net.Addr) { r.connected = append(r.connected, id) },
		OnCannotConnect:    func(id ChannelID, addr net.Addr, code ErrorCode) { r.cannot = append(r.cannot, code) },
		OnClientDisconnect: func(id ChannelID, addr net.Addr, code ErrorCode) { r.disconnect = append(r.disconnect, code) },
	}
}

func (r *tcpRecorder) received(id ChannelID) []byte {
	if b := r.data[id]; b != nil {
		return b.Bytes()
	}
	return nil
}

func newTestTcpService(t *testing.T, client bool, mutate func(*TcpServiceCfg)) (*TcpService, *tcpRecorder) {
	t.Helper()
	cfg := DefaultTcpServiceCfg()
	cfg.Addr = "127.0.0.1:0"
	cfg.IsClient = client
	if mutate != nil {
		mutate(cfg)
	}
	s, err := NewTcpService(cfg)
	require.NoError(t, err)
	rec := &tcpRecorder{}
	s.SetCallbacks(rec.callbacks())
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s, rec
}

func pumpTcp(t *testing.T, cond func() bool, svcs ...*TcpService) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range svcs {
			s.Update()
		}
		return cond()
	}, 5*time.Second, 2*time.Millisecond)
}

func tcpSend(t *testing.T, s *TcpService, id ChannelID, p []byte) {
	t.Helper()
	buf := s.Fetch(len(p))
	buf.Write(p)
	require.NoError(t, s.Send(id, buf))
}

func connectTcpPair(t *testing.T, server, client *TcpService, srec, crec *tcpRecorder) (serverID, clientID ChannelID) {
	t.Helper()
	clientID, err := client.Connect(server.LocalAddr().String())
	require.NoError(t, err)
	pumpTcp(t, func() bool { return len(crec.connected) == 1 && len(srec.accepted) == 1 }, server, client)
	return srec.accepted[0], clientID
}

func TestTcpConnectAndEcho(t *testing.T) {
	server, srec := newTestTcpService(t, false, nil)
	client, crec := newTestTcpService(t, true, nil)
	assert.Nil(t, client.LocalAddr())

	cb := srec.callbacks()
	cb.OnDataReceived = func(id ChannelID, buf *MessageBuffer) {
		out := server.Fetch(buf.ActiveSize())
		out.Write(buf.Bytes())
		buf.ReadCompleted(buf.ActiveSize())
		assert.NoError(t, server.Send(id, out))
	}
	server.SetCallbacks(cb)

	clientID, err := client.Connect(server.LocalAddr().String())
	require.NoError(t, err)
	// held until the dial completes
	tcpSend(t, client, clientID, []byte("ping"))
	assert.False(t, client.IsOpen(clientID))

	pumpTcp(t, func() bool { return len(crec.received(clientID)) == 4 }, server, client)
	assert.Equal(t, []byte("ping"), crec.received(clientID))
	assert.True(t, client.IsOpen(clientID))
	require.Len(t, srec.accepted, 1)
	assert.True(t, server.IsOpen(srec.accepted[0]))
	assert.Equal(t, client.RemoteAddr(clientID).String(), server.LocalAddr().String())
}

func TestTcpLargeStreamGrowsBuffer(t *testing.T) {
	server, srec := newTestTcpService(t, false, func(cfg *TcpServiceCfg) { cfg.ChannelBufferSize = 1024 })
	client, crec := newTestTcpService(t, true, nil)
	serverID, clientID := connectTcpPair(t, server, client, srec, crec)

	payload := make([]byte, 200*1024)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	for off := 0; off < len(payload); off += 16 * 1024 {
		tcpSend(t, client, clientID, payload[off:off+16*1024])
	}

	pumpTcp(t, func() bool { return len(srec.received(serverID)) == len(payload) }, server, client)
	assert.Equal(t, payload, srec.received(serverID))
}

func TestTcpRecvBufferLimit(t *testing.T) {
	server, srec := newTestTcpService(t, false, func(cfg *TcpServiceCfg) {
		cfg.ChannelBufferSize = 1024
		cfg.MaxRecvBufferSize = 1024
	})
	client, crec := newTestTcpService(t, true, nil)
	_, clientID := connectTcpPair(t, server, client, srec, crec)
	srec.hold = true

	tcpSend(t, client, clientID, make([]byte, 4096))
	pumpTcp(t, func() bool { return len(srec.disconnect) == 1 }, server, client)
	assert.Equal(t, CodeTcpRecvError, srec.disconnect[0])
}

func TestTcpConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client, crec := newTestTcpService(t, true, nil)
	id, err := client.Connect(addr)
	require.NoError(t, err)

	pumpTcp(t, func() bool { return len(crec.cannot) == 1 }, client)
	assert.Equal(t, CodeSocketError, crec.cannot[0])
	assert.False(t, client.IsOpen(id))
	assert.Zero(t, client.ChannelCount())
}

func TestTcpPeerDisconnect(t *testing.T) {
	server, srec := newTestTcpService(t, false, nil)
	client, crec := newTestTcpService(t, true, nil)
	_, clientID := connectTcpPair(t, server, client, srec, crec)

	client.Close(clientID)
	client.Close(clientID)
	assert.Empty(t, crec.cannot)

	pumpTcp(t, func() bool { return len(srec.disconnect) == 1 }, server, client)
	assert.Equal(t, CodePeerDisconnect, srec.disconnect[0])
	assert.Zero(t, server.ChannelCount())
}

func TestTcpDelayClose(t *testing.T) {
	server, srec := newTestTcpService(t, false, nil)
	client, crec := newTestTcpService(t, true, nil)
	serverID, clientID := connectTcpPair(t, server, client, srec, crec)

	tcpSend(t, server, serverID, []byte("rejected"))
	server.DelayClose(serverID)
	assert.False(t, server.IsOpen(serverID))

	pumpTcp(t, func() bool { return len(srec.disconnect) == 1 && len(crec.cannot) == 1 }, server, client)
	assert.Equal(t, CodeCloseByServer, srec.disconnect[0])
	assert.Equal(t, CodePeerDisconnect, crec.cannot[0])
	assert.Equal(t, []byte("rejected"), crec.received(clientID))
}

func TestTcpDelayCloseWithEmptyQueue(t *testing.T) {
	server, srec := newTestTcpService(t, false, nil)
	client, crec := newTestTcpService(t, true, nil)
	serverID, _ := connectTcpPair(t, server, client, srec, crec)

	server.DelayClose(serverID)
	require.Len(t, srec.disconnect, 1)
	assert.Equal(t, CodeCloseByServer, srec.disconnect[0])
}

func TestTcpDelayCloseWhileConnecting(t *testing.T) {
	server, srec := newTestTcpService(t, false, nil)
	client, crec := newTestTcpService(t, true, nil)

	clientID, err := client.Connect(server.LocalAddr().String())
	require.NoError(t, err)
	tcpSend(t, client, clientID, []byte("bye"))
	client.DelayClose(clientID)
	assert.Equal(t, 1, client.ChannelCount())

	pumpTcp(t, func() bool {
		return len(crec.cannot) == 1 && len(srec.accepted) == 1 && len(srec.received(srec.accepted[0])) == 3
	}, server, client)
	assert.Equal(t, CodeCloseByServer, crec.cannot[0])
	assert.Equal(t, []byte("bye"), srec.received(srec.accepted[0]))
	assert.Zero(t, client.ChannelCount())
}

func TestTcpReusedChannelIDIgnoresStaleEvents(t *testing.T) {
	server, srec := newTestTcpService(t, false, nil)
	client, crec := newTestTcpService(t, true, nil)
	addr := server.LocalAddr().String()

	require.NoError(t, client.CreateChannel(7, addr))
	pumpTcp(t, func() bool { return len(crec.connected) == 1 && len(srec.accepted) == 1 }, server, client)

	// the write completes on the io goroutine but is not applied before Close
	tcpSend(t, client, 7, []byte("old"))
	time.Sleep(50 * time.Millisecond)
	client.Close(7)
	require.NoError(t, client.CreateChannel(7, addr))

	assert.NotPanics(t, client.Update)
	pumpTcp(t, func() bool { return len(crec.connected) == 2 && len(srec.accepted) == 2 }, server, client)

	tcpSend(t, client, 7, []byte("new"))
	pumpTcp(t, func() bool { return len(srec.received(srec.accepted[1])) == 3 }, server, client)
	assert.Equal(t, []byte("new"), srec.received(srec.accepted[1]))
	assert.True(t, client.IsOpen(7))
}

func TestTcpCloseInsideDataCallback(t *testing.T) {
	server, srec := newTestTcpService(t, false, nil)
	client, crec := newTestTcpService(t, true, nil)
	_, clientID := connectTcpPair(t, server, client, srec, crec)

	var seen []byte
	cb := srec.callbacks()
	cb.OnDataReceived = func(id ChannelID, buf *MessageBuffer) {
		server.Close(id)
		// the pool must not hand the lent buffer to anyone else yet
		other := server.Fetch(buf.Capacity())
		assert.NotSame(t, buf, other)
		other.Write(bytes.Repeat([]byte("z"), 64))
		server.Recycle(other)
		seen = append(seen, buf.Bytes()...)
		buf.ReadCompleted(buf.ActiveSize())
	}
	server.SetCallbacks(cb)

	tcpSend(t, client, clientID, []byte("hello"))
	pumpTcp(t, func() bool { return len(seen) == 5 }, server, client)
	assert.Equal(t, []byte("hello"), seen)
	assert.Zero(t, server.ChannelCount())
	assert.Empty(t, srec.disconnect)
}

func TestTcpIdleTimeout(t *testing.T) {
	server, srec := newTestTcpService(t, false, func(cfg *TcpServiceCfg) { cfg.ConnectionTimeoutSec = 1 })
	client, crec := newTestTcpService(t, true, func(cfg *TcpServiceCfg) { cfg.ConnectionTimeoutSec = 1 })
	_, clientID := connectTcpPair(t, server, client, srec, crec)

	pumpTcp(t, func() bool { return len(srec.disconnect) == 1 }, server, client)
	assert.Equal(t, CodeSessionTimeout, srec.disconnect[0])

	// outbound channels are never idled out; this one sees the peer close
	pumpTcp(t, func() bool { return len(crec.cannot) == 1 }, server, client)
	assert.Equal(t, CodePeerDisconnect, crec.cannot[0])
	assert.False(t, client.IsOpen(clientID))
}

func TestTcpMaxEventsPerTick(t *testing.T) {
	server, srec := newTestTcpService(t, false, func(cfg *TcpServiceCfg) { cfg.MaxEventsPerTick = 1 })
	client, crec := newTestTcpService(t, true, nil)
	serverID, clientID := connectTcpPair(t, server, client, srec, crec)

	for i := 0; i < 10; i++ {
		tcpSend(t, client, clientID, []byte{byte(i)})
	}
	pumpTcp(t, func() bool { return len(srec.received(serverID)) == 10 }, server, client)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, srec.received(serverID))
}

func TestTcpServiceLifecycle(t *testing.T) {
	cfg := DefaultTcpServiceCfg()
	cfg.Addr = "127.0.0.1:0"
	s, err := NewTcpService(cfg)
	require.NoError(t, err)

	_, err = s.Connect("127.0.0.1:1")
	assert.ErrorIs(t, err, ErrServiceNotStarted)
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrServiceStarted)

	require.NoError(t, s.CreateChannel(42, s.LocalAddr().String()))
	assert.ErrorIs(t, s.CreateChannel(42, s.LocalAddr().String()), ErrChannelExists)
	assert.ErrorIs(t, s.CreateChannel(0, s.LocalAddr().String()), ErrInvalidAddress)
	assert.ErrorIs(t, s.Send(7, s.Fetch(8)), ErrChannelNotFound)

	require.NoError(t, s.Stop())
	assert.Zero(t, s.ChannelCount())
	assert.ErrorIs(t, s.Stop(), ErrServiceStopped)
}

func TestTcpServiceCfg(t *testing.T) {
	assert.Error(t, DefaultTcpServiceCfg().Validate(), "server needs an addr")

	cfg := DefaultTcpServiceCfg()
	cfg.IsClient = true
	assert.NoError(t, cfg.Validate())

	cfg.MaxRecvBufferSize = cfg.ChannelBufferSize - 1
	assert.Error(t, cfg.Validate())

	s, _ := newTestTcpService(t, false, nil)
	addr := s.config().Addr
	newCfg := DefaultTcpServiceCfg()
	newCfg.Addr = "127.0.0.1:1"
	newCfg.ConnectionTimeoutSec = 5
	require.NoError(t, s.OnConfigChanged("tcp_service", newCfg, nil))
	assert.Equal(t, 5, s.config().ConnectionTimeoutSec)
	assert.Equal(t, addr, s.config().Addr)
	assert.Equal(t, "tcp_service", s.GetConfigName())
}
