package net

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// endpoint is one side of an end-to-end pair: a service with a dispatcher
// framing its channels.
type endpoint struct {
	svc      Service
	disp     *Dispatcher
	accepted []ChannelID
	ready    []ChannelID
	oneWay   []string
}

func newEndpoint(t *testing.T, svc Service) *endpoint {
	t.Helper()
	ep := &endpoint{svc: svc}
	mgr := NewMessageManager()
	require.NoError(t, RegisterMsg(mgr, 5, func(dd *DispatcherDelivery, msg *RawMessage) error {
		ep.oneWay = append(ep.oneWay, string(*msg))
		return nil
	}))
	require.NoError(t, RegisterMsg(mgr, 10, func(dd *DispatcherDelivery, msg *RawMessage) error {
		return dd.Reply(11, RawMessage("re:"+string(*msg)))
	}))
	require.NoError(t, RegisterMsg[RawMessage](mgr, 11, nil))
	require.NoError(t, mgr.SetResponse(10, 11))

	d, err := NewDispatcher(DefaultDispatcherCfg(), mgr, svc.(Sender))
	require.NoError(t, err)
	ep.disp = d
	svc.SetCallbacks(Callbacks{
		OnAccept:           func(id ChannelID, _ net.Addr) { ep.accepted = append(ep.accepted, id) },
		OnConnectSuccess:   func(id ChannelID, _ net.Addr) { ep.ready = append(ep.ready, id) },
		OnDataReceived:     d.OnDataReceived,
		OnCannotConnect:    func(id ChannelID, _ net.Addr, _ ErrorCode) { d.AbandonChannel(id) },
		OnClientDisconnect: func(id ChannelID, _ net.Addr, _ ErrorCode) { d.AbandonChannel(id) },
	})
	require.NoError(t, svc.Start())
	t.Cleanup(func() { _ = svc.Stop() })
	return ep
}

func (ep *endpoint) update() {
	ep.svc.Update()
	ep.disp.Update()
}

func TestDispatcherEndToEnd(t *testing.T) {
	transports := []struct {
		name   string
		server func(t *testing.T) Service
		client func(t *testing.T) Service
	}{
		{
			name: "tcp",
			server: func(t *testing.T) Service {
				cfg := DefaultTcpServiceCfg()
				cfg.Addr = "127.0.0.1:0"
				s, err := NewTcpService(cfg)
				require.NoError(t, err)
				return s
			},
			client: func(t *testing.T) Service {
				cfg := DefaultTcpServiceCfg()
				cfg.Addr = "127.0.0.1:0"
				cfg.IsClient = true
				s, err := NewTcpService(cfg)
				require.NoError(t, err)
				return s
			},
		},
		{
			name: "kcp",
			server: func(t *testing.T) Service {
				cfg := DefaultKcpServiceCfg()
				cfg.Addr = "127.0.0.1:0"
				s, err := NewKcpService(cfg)
				require.NoError(t, err)
				return s
			},
			client: func(t *testing.T) Service {
				cfg := DefaultKcpServiceCfg()
				cfg.Addr = "127.0.0.1:0"
				s, err := NewKcpService(cfg)
				require.NoError(t, err)
				return s
			},
		},
	}

	for _, tt := range transports {
		t.Run(tt.name, func(t *testing.T) {
			serverSvc := tt.server(t)
			server := newEndpoint(t, serverSvc)
			client := newEndpoint(t, tt.client(t))

			addr := localAddrOf(serverSvc)
			require.NotEmpty(t, addr)

			clientID, err := client.svc.Connect(addr)
			require.NoError(t, err)
			pump(t, func() bool { return len(client.ready) == 1 && len(server.accepted) == 1 }, server, client)
			serverID := server.accepted[0]

			require.NoError(t, client.disp.Send(clientID, 5, RawMessage(`{"x":1}`)))

			var replies []string
			var errs []error
			_, err = client.disp.SendAsync(clientID, 10, RawMessage("ping"), func(resp any, err error) {
				errs = append(errs, err)
				if raw, ok := resp.(*RawMessage); ok {
					replies = append(replies, string(*raw))
				}
			})
			require.NoError(t, err)

			pump(t, func() bool { return len(replies) == 1 && len(server.oneWay) == 1 }, server, client)
			assert.Equal(t, []string{`{"x":1}`}, server.oneWay)
			assert.Equal(t, []string{"re:ping"}, replies)
			assert.Equal(t, []error{nil}, errs)
			assert.Zero(t, client.disp.PendingRPCs())

			// the server calls back into the client the same way
			_, err = server.disp.SendAsync(serverID, 10, RawMessage("pong"), func(resp any, err error) {
				errs = append(errs, err)
				if raw, ok := resp.(*RawMessage); ok {
					replies = append(replies, string(*raw))
				}
			})
			require.NoError(t, err)
			pump(t, func() bool { return len(replies) == 2 }, server, client)
			assert.Equal(t, "re:pong", replies[1])

			// an unknown message id closes the channel and fails the pending call
			_, err = client.disp.SendAsync(clientID, 10, RawMessage("lost"), func(resp any, err error) {
				errs = append(errs, err)
			})
			require.NoError(t, err)
			require.NoError(t, server.disp.Send(serverID, 99, nil))
			pump(t, func() bool { return len(errs) == 3 }, server, client)
			assert.ErrorIs(t, errs[2], ErrChannelClosed)
			assert.False(t, client.svc.IsOpen(clientID))
		})
	}
}

func localAddrOf(s Service) string {
	switch v := s.(type) {
	case *TcpService:
		return v.LocalAddr().String()
	case *KcpService:
		return v.LocalAddr().String()
	}
	return ""
}

func pump(t *testing.T, cond func() bool, eps ...*endpoint) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, ep := range eps {
			ep.update()
		}
		return cond()
	}, 5*time.Second, 2*time.Millisecond)
}
