package main

import (
	"fmt"
	"net"
	"time"

	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/lcx/asura-transport/log"
	asuranet "github.com/lcx/asura-transport/net"
)

// Message ids understood by the echo server.
const (
	MsgEchoReq   uint16 = 1
	MsgEchoRes   uint16 = 2
	MsgHeartbeat uint16 = 3
	MsgTimeReq   uint16 = 4
	MsgTimeRes   uint16 = 5
)

// Server-to-server message ids, CBOR encoded.
const (
	MsgStatusReq uint16 = 100
	MsgStatusRes uint16 = 101
)

type statusReq struct {
	From string `cbor:"from"`
}

type statusRes struct {
	Name       string `cbor:"name"`
	Echoes     uint64 `cbor:"echoes"`
	Heartbeats uint64 `cbor:"heartbeats"`
	UnixMs     int64  `cbor:"unixMs"`
}

type stats struct {
	echoes     uint64
	heartbeats uint64
}

// newMessageManager registers the echo protocol. Each transport gets its own
// manager so handlers can reply through the right dispatcher.
func newMessageManager(st *stats) (*asuranet.MessageManager, error) {
	mgr := asuranet.NewMessageManager()

	if err := asuranet.RegisterMsg(mgr, MsgEchoReq, func(dd *asuranet.DispatcherDelivery, msg *wrapperspb.StringValue) error {
		st.echoes++
		if !dd.IsRequest() {
			return dd.Dispatcher.Send(dd.Channel, MsgEchoRes, msg)
		}
		return dd.Reply(MsgEchoRes, msg)
	}); err != nil {
		return nil, err
	}
	if err := asuranet.RegisterMsg[wrapperspb.StringValue](mgr, MsgEchoRes, nil); err != nil {
		return nil, err
	}
	if err := asuranet.RegisterMsg(mgr, MsgHeartbeat, func(dd *asuranet.DispatcherDelivery, _ *asuranet.RawMessage) error {
		st.heartbeats++
		log.Debug().Uint64("channel", uint64(dd.Channel)).Msg("heartbeat")
		return nil
	}); err != nil {
		return nil, err
	}
	if err := asuranet.RegisterMsg(mgr, MsgTimeReq, func(dd *asuranet.DispatcherDelivery, _ *wrapperspb.StringValue) error {
		if !dd.IsRequest() {
			return fmt.Errorf("time request without rpc id")
		}
		return dd.Reply(MsgTimeRes, wrapperspb.Int64(time.Now().UnixMilli()))
	}); err != nil {
		return nil, err
	}
	if err := asuranet.RegisterMsg[wrapperspb.Int64Value](mgr, MsgTimeRes, nil); err != nil {
		return nil, err
	}

	if err := mgr.SetResponse(MsgEchoReq, MsgEchoRes); err != nil {
		return nil, err
	}
	if err := mgr.SetResponse(MsgTimeReq, MsgTimeRes); err != nil {
		return nil, err
	}
	return mgr, nil
}

// newPeerMessageManager registers the status query other servers send over the
// peer endpoint.
func newPeerMessageManager(name string, st *stats) (*asuranet.MessageManager, error) {
	mgr := asuranet.NewMessageManager()
	if err := asuranet.RegisterMsg(mgr, MsgStatusReq, func(dd *asuranet.DispatcherDelivery, req *statusReq) error {
		if !dd.IsRequest() {
			return fmt.Errorf("status request without rpc id")
		}
		log.Debug().Str("from", req.From).Uint64("channel", uint64(dd.Channel)).Msg("peer status query")
		return dd.Reply(MsgStatusRes, &statusRes{
			Name:       name,
			Echoes:     st.echoes,
			Heartbeats: st.heartbeats,
			UnixMs:     time.Now().UnixMilli(),
		})
	}); err != nil {
		return nil, err
	}
	if err := asuranet.RegisterMsg[statusRes](mgr, MsgStatusRes, nil); err != nil {
		return nil, err
	}
	if err := mgr.SetResponse(MsgStatusReq, MsgStatusRes); err != nil {
		return nil, err
	}
	return mgr, nil
}

func connectionLogger(protocol string) asuranet.Callbacks {
	return asuranet.Callbacks{
		OnAccept: func(id asuranet.ChannelID, addr net.Addr) {
			log.Info().Str("protocol", protocol).Uint64("channel", uint64(id)).Stringer("addr", addr).Msg("client connected")
		},
		OnClientDisconnect: func(id asuranet.ChannelID, addr net.Addr, code asuranet.ErrorCode) {
			log.Info().Str("protocol", protocol).Uint64("channel", uint64(id)).Stringer("addr", addr).Stringer("code", code).Msg("client disconnected")
		},
	}
}
