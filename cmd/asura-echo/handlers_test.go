package main

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/lcx/asura-transport/codec"
	asuranet "github.com/lcx/asura-transport/net"
)

type reply struct {
	msgID   uint16
	rpcID   int32
	payload []byte
}

type captureSender struct {
	pool    *asuranet.BufferPool
	replies []reply
}

func (s *captureSender) Send(_ asuranet.ChannelID, buf *asuranet.MessageBuffer) error {
	b := buf.Bytes()
	s.replies = append(s.replies, reply{
		msgID:   binary.LittleEndian.Uint16(b[4:6]),
		rpcID:   int32(binary.LittleEndian.Uint32(b[6:10])),
		payload: append([]byte(nil), b[asuranet.FrameHeadSize:]...),
	})
	s.pool.Put(buf)
	return nil
}

func (s *captureSender) CloseWithError(asuranet.ChannelID, asuranet.ErrorCode) {}

func (s *captureSender) Fetch(size int) *asuranet.MessageBuffer { return s.pool.Get(size) }

func request(t *testing.T, msgID uint16, rpcID int32, msg proto.Message) *asuranet.MessageBuffer {
	t.Helper()
	payload, err := proto.Marshal(msg)
	require.NoError(t, err)
	return frame(msgID, rpcID, payload)
}

func frame(msgID uint16, rpcID int32, payload []byte) *asuranet.MessageBuffer {
	buf := asuranet.NewMessageBuffer(asuranet.FrameHeadSize + len(payload))
	var head [asuranet.FrameHeadSize]byte
	binary.LittleEndian.PutUint32(head[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint16(head[4:6], msgID)
	binary.LittleEndian.PutUint32(head[6:10], uint32(rpcID))
	buf.Write(head[:])
	buf.Write(payload)
	return buf
}

func TestEchoHandlers(t *testing.T) {
	st := &stats{}
	mgr, err := newMessageManager(st)
	require.NoError(t, err)
	assert.True(t, mgr.IsRequestMsg(MsgEchoReq))
	assert.True(t, mgr.IsRequestMsg(MsgTimeReq))

	sender := &captureSender{pool: asuranet.NewBufferPool(0, "test")}
	d, err := asuranet.NewDispatcher(asuranet.DefaultDispatcherCfg(), mgr, sender)
	require.NoError(t, err)

	d.OnDataReceived(1, request(t, MsgEchoReq, 7, wrapperspb.String("hi")))
	d.OnDataReceived(1, request(t, MsgEchoReq, asuranet.NoRpcID, wrapperspb.String("oneway")))
	d.OnDataReceived(1, request(t, MsgTimeReq, 8, wrapperspb.String("")))

	require.Len(t, sender.replies, 3)

	echo := &wrapperspb.StringValue{}
	require.NoError(t, proto.Unmarshal(sender.replies[0].payload, echo))
	assert.Equal(t, MsgEchoRes, sender.replies[0].msgID)
	assert.EqualValues(t, 7, sender.replies[0].rpcID)
	assert.Equal(t, "hi", echo.GetValue())

	assert.Equal(t, asuranet.NoRpcID, sender.replies[1].rpcID)

	ts := &wrapperspb.Int64Value{}
	require.NoError(t, proto.Unmarshal(sender.replies[2].payload, ts))
	assert.Equal(t, MsgTimeRes, sender.replies[2].msgID)
	assert.Positive(t, ts.GetValue())

	assert.EqualValues(t, 2, st.echoes)
}

func TestPeerStatus(t *testing.T) {
	st := &stats{echoes: 3, heartbeats: 9}
	mgr, err := newPeerMessageManager("echo-1", st)
	require.NoError(t, err)

	cbor, err := codec.NewCborCodec()
	require.NoError(t, err)
	sender := &captureSender{pool: asuranet.NewBufferPool(0, "test")}
	d, err := asuranet.NewDispatcher(asuranet.DefaultDispatcherCfg(), mgr, sender, asuranet.WithCodec(cbor))
	require.NoError(t, err)

	payload, err := cbor.Encode(&statusReq{From: "lobby-2"}, nil)
	require.NoError(t, err)
	d.OnDataReceived(4, frame(MsgStatusReq, 12, payload))

	require.Len(t, sender.replies, 1)
	assert.Equal(t, MsgStatusRes, sender.replies[0].msgID)
	assert.EqualValues(t, 12, sender.replies[0].rpcID)
	res := &statusRes{}
	require.NoError(t, cbor.Decode(res, sender.replies[0].payload))
	assert.Equal(t, "echo-1", res.Name)
	assert.EqualValues(t, 3, res.Echoes)
	assert.EqualValues(t, 9, res.Heartbeats)
	assert.Positive(t, res.UnixMs)

	// a one-way status query has nobody to answer
	d.OnDataReceived(4, frame(MsgStatusReq, asuranet.NoRpcID, payload))
	assert.Len(t, sender.replies, 1)
}
