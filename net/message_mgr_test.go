package net

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestMessageManagerRegister(t *testing.T) {
	tests := []struct {
		name    string
		id      uint16
		newFn   func() any
		wantErr error
	}{
		{name: "valid", id: 1, newFn: func() any { return new(RawMessage) }},
		{name: "nil factory", id: 2, newFn: nil, wantErr: nil},
		{name: "duplicate", id: 1, newFn: func() any { return new(RawMessage) }, wantErr: ErrDuplicateMessageID},
	}

	mgr := NewMessageManager()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mgr.Register(tt.id, tt.newFn, nil)
			switch {
			case tt.newFn == nil:
				assert.Error(t, err)
				assert.False(t, mgr.ContainsMsg(tt.id))
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			default:
				assert.NoError(t, err)
				assert.True(t, mgr.ContainsMsg(tt.id))
			}
		})
	}
}

func TestRegisterMsgGeneric(t *testing.T) {
	mgr := NewMessageManager()
	var got string
	require.NoError(t, RegisterMsg(mgr, 7, func(dd *DispatcherDelivery, msg *wrapperspb.StringValue) error {
		got = msg.GetValue()
		return nil
	}))

	info, ok := mgr.GetMsgInfo(7)
	require.True(t, ok)
	assert.Equal(t, "*wrapperspb.StringValue", info.Name)

	msg, err := mgr.CreateMsg(7)
	require.NoError(t, err)
	sv, ok := msg.(*wrapperspb.StringValue)
	require.True(t, ok)
	sv.Value = "hi"

	require.NoError(t, info.Handler(&DispatcherDelivery{Msg: sv}))
	assert.Equal(t, "hi", got)
	assert.Error(t, info.Handler(&DispatcherDelivery{Msg: new(RawMessage)}))

	_, err = mgr.CreateMsg(8)
	assert.ErrorIs(t, err, ErrUnknownMessageID)
}

func TestMessageManagerResponses(t *testing.T) {
	mgr := NewMessageManager()
	require.NoError(t, RegisterMsg[RawMessage](mgr, 10, nil))
	require.NoError(t, RegisterMsg[RawMessage](mgr, 11, nil))

	assert.ErrorIs(t, mgr.SetResponse(10, 12), ErrUnknownMessageID)
	assert.ErrorIs(t, mgr.SetResponse(9, 11), ErrUnknownMessageID)
	assert.Error(t, mgr.SetResponse(10, 10))
	require.NoError(t, mgr.SetResponse(10, 11))

	assert.True(t, mgr.IsRequestMsg(10))
	assert.False(t, mgr.IsRequestMsg(11))
	assert.False(t, mgr.IsRequestMsg(99))

	reqs := mgr.GetAllMsgList(func(info *MsgInfo) bool { return info.IsReq() })
	assert.Equal(t, []uint16{10}, reqs)

	all := mgr.GetAllMsgList(func(*MsgInfo) bool { return true })
	slices.Sort(all)
	assert.Equal(t, []uint16{10, 11}, all)
}
