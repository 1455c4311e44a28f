package net

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestDispatcherFilterChain tests the filter chain processing logic
func TestDispatcherFilterChain(t *testing.T) {
	errStop := errors.New("stop")

	tests := []struct {
		name          string
		build         func(calls *[]string) DispatcherFilterChain
		expectedCalls []string
		expectedError error
	}{
		{
			name:          "Empty chain should call handler directly",
			build:         func(*[]string) DispatcherFilterChain { return nil },
			expectedCalls: []string{"handler"},
		},
		{
			name: "Filters run in order before the handler",
			build: func(calls *[]string) DispatcherFilterChain {
				return DispatcherFilterChain{
					func(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
						*calls = append(*calls, "first")
						return f(dd)
					},
					func(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
						*calls = append(*calls, "second")
						return f(dd)
					},
				}
			},
			expectedCalls: []string{"first", "second", "handler"},
		},
		{
			name: "A filter can stop the chain",
			build: func(calls *[]string) DispatcherFilterChain {
				return DispatcherFilterChain{
					func(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
						*calls = append(*calls, "first")
						return errStop
					},
					func(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
						*calls = append(*calls, "second")
						return f(dd)
					},
				}
			},
			expectedCalls: []string{"first"},
			expectedError: errStop,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls []string
			chain := tt.build(&calls)
			err := chain.Handle(&DispatcherDelivery{}, func(*DispatcherDelivery) error {
				calls = append(calls, "handler")
				return nil
			})
			assert.ErrorIs(t, err, tt.expectedError)
			assert.Equal(t, tt.expectedCalls, calls)
		})
	}
}

func TestMsgFilterRepliesToFilteredRequests(t *testing.T) {
	mgr := NewMessageManager()
	handled := 0
	count := func(*DispatcherDelivery, *RawMessage) error { handled++; return nil }
	assertNoErr(t, RegisterMsg(mgr, 10, count))
	assertNoErr(t, RegisterMsg[RawMessage](mgr, 11, nil))
	assertNoErr(t, RegisterMsg(mgr, 20, count))
	assertNoErr(t, mgr.SetResponse(10, 11))

	cfg := DefaultDispatcherCfg()
	cfg.MsgFilter = []uint16{20, 10}
	d, sender := newTestDispatcher(t, cfg, mgr)
	assert.Equal(t, []uint16{10, 20}, d.filteredIDs())

	feed(d, 1, frame(10, 3, nil), frame(20, NoRpcID, []byte("x")))
	assert.Zero(t, handled)
	assert.Empty(t, sender.closed)
	if assert.Len(t, sender.sent, 1) {
		assert.EqualValues(t, 11, sender.sent[0].msgID)
		assert.EqualValues(t, 3, sender.sent[0].rpcID)
		assert.Empty(t, sender.sent[0].payload)
	}

	cfg2 := DefaultDispatcherCfg()
	assertNoErr(t, d.OnConfigChanged("dispatcher", cfg2, cfg))
	feed(d, 1, frame(20, NoRpcID, []byte("x")))
	assert.Equal(t, 1, handled)
}

func assertNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
