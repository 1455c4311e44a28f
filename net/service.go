// Package net turns UDP and TCP sockets into addressable channels driven from a
// single tick goroutine, and frames channel bytes into typed messages.
package net

import (
	"net"
	"time"
)

// ChannelID identifies a channel inside one Service. For reliable UDP it is the
// local conn number; for TCP it is a per-service sequence number.
type ChannelID uint64

// Callbacks are invoked synchronously from Service.Update. Any field may be nil.
type Callbacks struct {
	// OnAccept reports a channel opened by a remote peer.
	OnAccept func(id ChannelID, addr net.Addr)
	// OnDataReceived hands over received bytes. For reliable UDP the buffer holds
	// exactly one message and is recycled when the callback returns; for TCP it
	// is the channel's stream buffer and unconsumed bytes stay for the next call.
	OnDataReceived func(id ChannelID, buf *MessageBuffer)
	// OnConnectSuccess reports a completed outbound connect.
	OnConnectSuccess func(id ChannelID, addr net.Addr)
	// OnCannotConnect reports an outbound channel that failed or was lost.
	OnCannotConnect func(id ChannelID, addr net.Addr, code ErrorCode)
	// OnClientDisconnect reports an accepted channel that failed or was lost.
	OnClientDisconnect func(id ChannelID, addr net.Addr, code ErrorCode)
}

// Service owns the sockets and channels of one transport. Apart from Start,
// Stop and Fetch/Recycle every method must be called from the goroutine that
// calls Update.
type Service interface {
	SetCallbacks(cb Callbacks)
	// Start binds the socket and begins accepting (server mode).
	Start() error
	// Connect opens an outbound channel to addr with a service-chosen id.
	Connect(addr string) (ChannelID, error)
	// CreateChannel opens an outbound channel to addr under the caller's id.
	CreateChannel(id ChannelID, addr string) error
	// Send takes ownership of buf; the service recycles it once written.
	Send(id ChannelID, buf *MessageBuffer) error
	// Close closes the channel without invoking any callback. Closing an unknown
	// or already closed channel is a no-op.
	Close(id ChannelID)
	// CloseWithError closes the channel and reports code through the
	// disconnect callback matching the channel's direction.
	CloseWithError(id ChannelID, code ErrorCode)
	// DelayClose closes with CodeCloseByServer once queued data is flushed.
	DelayClose(id ChannelID)
	IsOpen(id ChannelID) bool
	RemoteAddr(id ChannelID) net.Addr
	// Fetch borrows a buffer with at least size bytes of capacity.
	Fetch(size int) *MessageBuffer
	Recycle(buf *MessageBuffer)
	// Update drains socket events, services due channels and fires callbacks.
	Update()
	Stop() error
}

// clock is a millisecond counter relative to service creation.
type clock struct {
	start time.Time
}

func newClock() clock { return clock{start: time.Now()} }

func (c clock) nowMs() int64 { return time.Since(c.start).Milliseconds() }

// eventQueue is the hand-off from socket goroutines to the tick goroutine.
type eventQueue[T any] struct {
	ch   chan T
	done <-chan struct{}
}

func newEventQueue[T any](size int, done <-chan struct{}) *eventQueue[T] {
	return &eventQueue[T]{ch: make(chan T, size), done: done}
}

// post blocks while the queue is full and gives up once the service stops.
func (q *eventQueue[T]) post(ev T) bool {
	select {
	case q.ch <- ev:
		return true
	case <-q.done:
		return false
	}
}

// drain handles the events queued when it is called, at most limit of them
// when limit > 0. Events posted meanwhile wait for the next tick.
func (q *eventQueue[T]) drain(limit int, fn func(T)) int {
	n := len(q.ch)
	if limit > 0 && n > limit {
		n = limit
	}
	for i := 0; i < n; i++ {
		fn(<-q.ch)
	}
	return n
}
