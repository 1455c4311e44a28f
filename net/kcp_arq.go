package net

import (
	"errors"
	"math"

	kcp "github.com/xtaci/kcp-go/v5"
)

// ARQ is the retransmission engine driven by a reliable-UDP channel. Times are
// milliseconds on the owning service's clock.
type ARQ interface {
	// Input feeds one datagram payload (the part after the 9 byte header).
	Input(data []byte) error
	// Send queues one message; the engine preserves message boundaries.
	Send(p []byte) error
	// PeekSize is the size of the next complete message, or -1.
	PeekSize() int
	// Recv copies the next message into p and returns its size, or -1.
	Recv(p []byte) int
	Update(now int64)
	// NextDeadline is when Update should next be called.
	NextDeadline(now int64) int64
	// WaitSnd is the number of segments sent but not yet acknowledged.
	WaitSnd() int
}

// ARQOutput receives a datagram to put on the wire. The first kcpHeadSize bytes
// are reserved for the channel header.
type ARQOutput func(datagram []byte)

// ARQFactory builds the engine for one channel. conv must be equal on both ends.
type ARQFactory func(conv uint32, now int64, output ARQOutput) ARQ

var (
	errARQInput = errors.New("arq: input rejected")
	errARQSend  = errors.New("arq: send rejected")
)

type kcpARQ struct {
	kcp      *kcp.KCP
	origin   uint32
	created  int64
	interval int64
}

// NewKcpARQFactory builds engines backed by kcp-go tuned from cfg.
func NewKcpARQFactory(cfg *KcpServiceCfg) ARQFactory {
	return func(conv uint32, now int64, output ARQOutput) ARQ {
		k := kcp.NewKCP(conv, func(buf []byte, size int) {
			if size <= kcpHeadSize {
				return
			}
			output(buf[:size])
		})
		k.ReserveBytes(kcpHeadSize)
		k.NoDelay(cfg.NoDelay, cfg.IntervalMs, cfg.Resend, cfg.NoCongestion)
		k.WndSize(cfg.SndWnd, cfg.RcvWnd)
		k.SetMtu(cfg.Mtu)

		// Before the first Update, Check reports kcp's own current time.
		return &kcpARQ{
			kcp:      k,
			origin:   k.Check(),
			created:  now,
			interval: int64(cfg.IntervalMs),
		}
	}
}

func (a *kcpARQ) Input(data []byte) error {
	if ret := a.kcp.Input(data, true, false); ret < 0 {
		return errARQInput
	}
	return nil
}

func (a *kcpARQ) Send(p []byte) error {
	if ret := a.kcp.Send(p); ret < 0 {
		return errARQSend
	}
	return nil
}

func (a *kcpARQ) PeekSize() int { return a.kcp.PeekSize() }

func (a *kcpARQ) Recv(p []byte) int {
	n := a.kcp.Recv(p)
	if n < 0 {
		return -1
	}
	return n
}

func (a *kcpARQ) Update(int64) { a.kcp.Update() }

func (a *kcpARQ) NextDeadline(now int64) int64 {
	kcpNow := a.origin + uint32(now-a.created)
	delta := int64(int32(a.kcp.Check() - kcpNow))
	if delta < 0 {
		delta = 0
	}
	if a.interval > 0 && delta > a.interval {
		delta = a.interval
	}
	if now > math.MaxInt64-delta {
		return math.MaxInt64
	}
	return now + delta
}

func (a *kcpARQ) WaitSnd() int { return a.kcp.WaitSnd() }
