package net

import (
	"github.com/lcx/asura-transport/metrics"
)

// Buffers above the largest class are allocated for one use and never pooled.
var bufferSizeClasses = [...]int{1024, 2 * 1024, 4 * 1024, 8 * 1024}

const defaultPoolClassLimit = 64

// BufferPool is a free list of MessageBuffers per size class. It belongs to one
// service and is only touched from that service's tick goroutine.
type BufferPool struct {
	free  [len(bufferSizeClasses)][]*MessageBuffer
	limit int
	group string
}

// NewBufferPool creates a pool keeping at most limit buffers per size class.
// group names the metrics group the pool reports into.
func NewBufferPool(limit int, group string) *BufferPool {
	if limit <= 0 {
		limit = defaultPoolClassLimit
	}
	return &BufferPool{limit: limit, group: group}
}

func sizeClass(size int) int {
	for i, c := range bufferSizeClasses {
		if size <= c {
			return i
		}
	}
	return -1
}

func exactClass(capacity int) int {
	for i, c := range bufferSizeClasses {
		if capacity == c {
			return i
		}
	}
	return -1
}

// Get returns an empty buffer with capacity of at least size.
func (p *BufferPool) Get(size int) *MessageBuffer {
	idx := sizeClass(size)
	if idx < 0 {
		metrics.IncrCounterWithGroup(p.group, "buffer_pool_oversize_total", 1)
		return NewMessageBuffer(size)
	}

	list := p.free[idx]
	if n := len(list); n > 0 {
		b := list[n-1]
		list[n-1] = nil
		p.free[idx] = list[:n-1]
		metrics.IncrCounterWithGroup(p.group, "buffer_pool_hit_total", 1)
		return b
	}
	metrics.IncrCounterWithGroup(p.group, "buffer_pool_miss_total", 1)
	return NewMessageBuffer(bufferSizeClasses[idx])
}

// Put resets b and keeps it for reuse. Buffers that grew out of their class, or
// that arrive when the class list is full, are left to the garbage collector.
func (p *BufferPool) Put(b *MessageBuffer) {
	if b == nil {
		return
	}
	idx := exactClass(b.Capacity())
	if idx < 0 || len(p.free[idx]) >= p.limit {
		return
	}
	b.Reset()
	p.free[idx] = append(p.free[idx], b)
}

// Idle is the number of pooled buffers.
func (p *BufferPool) Idle() int {
	n := 0
	for _, l := range p.free {
		n += len(l)
	}
	return n
}
