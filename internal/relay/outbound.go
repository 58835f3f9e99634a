package relay

import (
	"errors"
	"sync"

	"github.com/amoylab/kefu/internal/common/config"
)

var (
	// ErrQueueClosed is returned when sending to a closed outbound queue
	ErrQueueClosed = errors.New("outbound queue closed")
	// ErrQueueFull is returned when a slow consumer overflows its queue
	// under the disconnect policy; the queue is closed as a side effect
	ErrQueueFull = errors.New("outbound queue full")
)

// Outbound is the bounded per-connection queue drained by the writer.
// Closing it tells the writer to flush what is queued and stop.
type Outbound struct {
	mu       sync.Mutex
	ch       chan []byte
	policy   string
	closed   bool
	dropped  int
	overflow bool
}

// NewOutbound creates a queue of the given capacity and overflow policy
func NewOutbound(size int, policy string) *Outbound {
	if size <= 0 {
		size = 1
	}
	if policy != config.OverflowDropOldest {
		policy = config.OverflowDisconnect
	}
	return &Outbound{ch: make(chan []byte, size), policy: policy}
}

// Send enqueues data without blocking
func (o *Outbound) Send(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrQueueClosed
	}
	select {
	case o.ch <- data:
		return nil
	default:
	}

	if o.policy == config.OverflowDisconnect {
		o.overflow = true
		o.closeLocked()
		return ErrQueueFull
	}

	// drop_oldest: the writer may race us for the head, so retry once
	select {
	case <-o.ch:
		o.dropped++
	default:
	}
	select {
	case o.ch <- data:
	default:
		o.dropped++
	}
	return nil
}

// C is drained by the writer; it is closed by Close
func (o *Outbound) C() <-chan []byte {
	return o.ch
}

// Close is idempotent
func (o *Outbound) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked()
}

func (o *Outbound) closeLocked() {
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}

// Closed reports whether Close was called
func (o *Outbound) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Overflowed reports whether the queue was closed for being full
func (o *Outbound) Overflowed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.overflow
}

// Dropped returns how many frames drop_oldest discarded
func (o *Outbound) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Len returns the number of queued frames
func (o *Outbound) Len() int {
	return len(o.ch)
}
