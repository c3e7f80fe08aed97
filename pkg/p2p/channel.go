package p2p

import "sync"

// DefaultChannelCapacity bounds the inbound message queue. A full channel
// back-pressures the peer reader goroutines via blocking Send.
const DefaultChannelCapacity = 1024

// Channel is a bounded multi-producer / multi-consumer FIFO of control
// messages. Items sent by a single producer are received in send order.
type Channel struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	items    []RPC
	capacity int
	closed   bool
}

func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	c := &Channel{capacity: capacity}
	c.notFull = sync.NewCond(&c.mu)
	c.notEmpty = sync.NewCond(&c.mu)
	return c
}

// Send blocks while the channel is full. Returns false once the channel is
// closed.
func (c *Channel) Send(item RPC) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.items) >= c.capacity && !c.closed {
		c.notFull.Wait()
	}
	if c.closed {
		return false
	}
	c.items = append(c.items, item)
	c.notEmpty.Signal()
	return true
}

// TrySend reports false instead of blocking when the channel is full.
func (c *Channel) TrySend(item RPC) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.items) >= c.capacity {
		return false
	}
	c.items = append(c.items, item)
	c.notEmpty.Signal()
	return true
}

// Receive blocks while the channel is empty. After Close, remaining items are
// drained and then ok is false.
func (c *Channel) Receive() (RPC, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.items) == 0 && !c.closed {
		c.notEmpty.Wait()
	}
	if len(c.items) == 0 {
		return RPC{}, false
	}
	item := c.items[0]
	c.items = c.items[1:]
	c.notFull.Signal()
	return item, true
}

// TryReceive reports false instead of blocking when the channel is empty.
func (c *Channel) TryReceive() (RPC, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) == 0 {
		return RPC{}, false
	}
	item := c.items[0]
	c.items = c.items[1:]
	c.notFull.Signal()
	return item, true
}

func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Channel) Empty() bool {
	return c.Len() == 0
}

// Close is idempotent and wakes every blocked producer and consumer.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.notFull.Broadcast()
	c.notEmpty.Broadcast()
}
