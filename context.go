package skein

import (
	"sync"
	"sync/atomic"
)

// Context is the process-wide RPC state: the process rank, the monotonically
// increasing message-sequence counter, the active Sender and Receiver, and
// an opaque server-side state handle.
//
// It is an explicit object rather than ambient global state, so several
// ranks can coexist in one test process. It has no cross-process identity
// and must never be serialized or transmitted.
type Context struct {
	rank   atomic.Int32
	msgSeq atomic.Int64

	mu          sync.RWMutex
	sender      *Sender
	receiver    *Receiver
	serverState any
}

func NewContext() *Context {
	ctx := &Context{}
	ctx.rank.Store(-1)
	return ctx
}

// SetRank records the process rank. Assigned once by the launcher.
func (c *Context) SetRank(rank int32) { c.rank.Store(rank) }

// Rank returns the process rank, -1 when unset.
func (c *Context) Rank() int32 { return c.rank.Load() }

// NextMsgSeq returns the current sequence number and increments the
// counter. Values are strictly increasing and unique within this rank.
func (c *Context) NextMsgSeq() int64 {
	return c.msgSeq.Add(1) - 1
}

// PeekMsgSeq returns the next sequence number without consuming it.
func (c *Context) PeekMsgSeq() int64 { return c.msgSeq.Load() }

func (c *Context) SetSender(s *Sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender = s
}

// Sender returns the active Sender. Using it before initialization is a
// programming error and panics.
func (c *Context) Sender() *Sender {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sender == nil {
		panic(ErrNoSender)
	}
	return c.sender
}

func (c *Context) SetReceiver(r *Receiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiver = r
}

// Receiver returns the active Receiver. Using it before initialization is a
// programming error and panics.
func (c *Context) Receiver() *Receiver {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.receiver == nil {
		panic(ErrNoReceiver)
	}
	return c.receiver
}

// SetServerState installs the opaque server-side dispatch handle.
// Server processes only.
func (c *Context) SetServerState(st any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverState = st
}

// ServerState returns the server-side dispatch handle and panics when it
// was never installed, which on a server is a startup ordering bug.
func (c *Context) ServerState() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.serverState == nil {
		panic(ErrNoServerState)
	}
	return c.serverState
}
