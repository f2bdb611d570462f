package exchange

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrBindingNotReady is returned when an exchange is requested from an
// unprepared binding.
var ErrBindingNotReady = errors.New("exchange: binding not ready")

// Responder lets a loopback publisher script answer requests and push
// further messages on the same exchange.
type Responder interface {
	// Reply delivers a message to the exchange's owner.
	Reply(profile uint32, msgType uint8, payload []byte) error

	// ID identifies the exchange the request arrived on.
	ID() uuid.UUID
}

// PublisherFunc is the peer side of a loopback: it receives every message
// the client sends on a locally initiated exchange.
type PublisherFunc func(r Responder, msg *Message)

// Loopback is an in-memory Binding whose peer is a function. Delivery is
// synchronous on the caller's goroutine, matching the client's cooperative
// single-threaded model.
type Loopback struct {
	mu        sync.Mutex
	refs      int
	ready     bool
	preparing bool

	// PrepareErr, when set, makes preparation fail with this reason.
	PrepareErr error

	peerNodeID uint64
	wrm        WRMConfig
	cb         BindingEventCallback

	// Publisher receives client-initiated traffic.
	Publisher PublisherFunc

	// inbound receives publisher-initiated traffic (notifies, cancels).
	inbound func(ec Context, msg *Message)

	// ClientReply observes replies the client sends on publisher-initiated
	// exchanges.
	ClientReply func(msg *Message)

	// queue holds publisher replies awaiting Pump. Replies are never
	// delivered inside the client's own Send call: a real message layer
	// hands them over only after the stack unwinds.
	queue []queuedReply
}

type queuedReply struct {
	ctx *loopbackContext
	msg *Message
}

// NewLoopback returns a ready loopback binding for the given peer node id.
func NewLoopback(peerNodeID uint64, wrm WRMConfig) *Loopback {
	return &Loopback{ready: true, peerNodeID: peerNodeID, wrm: wrm}
}

// NewUnpreparedLoopback returns a loopback that needs preparation first.
func NewUnpreparedLoopback(peerNodeID uint64, wrm WRMConfig) *Loopback {
	return &Loopback{peerNodeID: peerNodeID, wrm: wrm}
}

// AddRef takes a reference.
func (l *Loopback) AddRef() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refs++
}

// Release drops a reference.
func (l *Loopback) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refs--
}

// Refs returns the current reference count; tests assert on it.
func (l *Loopback) Refs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refs
}

// IsReady reports whether exchanges can be allocated.
func (l *Loopback) IsReady() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// CanBePrepared reports whether preparation can be requested.
func (l *Loopback) CanBePrepared() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.ready && !l.preparing
}

// IsPreparing reports whether preparation is in flight.
func (l *Loopback) IsPreparing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.preparing
}

// RequestPrepare completes preparation synchronously, succeeding unless
// PrepareErr is set.
func (l *Loopback) RequestPrepare() error {
	l.mu.Lock()
	l.preparing = true
	cb := l.cb
	failErr := l.PrepareErr
	if failErr == nil {
		l.ready = true
	}
	l.preparing = false
	l.mu.Unlock()

	if cb == nil {
		return nil
	}
	if failErr != nil {
		cb(BindingEventPrepareFailed, failErr)
	} else {
		cb(BindingEventReady, nil)
	}
	return nil
}

// SetProtocolCallback registers the protocol layer's event callback.
func (l *Loopback) SetProtocolCallback(cb BindingEventCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cb = cb
}

// Fail breaks the binding and notifies the protocol layer.
func (l *Loopback) Fail(reason error) {
	l.mu.Lock()
	l.ready = false
	cb := l.cb
	l.mu.Unlock()
	if cb != nil {
		cb(BindingEventFailed, reason)
	}
}

// NewContext allocates a locally initiated exchange.
func (l *Loopback) NewContext() (Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ready {
		return nil, ErrBindingNotReady
	}
	return &loopbackContext{binding: l, id: uuid.New(), local: true}, nil
}

// PeerNodeID returns the configured peer node id.
func (l *Loopback) PeerNodeID() uint64 {
	return l.peerNodeID
}

// DefaultWRMConfig returns the binding's reliable-messaging profile.
func (l *Loopback) DefaultWRMConfig() WRMConfig {
	return l.wrm
}

// AdjustResponseTimeout is a no-op for the in-memory transport.
func (l *Loopback) AdjustResponseTimeout(ec Context) error {
	return nil
}

// IsAuthenticMessageFromPeer trusts the message's Authentic mark, which the
// test scripts set.
func (l *Loopback) IsAuthenticMessageFromPeer(msg *Message) bool {
	return msg.Authentic
}

// SetInboundHandler wires publisher-initiated messages to the client.
func (l *Loopback) SetInboundHandler(fn func(ec Context, msg *Message)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inbound = fn
}

// Deliver pushes a publisher-initiated message to the client on a fresh
// exchange and returns that exchange.
func (l *Loopback) Deliver(msg *Message) Context {
	l.mu.Lock()
	fn := l.inbound
	l.mu.Unlock()
	ec := &loopbackContext{binding: l, id: uuid.New(), peerAck: msg.RequestAck}
	if fn != nil {
		fn(ec, msg)
	}
	return ec
}

type loopbackContext struct {
	binding *Loopback
	id      uuid.UUID
	local   bool
	peerAck bool

	mu       sync.Mutex
	handlers Handlers
	closed   bool
}

func (c *loopbackContext) ID() uuid.UUID {
	return c.id
}

func (c *loopbackContext) Send(profile uint32, msgType uint8, payload []byte, flags SendFlags) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("exchange: send on closed exchange")
	}
	msg := &Message{
		Profile:    profile,
		Type:       msgType,
		Payload:    payload,
		RequestAck: flags&FlagRequestAck != 0,
		Authentic:  true,
	}
	if c.local {
		pub := c.binding.Publisher
		if pub != nil {
			pub(&loopbackResponder{ctx: c}, msg)
		}
		return nil
	}
	// Reply on a publisher-initiated exchange.
	if cr := c.binding.ClientReply; cr != nil {
		cr(msg)
	}
	return nil
}

func (c *loopbackContext) SetHandlers(h Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

func (c *loopbackContext) PeerRequestedAck() bool {
	return c.peerAck
}

func (c *loopbackContext) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.handlers = Handlers{}
}

func (c *loopbackContext) Abort() {
	c.Close()
}

// deliver hands an inbound message to the exchange's owner.
func (c *loopbackContext) deliver(msg *Message) {
	c.mu.Lock()
	h := c.handlers
	closed := c.closed
	c.mu.Unlock()
	if closed || h.OnMessage == nil {
		return
	}
	h.OnMessage(c, msg)
}

// FailSend invokes the owner's send-error handler; tests use it to model a
// transport that rejects a message after accepting it.
func (c *loopbackContext) FailSend(err error) {
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()
	if h.OnSendError != nil {
		h.OnSendError(c, err)
	}
}

// TimeoutResponse invokes the owner's response-timeout handler.
func (c *loopbackContext) TimeoutResponse() {
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()
	if h.OnResponseTimeout != nil {
		h.OnResponseTimeout(c)
	}
}

type loopbackResponder struct {
	ctx *loopbackContext
}

func (r *loopbackResponder) ID() uuid.UUID {
	return r.ctx.id
}

func (r *loopbackResponder) Reply(profile uint32, msgType uint8, payload []byte) error {
	b := r.ctx.binding
	b.mu.Lock()
	b.queue = append(b.queue, queuedReply{
		ctx: r.ctx,
		msg: &Message{Profile: profile, Type: msgType, Payload: payload, Authentic: true},
	})
	b.mu.Unlock()
	return nil
}

// Pump delivers queued publisher replies, in order, until the queue is
// empty. Deliveries may enqueue further replies; those are delivered too.
func (l *Loopback) Pump() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		q := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		q.ctx.deliver(q.msg)
	}
}
