// Package exchange defines the contracts the subscription client has with
// the messaging layer: bindings (peer address, security, transport
// readiness), exchange contexts (one request/response or streamed
// interaction), and single-shot timers. It also provides a synchronous
// in-memory loopback transport for tests and demos.
package exchange

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is one inbound frame, already stripped of transport framing.
type Message struct {
	Profile    uint32
	Type       uint8
	Payload    []byte
	RequestAck bool
	Authentic  bool
}

// SendFlags modify a send.
type SendFlags uint8

const (
	// FlagExpectResponse keeps the exchange open for a reply and arms the
	// response timeout.
	FlagExpectResponse SendFlags = 1 << iota

	// FlagRequestAck asks the reliable-messaging layer for a per-hop ack.
	FlagRequestAck
)

// Handlers receive the inbound events of one exchange context.
type Handlers struct {
	OnMessage         func(ec Context, msg *Message)
	OnResponseTimeout func(ec Context)
	OnSendError       func(ec Context, err error)
}

// Context is a message-layer channel for one interaction. At most one
// exchange context is live per client at a time; the client replaces it
// atomically between interactions.
type Context interface {
	// ID identifies the exchange for correlation and logging.
	ID() uuid.UUID

	// Send transmits a message on the exchange. Send errors may be
	// delivered synchronously through the OnSendError handler.
	Send(profile uint32, msgType uint8, payload []byte, flags SendFlags) error

	// SetHandlers wires the inbound callbacks. Passing the zero value
	// detaches the exchange from its owner.
	SetHandlers(h Handlers)

	// PeerRequestedAck reports whether the last inbound message asked for
	// an ack.
	PeerRequestedAck() bool

	// Close releases the exchange gracefully.
	Close()

	// Abort tears the exchange down immediately.
	Abort()
}

// WRMConfig is the reliable-messaging profile of a binding.
type WRMConfig struct {
	MaxRetrans            uint32
	InitialRetransTimeout time.Duration
}

// BindingEvent is a binding lifecycle notification.
type BindingEvent int

const (
	// BindingEventReady fires when preparation completes and the binding
	// can allocate exchanges.
	BindingEventReady BindingEvent = iota

	// BindingEventPrepareFailed fires when preparation fails.
	BindingEventPrepareFailed

	// BindingEventFailed fires when an established binding breaks.
	BindingEventFailed
)

// BindingEventCallback receives binding lifecycle events. reason is non-nil
// for failures.
type BindingEventCallback func(ev BindingEvent, reason error)

// Binding abstracts peer address, security, and transport readiness. It is
// shared by reference between the client and the application.
type Binding interface {
	AddRef()
	Release()

	IsReady() bool
	CanBePrepared() bool
	IsPreparing() bool

	// RequestPrepare starts asynchronous preparation. The callback set via
	// SetProtocolCallback fires on completion, possibly synchronously.
	RequestPrepare() error

	// SetProtocolCallback registers the protocol layer's event callback.
	// Pass nil to detach.
	SetProtocolCallback(cb BindingEventCallback)

	// NewContext allocates a fresh exchange context.
	NewContext() (Context, error)

	PeerNodeID() uint64
	DefaultWRMConfig() WRMConfig

	// AdjustResponseTimeout reconfigures an inbound exchange's timeouts to
	// this binding's profile.
	AdjustResponseTimeout(ec Context) error

	// IsAuthenticMessageFromPeer verifies an inbound message really came
	// from the bound peer.
	IsAuthenticMessageFromPeer(msg *Message) bool
}

// TimerLayer provides single-shot timers keyed by owner identity. Starting
// a timer for a key cancels any timer already registered under it.
type TimerLayer interface {
	Start(key any, d time.Duration, fn func())
	Cancel(key any)
}

// SystemTimers is the TimerLayer over the runtime clock.
type SystemTimers struct {
	mu     sync.Mutex
	timers map[any]*time.Timer
}

// NewSystemTimers returns an empty timer layer.
func NewSystemTimers() *SystemTimers {
	return &SystemTimers{timers: make(map[any]*time.Timer)}
}

// Start arms a single-shot timer under key, replacing any existing one.
func (t *SystemTimers) Start(key any, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.timers[key]; ok {
		old.Stop()
	}
	t.timers[key] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.timers, key)
		t.mu.Unlock()
		fn()
	})
}

// Cancel stops the timer under key, if any.
func (t *SystemTimers) Cancel(key any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.timers[key]; ok {
		old.Stop()
		delete(t.timers, key)
	}
}

// ManualTimers is a TimerLayer driven by the test instead of the clock.
type ManualTimers struct {
	mu    sync.Mutex
	armed map[any]manualTimer
}

type manualTimer struct {
	d  time.Duration
	fn func()
}

// NewManualTimers returns an empty manual timer layer.
func NewManualTimers() *ManualTimers {
	return &ManualTimers{armed: make(map[any]manualTimer)}
}

// Start records a pending timer under key.
func (t *ManualTimers) Start(key any, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armed[key] = manualTimer{d: d, fn: fn}
}

// Cancel drops the pending timer under key.
func (t *ManualTimers) Cancel(key any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.armed, key)
}

// Armed reports whether a timer is pending under key and its duration.
func (t *ManualTimers) Armed(key any) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mt, ok := t.armed[key]
	return mt.d, ok
}

// Fire runs and clears the pending timer under key. It reports whether a
// timer was pending.
func (t *ManualTimers) Fire(key any) bool {
	t.mu.Lock()
	mt, ok := t.armed[key]
	delete(t.armed, key)
	t.mu.Unlock()
	if ok {
		mt.fn()
	}
	return ok
}
