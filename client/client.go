// Package client implements the subscription client of the data management
// profile: the subscription lifecycle state machine, the notification
// processing pipeline, and the update engine that pushes local trait
// mutations back to the publisher.
//
// A Client is single-threaded and cooperative: state transitions, timer
// callbacks, inbound-message handlers, and application callbacks all run on
// the execution context that drives the messaging layer. An optional
// external mutex protects only the update stores from a second goroutine
// calling SetUpdated and FlushUpdate; it is never held across application
// callbacks.
package client

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dougsteed/wdmclient/access"
	"github.com/dougsteed/wdmclient/events"
	"github.com/dougsteed/wdmclient/exchange"
	"github.com/dougsteed/wdmclient/pathstore"
	"github.com/dougsteed/wdmclient/resubscribe"
	"github.com/dougsteed/wdmclient/stats"
	"github.com/dougsteed/wdmclient/traits"
	"github.com/dougsteed/wdmclient/wire"
)

// State is the lifecycle state of a client.
type State int

const (
	StateFree State = iota
	StateInitialized
	StateSubscribing
	StateSubscribingIDAssigned
	StateEstablishedIdle
	StateEstablishedConfirming
	StateCanceling
	StateResubscribeHoldoff
	StateAborting
	StateAborted
)

// String returns the short state label used in logs.
func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateInitialized:
		return "INIT"
	case StateSubscribing:
		return "SReq1"
	case StateSubscribingIDAssigned:
		return "SReq2"
	case StateEstablishedIdle:
		return "ALIVE"
	case StateEstablishedConfirming:
		return "CONFM"
	case StateCanceling:
		return "CANCL"
	case StateResubscribeHoldoff:
		return "RETRY"
	case StateAborting:
		return "ABTNG"
	case StateAborted:
		return "ABORT"
	}
	return "N/A"
}

// States in [timerTickBegin, timerTickEnd] accept timer events; states in
// [sinkNotifyBegin, sinkNotifyEnd] broadcast SubscriptionTerminated to the
// sink catalog on abort.
const (
	timerTickBegin  = StateSubscribing
	timerTickEnd    = StateResubscribeHoldoff
	sinkNotifyBegin = StateSubscribing
	sinkNotifyEnd   = StateCanceling
)

// maxRefCount bounds the reentrancy depth of the reference counter.
const maxRefCount = 127

// maxUpdatableTraits bounds the per-client updatable trait-instance pool.
const maxUpdatableTraits = 16

// ecRole records what interaction the current exchange context serves, so
// inbound replies are routed without inspecting payloads.
type ecRole int

const (
	roleNone ecRole = iota
	roleSubscribe
	roleConfirm
	roleCancel
	roleUpdate
)

// Options configure a client at creation.
type Options struct {
	// Handler receives all application events. Required.
	Handler events.Handler

	// Catalog maps trait handles to sinks. Optional; without it the client
	// cannot apply notifications or send updates.
	Catalog traits.Catalog

	// Timers provides single-shot timers. Defaults to system timers.
	Timers exchange.TimerLayer

	// InactivityTimeout bounds the subscribing phase. Zero disables it.
	InactivityTimeout time.Duration

	// AccessControl vets each inbound data element. Defaults to allow-all.
	AccessControl access.Delegate

	// Lock, when set, guards the update stores against a second goroutine
	// calling SetUpdated and FlushUpdate.
	Lock sync.Locker

	// PathStoreCapacity sizes the pending and dispatched stores.
	PathStoreCapacity int

	// MaxUpdateSize bounds one update request payload. Zero or anything
	// above 65535 bytes means unbounded.
	MaxUpdateSize uint32
}

var nextClientID atomic.Uint32

// Client is a subscription client instance. Create one with New; it starts
// Initialized holding one reference, and returns to Free when the last
// reference is dropped via Free.
type Client struct {
	id  uint32
	log *slog.Logger

	state    State
	refCount int

	binding exchange.Binding
	timers  exchange.TimerLayer
	handler events.Handler
	catalog traits.Catalog
	acl     access.Delegate
	lock    sync.Locker

	policy resubscribe.Policy

	ec   exchange.Context
	role ecRole

	inactivityTimeout time.Duration
	livenessTimeout   time.Duration
	subscriptionID    uint64
	isInitiator       bool
	retryCounter      uint32

	// cross-element continuity of partial changes within a notify
	prevTraitHandle traits.TraitDataHandle
	prevTraitValid  bool
	prevIsPartial   bool

	// update engine
	pending         *pathstore.Store
	dispatched      *pathstore.Store
	updateInFlight  bool
	flushInProgress bool
	maxUpdateSize   int
	traitInstances  []*updatableTrait
	reqCtx          updateRequestContext
}

// New initializes a client over a binding. The binding gains a reference
// that is held for the client's lifetime.
func New(binding exchange.Binding, opts Options) (*Client, error) {
	if opts.Handler == nil || binding == nil {
		return nil, ErrInvalidArgument
	}
	if opts.Timers == nil {
		opts.Timers = exchange.NewSystemTimers()
	}
	if opts.AccessControl == nil {
		opts.AccessControl = access.AllowAll{}
	}

	c := &Client{
		id:                nextClientID.Add(1),
		state:             StateFree,
		binding:           binding,
		timers:            opts.Timers,
		handler:           opts.Handler,
		catalog:           opts.Catalog,
		acl:               opts.AccessControl,
		lock:              opts.Lock,
		inactivityTimeout: opts.InactivityTimeout,
		pending:           pathstore.New(opts.PathStoreCapacity),
		dispatched:        pathstore.New(opts.PathStoreCapacity),
	}
	c.log = slog.With("client", c.id)
	c.SetMaxUpdateSize(opts.MaxUpdateSize)

	binding.AddRef()
	c.moveToState(StateInitialized)
	c.addRef()

	if err := c.initUpdatableTraits(); err != nil {
		return nil, err
	}
	return c, nil
}

// ID returns the client's stable id, used in logs and metrics.
func (c *Client) ID() uint32 {
	return c.id
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return c.state
}

// RefCount returns the current reference count; the property tests assert
// on it.
func (c *Client) RefCount() int {
	return c.refCount
}

// Binding returns the client's binding.
func (c *Client) Binding() exchange.Binding {
	return c.binding
}

// PeerNodeID returns the bound peer's node id.
func (c *Client) PeerNodeID() uint64 {
	if c.binding == nil {
		return 0
	}
	return c.binding.PeerNodeID()
}

// IsEstablishedIdle reports an established subscription with no
// confirmation in flight.
func (c *Client) IsEstablishedIdle() bool {
	return c.state == StateEstablishedIdle
}

// IsRetryEnabled reports whether a resubscribe policy is active.
func (c *Client) IsRetryEnabled() bool {
	return c.policy != nil
}

func (c *Client) moveToState(target State) {
	c.state = target
	c.log.Debug("moving state", "state", c.state.String(), "ref", c.refCount)
}

func (c *Client) addRef() {
	if c.refCount >= maxRefCount {
		c.log.Error("reference count overflow", "ref", c.refCount)
	}
	c.refCount++
}

func (c *Client) release() {
	if c.refCount <= 0 {
		c.log.Error("reference count underflow", "ref", c.refCount)
		return
	}
	c.refCount--
	if c.refCount == 0 {
		c.AbortSubscription()
	}
}

// emit delivers an event to the application handler.
func (c *Client) emit(ev events.Event) {
	if c.handler == nil {
		c.log.Debug("no handler, dropping event")
		return
	}
	c.handler(ev)
}

// EnableResubscribe turns on automatic resubscription. A nil policy selects
// the default Fibonacci policy.
func (c *Client) EnableResubscribe(policy resubscribe.Policy) {
	if policy == nil {
		policy = resubscribe.NewFibonacciPolicy()
	}
	c.policy = policy
}

// DisableResubscribe turns automatic resubscription off. If a retry is
// pending the client aborts without an application callback, since the
// application triggered this.
func (c *Client) DisableResubscribe() {
	c.policy = nil
	if c.state == StateResubscribeHoldoff {
		c.timers.Cancel(c)
		c.AbortSubscription()
	}
}

// ResetResubscribe zeroes the retry counter and rearms an immediate retry.
func (c *Client) ResetResubscribe() {
	if c.state == StateResubscribeHoldoff {
		c.timers.Cancel(c)
		c.moveToState(StateInitialized)
	}
	c.retryCounter = 0
	if c.state == StateInitialized {
		c.setRetryTimer(nil)
	}
}

// IndicateActivity emits a SubscriptionActivity event on behalf of the
// embedder, for traffic the client itself cannot observe.
func (c *Client) IndicateActivity() {
	c.emit(events.SubscriptionActivity{})
}

// SubscriptionID returns the subscription id. It fails with ErrIncorrectState
// before an id is assigned and after the subscription is gone.
func (c *Client) SubscriptionID() (uint64, error) {
	switch c.state {
	case StateSubscribingIDAssigned, StateEstablishedIdle, StateEstablishedConfirming, StateCanceling:
		return c.subscriptionID, nil
	default:
		return 0, ErrIncorrectState
	}
}

// InitiateSubscription starts a subscription as the initiator: the
// publisher assigns the subscription id in its SubscribeResponse.
func (c *Client) InitiateSubscription() {
	c.isInitiator = true
	if c.IsRetryEnabled() {
		c.setRetryTimer(nil)
	} else {
		c.initiateSubscription()
	}
}

// InitiateCounterSubscription starts the counter-subscription of a mutual
// pair: the application supplies the subscription id in the prepare
// callback, and livenessSec comes from the caller rather than the wire.
func (c *Client) InitiateCounterSubscription(livenessSec uint32) {
	c.isInitiator = false
	c.livenessTimeout = time.Duration(livenessSec) * time.Second
	c.initiateSubscription()
}

func (c *Client) initiateSubscription() {
	var err error

	c.log.Debug("initiating subscription", "state", c.state.String(), "ref", c.refCount)
	c.addRef()
	defer c.release()

	// Re-entry while already subscribing is a no-op: binding preparation
	// may complete synchronously inside our own call.
	if c.state == StateSubscribing || c.state == StateSubscribingIDAssigned {
		return
	}
	if c.state != StateInitialized {
		err = ErrIncorrectState
	} else {
		c.binding.SetProtocolCallback(c.onBindingEvent)
		c.prevTraitValid = false
		c.prevIsPartial = false

		switch {
		case c.binding.IsReady():
			if err = c.sendSubscribeRequest(); err == nil {
				if c.isInitiator {
					c.moveToState(StateSubscribing)
				} else {
					c.moveToState(StateSubscribingIDAssigned)
				}
				err = c.refreshTimer()
			}
		case c.binding.CanBePrepared():
			// The binding calls back when preparation completes, possibly
			// synchronously, re-entering initiateSubscription.
			err = c.binding.RequestPrepare()
		case c.binding.IsPreparing():
			// The ready callback will resume us.
		default:
			err = ErrIncorrectState
		}
	}

	if err != nil {
		c.log.Info("subscription initiation failed", "err", err)
		c.handleSubscriptionTerminated(c.IsRetryEnabled(), err, nil)
	}
}

func (c *Client) sendSubscribeRequest() error {
	prepare := &events.SubscribePrepare{}
	c.emit(events.SubscribeRequestPrepareNeeded{Prepare: prepare})

	if !c.isInitiator {
		c.subscriptionID = prepare.SubscriptionID
	}

	if c.state != StateInitialized {
		return ErrIncorrectState
	}
	if prepare.TimeoutSecMin > wire.MaxTimeoutSec || prepare.TimeoutSecMax > wire.MaxTimeoutSec {
		return ErrInvalidArgument
	}

	paths := prepare.VersionedPaths
	if paths == nil {
		paths = make([]traits.VersionedTraitPath, 0, len(prepare.Paths))
		for _, p := range prepare.Paths {
			paths = append(paths, traits.VersionedTraitPath{TraitPath: p})
		}
	}
	if len(paths) == 0 {
		return ErrInvalidArgument
	}

	req := &wire.SubscribeRequest{
		TimeoutMinSec:      prepare.TimeoutSecMin,
		TimeoutMaxSec:      prepare.TimeoutSecMax,
		SubscribeAllEvents: prepare.NeedAllEvents,
		LastObserved:       prepare.LastObserved,
	}
	if !c.isInitiator {
		req.SubscriptionID = c.subscriptionID
		req.HasSubscriptionID = true
	}

	for _, vp := range paths {
		sink, err := c.catalog.Locate(vp.Trait)
		if err != nil {
			return err
		}
		wp, err := c.wirePath(vp.Trait, vp.Property, vp.Requested)
		if err != nil {
			return err
		}
		req.Paths = append(req.Paths, wp)
		if sink.IsVersionValid() {
			v := sink.Version()
			req.Versions = append(req.Versions, &v)
		} else {
			req.Versions = append(req.Versions, nil)
		}
	}

	payload, err := req.Encode()
	if err != nil {
		return err
	}
	if err := c.replaceExchangeContext(roleSubscribe); err != nil {
		return err
	}

	// The send may invoke a synchronous error callback and change state.
	return c.ec.Send(wire.ProfileWDM, wire.MsgSubscribeRequest, payload, exchange.FlagExpectResponse)
}

// wirePath resolves a trait path to its wire form via the catalog and the
// sink's schema engine.
func (c *Client) wirePath(h traits.TraitDataHandle, prop traits.PropertyPathHandle, vr traits.SchemaVersionRange) (wire.Path, error) {
	sink, err := c.catalog.Locate(h)
	if err != nil {
		return wire.Path{}, err
	}
	tags, err := sink.Schema().PathTags(prop)
	if err != nil {
		return wire.Path{}, err
	}
	res, err := c.catalog.ResourceID(h)
	if err != nil {
		return wire.Path{}, err
	}
	inst, err := c.catalog.InstanceID(h)
	if err != nil {
		return wire.Path{}, err
	}
	return wire.Path{
		Addr:  traits.Address{Resource: res, Profile: sink.Schema().ProfileID(), Instance: inst},
		Range: vr,
		Tags:  tags,
	}, nil
}

// replaceExchangeContext flushes any existing exchange, allocates a fresh
// one from the binding, and wires the inbound callbacks.
func (c *Client) replaceExchangeContext(role ecRole) error {
	c.addRef()
	defer c.release()

	c.flushExchange(false)

	ec, err := c.binding.NewContext()
	if err != nil {
		return err
	}
	c.ec = ec
	c.role = role
	ec.SetHandlers(exchange.Handlers{
		OnMessage:         c.onMessage,
		OnResponseTimeout: c.onResponseTimeout,
		OnSendError:       c.onSendError,
	})

	// The application must not change state or refcount in this callback.
	c.emit(events.ExchangeStart{Exchange: ec})
	return nil
}

// flushExchange detaches and releases the current exchange context, if any.
func (c *Client) flushExchange(abortNow bool) {
	if c.ec == nil {
		return
	}
	c.ec.SetHandlers(exchange.Handlers{})
	if abortNow {
		c.ec.Abort()
	} else {
		c.ec.Close()
	}
	c.ec = nil
	c.role = roleNone
}

// EndSubscription ends the subscription cooperatively. In the established
// states it sends a SubscribeCancelRequest and waits for any reply before
// aborting; in the subscribing states it aborts outright.
func (c *Client) EndSubscription() error {
	var err error

	c.addRef()
	defer c.release()

	switch c.state {
	case StateSubscribing, StateSubscribingIDAssigned:
		c.log.Info("subscription not established yet, aborting")
		c.AbortSubscription()

	case StateEstablishedConfirming:
		// The confirmation's outcome has become irrelevant.
		c.flushExchange(false)
		fallthrough
	case StateEstablishedIdle:
		var payload []byte
		payload, err = wire.EncodeSubscriptionIDOnly(c.subscriptionID)
		if err != nil {
			break
		}
		if err = c.replaceExchangeContext(roleCancel); err != nil {
			break
		}
		// NOTE: a synchronous send-error callback may change state here.
		if err = c.ec.Send(wire.ProfileWDM, wire.MsgSubscribeCancelRequest, payload, exchange.FlagExpectResponse); err != nil {
			break
		}
		c.moveToState(StateCanceling)

	default:
		err = ErrIncorrectState
	}

	return err
}

// AbortSubscription tears the subscription down immediately and
// synchronously: timers, exchange, update stores, binding reference. It is
// re-entrant; calling it while already Aborted is a no-op.
func (c *Client) AbortSubscription() {
	nullReference := c.refCount == 0
	if !nullReference {
		// In the last abort from release, the count is already zero; no
		// reference pair is needed to reach the Free transition below.
		c.addRef()
	}

	switch {
	case c.state == StateFree:
		c.log.Error("abort in FREE state")
	case c.state == StateAborted || c.state == StateAborting:
		// Nothing left to flush.
	default:
		deliverToSinks := c.catalog != nil && c.state >= sinkNotifyBegin && c.state <= sinkNotifyEnd

		c.moveToState(StateAborting)

		if deliverToSinks {
			c.catalog.DispatchEvent(traits.SinkEventSubscriptionTerminated)
		}

		c.binding.SetProtocolCallback(nil)
		c.binding.Release()

		c.clearPathStore(c.pending, ErrConnectionAborted)
		c.clearPathStore(c.dispatched, ErrConnectionAborted)
		c.shutdownUpdateEngine()

		c.flushExchange(true)
		_ = c.refreshTimer()

		c.reset()
		c.moveToState(StateAborted)
	}

	if nullReference {
		c.moveToState(StateFree)
	} else {
		c.release()
	}
}

// reset flushes the subscription-scoped state, keeping the refcount and the
// lifecycle state.
func (c *Client) reset() {
	c.policy = nil
	c.inactivityTimeout = 0
	c.livenessTimeout = 0
	c.subscriptionID = 0
	c.isInitiator = false
	c.retryCounter = 0
	c.prevTraitValid = false
	c.prevIsPartial = false
}

// Free drops the caller's reference. The first call also aborts the
// subscription if it is still up; when the last reference is gone the
// client transitions to Free.
func (c *Client) Free() {
	c.log.Debug("freeing", "state", c.state.String(), "ref", c.refCount)

	if c.state != StateAborted && c.state != StateFree {
		c.AbortSubscription()
	}
	c.release()
}

// handleSubscriptionTerminated is the single join point for all failures.
// With willRetry false it performs a full abort before the application
// callback; otherwise only the exchange is flushed and, after the callback,
// the retry timer is armed.
func (c *Client) handleSubscriptionTerminated(willRetry bool, reason error, status *wire.StatusReport) {
	handler := c.handler

	// Contract errors are never retried.
	if errors.Is(reason, ErrIncorrectState) || errors.Is(reason, ErrInvalidArgument) {
		willRetry = false
	}

	c.log.Info("subscription terminated", "state", c.state.String(), "willRetry", willRetry, "err", reason)

	c.addRef()
	defer c.release()

	if !willRetry {
		c.AbortSubscription()
	} else {
		// Any further traffic on the current exchange is an error; flush
		// it hard but keep the rest of the subscription state for retry.
		c.flushExchange(true)
		c.updateInFlight = false
	}

	stats.SubscriptionTerminated(c.id, willRetry)
	if handler != nil {
		handler(events.SubscriptionTerminated{Reason: reason, WillRetry: willRetry, Status: status})
	}

	// Only arm the timer if the callback has not changed our state.
	if willRetry && c.state != StateAborted {
		c.setRetryTimer(reason)
	}
}

// setRetryTimer enters Resubscribe_Holdoff and arms the policy's interval.
// A no-op when the policy is disabled or a holdoff is already pending.
func (c *Client) setRetryTimer(reason error) {
	policy := c.policy
	if policy == nil || c.state >= StateResubscribeHoldoff {
		return
	}

	c.addRef()
	defer c.release()

	c.moveToState(StateResubscribeHoldoff)
	stats.ResubscribeHoldoff(c.id)

	interval := policy.Interval(c.retryCounter, reason)

	// A policy callback may have aborted us.
	if c.state == StateAborted {
		return
	}

	c.log.Info("resubscribe holdoff", "retries", c.retryCounter, "interval", interval)
	c.timers.Start(c, interval, c.timerEvent)
}

// refreshTimer cancels the current timer unconditionally and re-arms it
// according to the current state.
func (c *Client) refreshTimer() error {
	c.timers.Cancel(c)

	var timeout time.Duration
	needed := false

	switch c.state {
	case StateSubscribing, StateSubscribingIDAssigned:
		if c.inactivityTimeout > 0 {
			timeout = c.inactivityTimeout
			needed = true
			c.log.Debug("set subscribing inactivity limit", "timeout", timeout)
		}

	case StateEstablishedIdle:
		if c.livenessTimeout > 0 {
			if c.isInitiator {
				// Reserve margin for reliable-messaging retransmissions so
				// the confirm goes out early enough.
				wrm := c.binding.DefaultWRMConfig()
				margin := time.Duration(wrm.MaxRetrans+1) * wrm.InitialRetransTimeout
				if margin >= c.livenessTimeout {
					c.log.Error("liveness period not larger than wrm margin", "liveness", c.livenessTimeout, "margin", margin)
					return ErrTimeout
				}
				timeout = c.livenessTimeout - margin
			} else {
				timeout = c.livenessTimeout
			}
			needed = true
			c.log.Debug("set liveness timer", "timeout", timeout)
		}

	case StateEstablishedConfirming, StateAborting:
		// No timer in these states.

	default:
		return ErrIncorrectState
	}

	if needed {
		c.timers.Start(c, timeout, c.timerEvent)
	}
	return nil
}

// timerEvent handles the single-shot timer in whatever state it fires.
func (c *Client) timerEvent() {
	if c.refCount == 0 || c.state < timerTickBegin || c.state > timerTickEnd {
		return
	}

	var err error

	c.addRef()
	defer c.release()

	switch c.state {
	case StateSubscribing, StateSubscribingIDAssigned:
		c.log.Info("subscribing phase timed out, aborting")
		err = ErrTimeout

	case StateEstablishedIdle:
		if !c.isInitiator {
			// Only the initiator can confirm; all we can do is give up.
			c.log.Info("liveness timed out")
			err = ErrTimeout
			break
		}
		if c.updateInFlight {
			// The pending update response will prove liveness; confirming
			// now would tear down the update exchange.
			_ = c.refreshTimer()
			break
		}
		err = c.sendSubscribeConfirm()

	case StateResubscribeHoldoff:
		c.retryCounter++
		c.moveToState(StateInitialized)
		c.initiateSubscription()

	default:
		c.log.Debug("timer fired in unexpected state, ignoring", "state", c.state.String())
	}

	if err != nil {
		c.handleSubscriptionTerminated(c.IsRetryEnabled(), err, nil)
	}
}

func (c *Client) sendSubscribeConfirm() error {
	c.log.Debug("confirming liveness")

	payload, err := wire.EncodeSubscriptionIDOnly(c.subscriptionID)
	if err != nil {
		return err
	}
	if err := c.replaceExchangeContext(roleConfirm); err != nil {
		return err
	}
	if err := c.ec.Send(wire.ProfileWDM, wire.MsgSubscribeConfirmRequest, payload, exchange.FlagExpectResponse); err != nil {
		return err
	}
	if c.state != StateEstablishedIdle {
		// A synchronous callback from the message layer changed state.
		return ErrIncorrectState
	}
	c.moveToState(StateEstablishedConfirming)
	return nil
}

// onBindingEvent receives binding lifecycle events once a subscription has
// been initiated.
func (c *Client) onBindingEvent(ev exchange.BindingEvent, reason error) {
	c.addRef()
	defer c.release()

	switch ev {
	case exchange.BindingEventReady:
		c.initiateSubscription()
	case exchange.BindingEventPrepareFailed, exchange.BindingEventFailed:
		c.setRetryTimer(reason)
	}
}
