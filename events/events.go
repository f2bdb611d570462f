// Package events defines the typed event surface the subscription client
// presents to the embedding application. Every event is delivered
// synchronously on the client's execution context; the application must not
// block in a handler.
package events

import (
	"github.com/dougsteed/wdmclient/exchange"
	"github.com/dougsteed/wdmclient/tlv"
	"github.com/dougsteed/wdmclient/traits"
	"github.com/dougsteed/wdmclient/wire"
)

// Event is the closed sum of application events.
type Event interface {
	isEvent()
}

// Handler receives client events. A nil handler is treated as "log and
// drop".
type Handler func(ev Event)

// ObservedEvent mirrors wire.ObservedEvent for the prepare callback.
type ObservedEvent = wire.ObservedEvent

// SubscribePrepare is filled in by the application when the client asks for
// the subscription's shape. Either Paths or VersionedPaths must be set; if
// both are, VersionedPaths wins.
type SubscribePrepare struct {
	Paths          []traits.TraitPath
	VersionedPaths []traits.VersionedTraitPath

	// TimeoutSecMin and TimeoutSecMax bound the liveness timeout the
	// publisher may pick. Zero means unconstrained.
	TimeoutSecMin uint32
	TimeoutSecMax uint32

	// SubscriptionID is the pre-agreed id of a counter-subscription.
	SubscriptionID uint64

	// NeedAllEvents subscribes to the publisher's event stream, resuming
	// after LastObserved.
	NeedAllEvents bool
	LastObserved  []ObservedEvent
}

// SubscribeRequestPrepareNeeded asks the application to describe the
// subscription. The handler fills in Prepare before returning.
type SubscribeRequestPrepareNeeded struct {
	Prepare *SubscribePrepare
}

// SubscriptionActivity reports traffic proving the subscription alive.
type SubscriptionActivity struct{}

// SubscriptionEstablished reports a completed subscribe handshake.
type SubscriptionEstablished struct {
	SubscriptionID uint64
}

// SubscriptionTerminated reports the end of a subscription. Status is the
// peer's status report when one caused the termination.
type SubscriptionTerminated struct {
	Reason    error
	WillRetry bool
	Status    *wire.StatusReport
}

// NotificationRequest reports an inbound notify before processing. The
// handler may inspect the raw payload.
type NotificationRequest struct {
	Payload []byte
}

// NotificationProcessed reports that a notify was fully applied.
type NotificationProcessed struct{}

// EventStreamReceived carries a reader positioned at a notify's event list.
type EventStreamReceived struct {
	Reader *tlv.Reader
}

// ExchangeStart reports a fresh exchange context bound to the client.
type ExchangeStart struct {
	Exchange exchange.Context
}

// UpdateComplete reports the outcome of one updated path. Private
// continuation paths never surface here.
type UpdateComplete struct {
	Path    traits.TraitPath
	Profile uint32
	Status  uint16
	Reason  error
}

func (SubscribeRequestPrepareNeeded) isEvent() {}
func (SubscriptionActivity) isEvent()          {}
func (SubscriptionEstablished) isEvent()       {}
func (SubscriptionTerminated) isEvent()        {}
func (NotificationRequest) isEvent()           {}
func (NotificationProcessed) isEvent()         {}
func (EventStreamReceived) isEvent()           {}
func (ExchangeStart) isEvent()                 {}
func (UpdateComplete) isEvent()                {}
