package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/dougsteed/wdmclient/events"
	"github.com/dougsteed/wdmclient/exchange"
	"github.com/dougsteed/wdmclient/stats"
	"github.com/dougsteed/wdmclient/tlv"
	"github.com/dougsteed/wdmclient/traits"
	"github.com/dougsteed/wdmclient/wire"
)

// HandleInbound routes a publisher-initiated message to the client. The
// embedder wires this to the transport's unsolicited-message delivery.
// Notifications on foreign exchanges are accepted only once established;
// anything else is dropped and the exchange closed.
func (c *Client) HandleInbound(ec exchange.Context, msg *exchange.Message) {
	switch {
	case msg.Profile == wire.ProfileWDM && msg.Type == wire.MsgNotificationRequest:
		c.notificationRequestHandler(ec, msg)
	case msg.Profile == wire.ProfileWDM && msg.Type == wire.MsgSubscribeCancelRequest:
		c.cancelRequestHandler(ec, msg)
	default:
		c.log.Debug("dropping unsolicited message", "profile", msg.Profile, "type", msg.Type)
		ec.Close()
	}
}

// onMessage receives replies on the locally initiated exchange and routes
// them by the exchange's role and the current state.
func (c *Client) onMessage(ec exchange.Context, msg *exchange.Message) {
	var err error
	var status *wire.StatusReport
	retainExchange := false

	c.addRef()
	defer c.release()

	if ec != c.ec {
		c.log.Debug("message on stale exchange, ignoring", "exchange", ec.ID())
		ec.Close()
		return
	}

	if msg.Profile == wire.ProfileCommon && msg.Type == wire.MsgStatusReport {
		status, err = wire.ParseStatusReport(msg.Payload)
		if err == nil {
			c.log.Debug("received status report", "profile", status.Profile, "status", status.Status)
		}
	}

	if err == nil {
		switch {
		case c.role == roleUpdate:
			// Flush before acting: confirming the update may immediately
			// send the next request on a fresh exchange.
			retainExchange = true
			c.flushExchange(false)
			err = c.onUpdateExchangeMessage(status)

		case c.state == StateSubscribing || c.state == StateSubscribingIDAssigned:
			switch {
			case status != nil:
				err = &StatusError{Report: status}
			case msg.Profile == wire.ProfileWDM && msg.Type == wire.MsgNotificationRequest:
				// More notifies may arrive on this same exchange.
				retainExchange = true
				c.notificationRequestHandler(ec, msg)
			case msg.Profile == wire.ProfileWDM && msg.Type == wire.MsgSubscribeResponse:
				// Establishment may immediately resume a pending flush on a
				// fresh exchange; retire this one first.
				retainExchange = true
				c.flushExchange(false)
				err = c.onSubscribeResponse(msg.Payload)
			default:
				err = ErrInvalidMessageType
			}

		case c.state == StateEstablishedConfirming:
			if status != nil && status.Success() {
				c.flushExchange(false)
				c.moveToState(StateEstablishedIdle)
				c.log.Debug("liveness confirmed")
				c.emit(events.SubscriptionActivity{})
				err = c.refreshTimer()
			} else {
				err = ErrInvalidMessageType
			}

		case c.state == StateCanceling:
			// Whatever the reply says, we are heading out; no second
			// terminated callback for the application.
			c.AbortSubscription()

		default:
			c.log.Debug("message in unexpected state, ignoring", "state", c.state.String())
		}
	}

	if !retainExchange {
		c.flushExchange(false)
	}

	if err != nil {
		c.handleSubscriptionTerminated(c.IsRetryEnabled(), err, status)
	}
}

// onSubscribeResponse validates the response, captures the subscription id
// and liveness timeout, and completes establishment.
func (c *Client) onSubscribeResponse(payload []byte) error {
	resp, err := wire.ParseSubscribeResponse(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTLVElement, err)
	}

	if c.state == StateSubscribing {
		c.subscriptionID = resp.SubscriptionID
	} else if c.subscriptionID != resp.SubscriptionID {
		return fmt.Errorf("%w: subscription id %#x does not match %#x", ErrInvalidTLVElement, resp.SubscriptionID, c.subscriptionID)
	}

	if c.state == StateSubscribing && resp.TimeoutSec != wire.NoTimeout {
		if resp.TimeoutSec > wire.MaxTimeoutSec {
			return fmt.Errorf("%w: liveness timeout %d out of range", ErrInvalidTLVElement, resp.TimeoutSec)
		}
		c.livenessTimeout = secondsToDuration(resp.TimeoutSec)
	}

	c.establish()

	// Resume a flush that was requested while the subscription was down.
	if c.flushInProgress {
		if c.pending.IsEmpty() {
			c.flushInProgress = false
		} else {
			_ = c.formAndSendUpdate(true)
		}
	}
	return nil
}

// establish completes the transition into Established_Idle and tells the
// application. The callback may cancel or even abandon the subscription, so
// nothing here assumes the state afterwards.
func (c *Client) establish() {
	c.moveToState(StateEstablishedIdle)
	_ = c.refreshTimer()
	c.retryCounter = 0
	stats.SubscriptionEstablished(c.id)

	c.emit(events.SubscriptionActivity{})
	c.emit(events.SubscriptionEstablished{SubscriptionID: c.subscriptionID})
}

// notificationRequestHandler runs the notification pipeline: timer refresh,
// application preview, data-list application under access control, event
// stream hand-off, and the success status report.
func (c *Client) notificationRequestHandler(ec exchange.Context, msg *exchange.Message) {
	var err error

	c.log.Debug("notification request", "state", c.state.String(), "ref", c.refCount)

	c.addRef()
	defer c.release()

	if ec != c.ec {
		_ = c.binding.AdjustResponseTimeout(ec)
		defer ec.Close()
	}

	stateWhenEntered := c.state

	switch stateWhenEntered {
	case StateSubscribing, StateSubscribingIDAssigned:
		// During setup all notifies must ride the original exchange.
		if ec != c.ec {
			err = ErrIncorrectState
			break
		}
		err = c.refreshTimer()

	case StateEstablishedIdle, StateEstablishedConfirming:
		err = c.refreshTimer()

	default:
		// Ignore notifies in all other states.
		return
	}

	if err == nil {
		err = c.processNotification(ec, msg, stateWhenEntered)
	}

	if err != nil {
		c.handleSubscriptionTerminated(c.IsRetryEnabled(), err, nil)
	}
}

func (c *Client) processNotification(ec exchange.Context, msg *exchange.Message, stateWhenEntered State) error {
	c.emit(events.SubscriptionActivity{})

	// The application may inspect the raw notify, and may mutate state.
	c.emit(events.NotificationRequest{Payload: msg.Payload})

	if c.catalog != nil {
		c.catalog.DispatchEvent(traits.SinkEventNotifyBegin)
	}

	if c.state != stateWhenEntered {
		return nil
	}

	notify, err := wire.ParseNotificationRequest(msg.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTLVElement, err)
	}

	if notify.DataList != nil {
		if err := c.processDataList(notify.DataList); err != nil {
			return err
		}
	}

	if notify.EventList != nil {
		r := tlv.NewReader(notify.EventList)
		c.emit(events.EventStreamReceived{Reader: r})
	}

	c.emit(events.NotificationProcessed{})
	stats.NotificationProcessed(c.id)

	if c.catalog != nil {
		c.catalog.DispatchEvent(traits.SinkEventNotifyEnd)
	}

	if c.state != stateWhenEntered {
		return nil
	}

	report := &wire.StatusReport{Profile: wire.ProfileCommon, Status: wire.StatusSuccess}
	var flags exchange.SendFlags
	if ec.PeerRequestedAck() {
		flags |= exchange.FlagRequestAck
	}
	if err := ec.Send(wire.ProfileCommon, wire.MsgStatusReport, report.Encode(), flags); err != nil {
		return err
	}

	// A counter-subscriber has no SubscribeResponse to wait for: the first
	// fully processed notify completes establishment.
	if c.state == StateSubscribingIDAssigned && !c.isInitiator {
		if ec == c.ec {
			c.flushExchange(false)
		}
		c.establish()
	}
	return nil
}

// processDataList applies each data element to its sink, enforcing access
// control and partial-change continuity across elements.
func (c *Client) processDataList(dataList []byte) error {
	c.lockUpdates()
	err := c.processDataListLocked(dataList)
	var comps []completion
	if err == nil && c.updateInFlight {
		comps = c.purgePendingUpdateLocked()
	}
	c.unlockUpdates()
	c.emitCompletions(comps)
	return err
}

func (c *Client) processDataListLocked(dataList []byte) error {
	iter := wire.NewDataListIter(dataList)
	for {
		elem, err := iter.Next()
		if errors.Is(err, tlv.ErrEndOfInput) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTLVElement, err)
		}

		handle, err := c.catalog.AddressToHandle(elem.Path.Addr)
		if err != nil {
			return err
		}
		sink, err := c.catalog.Locate(handle)
		if err != nil {
			return err
		}
		prop, err := sink.Schema().HandleForTags(elem.Path.Tags)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSchemaMismatch, err)
		}

		// A partial change must be continued by an element on the same
		// trait.
		if c.prevIsPartial && c.prevTraitValid && c.prevTraitHandle != handle {
			return fmt.Errorf("%w: partial change on trait %d continued by trait %d", ErrInvalidTLVElement, c.prevTraitHandle, handle)
		}

		if aerr := c.acl.CheckAccess(traits.TraitPath{Trait: handle, Property: prop}, c.catalog); aerr != nil {
			c.log.Info("data element rejected by access control", "trait", handle, "err", aerr)
			c.prevTraitHandle, c.prevTraitValid, c.prevIsPartial = handle, true, elem.Partial
			continue
		}

		if elem.Data != nil {
			r, err := elem.DataReader()
			if err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidTLVElement, err)
			}
			if err := sink.Store(prop, elem.Version, r, elem.Partial); err != nil {
				return err
			}
		} else if !elem.Partial {
			sink.SetVersion(elem.Version)
		}

		c.checkPotentialDataLoss(handle, prop, sink.Schema())
		c.prevTraitHandle, c.prevTraitValid, c.prevIsPartial = handle, true, elem.Partial
	}
	return nil
}

// cancelRequestHandler answers a publisher-initiated cancel. An unauthentic
// request is rejected with "invalid subscription id" so the subscription's
// existence is not revealed; an authentic one is acknowledged and the
// subscription terminated without retry.
func (c *Client) cancelRequestHandler(ec exchange.Context, msg *exchange.Message) {
	c.log.Debug("cancel request", "state", c.state.String(), "ref", c.refCount)

	c.addRef()
	defer c.release()

	_ = c.binding.AdjustResponseTimeout(ec)
	defer ec.Close()

	canceled := true
	report := &wire.StatusReport{Profile: wire.ProfileCommon, Status: wire.StatusSuccess}
	if !c.binding.IsAuthenticMessageFromPeer(msg) {
		c.log.Info("rejecting cancel request from unauthorized source")
		canceled = false
		report = &wire.StatusReport{Profile: wire.ProfileWDM, Status: wire.StatusInvalidSubscriptionID}
	}

	var flags exchange.SendFlags
	if ec.PeerRequestedAck() {
		flags |= exchange.FlagRequestAck
	}
	err := ec.Send(wire.ProfileCommon, wire.MsgStatusReport, report.Encode(), flags)

	if err != nil || canceled {
		reason := err
		if reason == nil {
			reason = ErrSubscriptionCanceled
		}
		c.handleSubscriptionTerminated(false, reason, nil)
	}
}

// onSendError receives synchronous and asynchronous send failures for the
// current exchange.
func (c *Client) onSendError(ec exchange.Context, sendErr error) {
	var err error

	c.log.Debug("send error", "state", c.state.String(), "err", sendErr)

	c.addRef()
	defer c.release()

	if ec != c.ec {
		return
	}

	if c.role == roleUpdate {
		c.flushExchange(true)
		c.onUpdateResponseTimeout(sendErr)
		return
	}

	switch c.state {
	case StateSubscribing, StateSubscribingIDAssigned, StateEstablishedConfirming, StateCanceling:
		err = sendErr

	case StateResubscribeHoldoff:
		// A response timeout can trail a send error we already handled;
		// once the holdoff is set the late timeout is noise.
		if !errors.Is(sendErr, ErrTimeout) {
			err = sendErr
		}

	default:
		err = ErrIncorrectState
	}

	if err != nil {
		c.handleSubscriptionTerminated(c.IsRetryEnabled(), err, nil)
	}
}

// onResponseTimeout folds response timeouts into the send-error path.
func (c *Client) onResponseTimeout(ec exchange.Context) {
	c.onSendError(ec, ErrTimeout)
}

func secondsToDuration(sec uint32) time.Duration {
	return time.Duration(sec) * time.Second
}
