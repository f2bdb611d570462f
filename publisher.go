package main

import (
	"log/slog"

	"github.com/dougsteed/wdmclient/exchange"
	"github.com/dougsteed/wdmclient/tlv"
	"github.com/dougsteed/wdmclient/wire"
)

// demoPublisher is the scripted peer of the loopback demo. It answers a
// SubscribeRequest with a notification covering every requested path
// followed by a SubscribeResponse, acknowledges confirms and cancels, and
// accepts every update.
type demoPublisher struct {
	subscriptionID uint64
	versions       map[uint64]uint64 // resource id -> data version
}

func newDemoPublisher() *demoPublisher {
	return &demoPublisher{
		subscriptionID: 0xAA,
		versions:       make(map[uint64]uint64),
	}
}

func (p *demoPublisher) handle(r exchange.Responder, msg *exchange.Message) {
	switch {
	case msg.Profile == wire.ProfileWDM && msg.Type == wire.MsgSubscribeRequest:
		p.onSubscribeRequest(r, msg)
	case msg.Profile == wire.ProfileWDM && msg.Type == wire.MsgSubscribeConfirmRequest:
		p.replySuccess(r, nil)
	case msg.Profile == wire.ProfileWDM && msg.Type == wire.MsgSubscribeCancelRequest:
		p.replySuccess(r, nil)
	case msg.Profile == wire.ProfileWDM &&
		(msg.Type == wire.MsgUpdateRequest || msg.Type == wire.MsgPartialUpdateRequest):
		p.onUpdateRequest(r, msg)
	case msg.Profile == wire.ProfileCommon && msg.Type == wire.MsgStatusReport:
		// The client acknowledging a notification.
	default:
		slog.Info("publisher ignoring message", "profile", msg.Profile, "type", msg.Type)
	}
}

func (p *demoPublisher) onSubscribeRequest(r exchange.Responder, msg *exchange.Message) {
	req, err := wire.ParseSubscribeRequest(msg.Payload)
	if err != nil {
		slog.Error("publisher failed to parse subscribe request", "err", err)
		return
	}

	if req.HasSubscriptionID {
		p.subscriptionID = req.SubscriptionID
	}

	// Populate every requested path with fresh data before confirming.
	nb := wire.NewNotifyBuilder(p.subscriptionID)
	for _, path := range req.Paths {
		p.versions[path.Addr.Resource]++
		version := p.versions[path.Addr.Resource]
		nb.AddElement(path, version, false, func(w *tlv.Writer, tag uint64) error {
			return w.PutUInt(tag, 7)
		})
	}
	notify, err := nb.Finish()
	if err != nil {
		slog.Error("publisher failed to build notify", "err", err)
		return
	}
	if err := r.Reply(wire.ProfileWDM, wire.MsgNotificationRequest, notify); err != nil {
		slog.Error("publisher failed to send notify", "err", err)
		return
	}

	timeout := req.TimeoutMaxSec
	if timeout == wire.NoTimeout {
		timeout = 60
	}
	resp := &wire.SubscribeResponse{SubscriptionID: p.subscriptionID, TimeoutSec: timeout}
	payload, err := resp.Encode()
	if err != nil {
		slog.Error("publisher failed to encode response", "err", err)
		return
	}
	if err := r.Reply(wire.ProfileWDM, wire.MsgSubscribeResponse, payload); err != nil {
		slog.Error("publisher failed to send response", "err", err)
	}
}

func (p *demoPublisher) onUpdateRequest(r exchange.Responder, msg *exchange.Message) {
	if msg.Type == wire.MsgPartialUpdateRequest {
		// Ask for the rest before committing anything.
		report := &wire.StatusReport{Profile: wire.ProfileCommon, Status: wire.StatusContinue}
		if err := r.Reply(wire.ProfileCommon, wire.MsgStatusReport, report.Encode()); err != nil {
			slog.Error("publisher failed to send continue", "err", err)
		}
		return
	}

	iter, err := wire.ParseUpdateRequest(msg.Payload)
	if err != nil {
		slog.Error("publisher failed to parse update request", "err", err)
		return
	}
	resp := &wire.UpdateResponse{Versions: []uint64{}, Statuses: []wire.ProfileStatus{}}
	for {
		elem, err := iter.Next()
		if err != nil {
			break
		}
		p.versions[elem.Path.Addr.Resource]++
		resp.Versions = append(resp.Versions, p.versions[elem.Path.Addr.Resource])
		resp.Statuses = append(resp.Statuses, wire.ProfileStatus{Profile: wire.ProfileCommon, Status: wire.StatusSuccess})
	}
	p.replySuccess(r, resp)
}

func (p *demoPublisher) replySuccess(r exchange.Responder, resp *wire.UpdateResponse) {
	report := &wire.StatusReport{Profile: wire.ProfileCommon, Status: wire.StatusSuccess}
	if resp != nil {
		info, err := resp.Encode()
		if err != nil {
			slog.Error("publisher failed to encode update response", "err", err)
			return
		}
		report.AdditionalInfo = info
	}
	if err := r.Reply(wire.ProfileCommon, wire.MsgStatusReport, report.Encode()); err != nil {
		slog.Error("publisher reply failed", "err", err)
	}
}
