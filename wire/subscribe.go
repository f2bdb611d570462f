package wire

import (
	"fmt"

	"github.com/dougsteed/wdmclient/tlv"
)

// Context tags of the SubscribeRequest message.
const (
	tagSubReqSubscriptionID = 1
	tagSubReqPathList       = 2
	tagSubReqVersionList    = 3
	tagSubReqTimeoutMin     = 4
	tagSubReqTimeoutMax     = 5
	tagSubReqAllEvents      = 6
	tagSubReqLastObserved   = 7
)

// Context tags of an observed-event entry.
const (
	tagEventSource     = 1
	tagEventImportance = 2
	tagEventID         = 3
)

// ObservedEvent names the last event a subscriber saw from one source at one
// importance level.
type ObservedEvent struct {
	Source     uint64
	Importance uint32
	EventID    uint64
}

// SubscribeRequest is the initial message of a subscription. Versions runs
// parallel to Paths; a nil entry means the subscriber has no version for
// that path.
type SubscribeRequest struct {
	SubscriptionID     uint64
	HasSubscriptionID  bool
	Paths              []Path
	Versions           []*uint64
	TimeoutMinSec      uint32
	TimeoutMaxSec      uint32
	SubscribeAllEvents bool
	LastObserved       []ObservedEvent
}

// Encode renders the request payload.
func (m *SubscribeRequest) Encode() ([]byte, error) {
	w := tlv.NewWriter()
	if err := w.StartStructure(tlv.AnonymousTag); err != nil {
		return nil, err
	}
	if m.HasSubscriptionID {
		if err := w.PutUInt(tagSubReqSubscriptionID, m.SubscriptionID); err != nil {
			return nil, err
		}
	}
	if err := w.StartArray(tagSubReqPathList); err != nil {
		return nil, err
	}
	for _, p := range m.Paths {
		if err := WritePath(w, tlv.AnonymousTag, p); err != nil {
			return nil, err
		}
	}
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	if err := w.StartArray(tagSubReqVersionList); err != nil {
		return nil, err
	}
	for _, v := range m.Versions {
		if v == nil {
			if err := w.PutNull(tlv.AnonymousTag); err != nil {
				return nil, err
			}
		} else if err := w.PutUInt(tlv.AnonymousTag, *v); err != nil {
			return nil, err
		}
	}
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	if m.TimeoutMinSec != NoTimeout {
		if err := w.PutUInt(tagSubReqTimeoutMin, uint64(m.TimeoutMinSec)); err != nil {
			return nil, err
		}
	}
	if m.TimeoutMaxSec != NoTimeout {
		if err := w.PutUInt(tagSubReqTimeoutMax, uint64(m.TimeoutMaxSec)); err != nil {
			return nil, err
		}
	}
	if m.SubscribeAllEvents {
		if err := w.PutBool(tagSubReqAllEvents, true); err != nil {
			return nil, err
		}
		if len(m.LastObserved) > 0 {
			if err := w.StartArray(tagSubReqLastObserved); err != nil {
				return nil, err
			}
			for _, ev := range m.LastObserved {
				if err := w.StartStructure(tlv.AnonymousTag); err != nil {
					return nil, err
				}
				if err := w.PutUInt(tagEventSource, ev.Source); err != nil {
					return nil, err
				}
				if err := w.PutUInt(tagEventImportance, uint64(ev.Importance)); err != nil {
					return nil, err
				}
				if err := w.PutUInt(tagEventID, ev.EventID); err != nil {
					return nil, err
				}
				if err := w.EndContainer(); err != nil {
					return nil, err
				}
			}
			if err := w.EndContainer(); err != nil {
				return nil, err
			}
		}
	}
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// ParseSubscribeRequest decodes a request payload.
func ParseSubscribeRequest(payload []byte) (*SubscribeRequest, error) {
	m := &SubscribeRequest{}
	r := tlv.NewReader(payload)
	if err := r.Expect(tlv.TypeStructure, tlv.AnonymousTag); err != nil {
		return nil, err
	}
	if err := r.Enter(); err != nil {
		return nil, err
	}
	for {
		err := r.Next()
		if err == tlv.ErrEndOfInput {
			break
		}
		if err != nil {
			return nil, err
		}
		switch r.Tag() {
		case tagSubReqSubscriptionID:
			v, err := r.UInt()
			if err != nil {
				return nil, err
			}
			m.SubscriptionID, m.HasSubscriptionID = v, true
		case tagSubReqPathList:
			if err := r.Enter(); err != nil {
				return nil, err
			}
			for {
				err := r.Next()
				if err == tlv.ErrEndOfInput {
					break
				}
				if err != nil {
					return nil, err
				}
				p, err := ReadPath(r)
				if err != nil {
					return nil, err
				}
				m.Paths = append(m.Paths, p)
			}
			if err := r.Exit(); err != nil {
				return nil, err
			}
		case tagSubReqVersionList:
			if err := r.Enter(); err != nil {
				return nil, err
			}
			for {
				err := r.Next()
				if err == tlv.ErrEndOfInput {
					break
				}
				if err != nil {
					return nil, err
				}
				if r.Type() == tlv.TypeNull {
					m.Versions = append(m.Versions, nil)
					continue
				}
				v, err := r.UInt()
				if err != nil {
					return nil, err
				}
				m.Versions = append(m.Versions, &v)
			}
			if err := r.Exit(); err != nil {
				return nil, err
			}
		case tagSubReqTimeoutMin:
			v, err := r.UInt()
			if err != nil {
				return nil, err
			}
			m.TimeoutMinSec = uint32(v)
		case tagSubReqTimeoutMax:
			v, err := r.UInt()
			if err != nil {
				return nil, err
			}
			m.TimeoutMaxSec = uint32(v)
		case tagSubReqAllEvents:
			v, err := r.Bool()
			if err != nil {
				return nil, err
			}
			m.SubscribeAllEvents = v
		case tagSubReqLastObserved:
			if err := r.Enter(); err != nil {
				return nil, err
			}
			for {
				err := r.Next()
				if err == tlv.ErrEndOfInput {
					break
				}
				if err != nil {
					return nil, err
				}
				var ev ObservedEvent
				if err := r.Enter(); err != nil {
					return nil, err
				}
				for {
					err := r.Next()
					if err == tlv.ErrEndOfInput {
						break
					}
					if err != nil {
						return nil, err
					}
					v, err := r.UInt()
					if err != nil {
						return nil, err
					}
					switch r.Tag() {
					case tagEventSource:
						ev.Source = v
					case tagEventImportance:
						ev.Importance = uint32(v)
					case tagEventID:
						ev.EventID = v
					}
				}
				if err := r.Exit(); err != nil {
					return nil, err
				}
				m.LastObserved = append(m.LastObserved, ev)
			}
			if err := r.Exit(); err != nil {
				return nil, err
			}
		default:
			if err := r.Skip(); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// Context tags of the SubscribeResponse message.
const (
	tagSubRespSubscriptionID = 1
	tagSubRespTimeoutSec     = 2
)

// SubscribeResponse completes subscription establishment. A zero TimeoutSec
// means the publisher offered no liveness timeout.
type SubscribeResponse struct {
	SubscriptionID uint64
	TimeoutSec     uint32
}

// Encode renders the response payload.
func (m *SubscribeResponse) Encode() ([]byte, error) {
	w := tlv.NewWriter()
	if err := w.StartStructure(tlv.AnonymousTag); err != nil {
		return nil, err
	}
	if err := w.PutUInt(tagSubRespSubscriptionID, m.SubscriptionID); err != nil {
		return nil, err
	}
	if m.TimeoutSec != NoTimeout {
		if err := w.PutUInt(tagSubRespTimeoutSec, uint64(m.TimeoutSec)); err != nil {
			return nil, err
		}
	}
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// ParseSubscribeResponse decodes a response payload. The subscription id is
// mandatory.
func ParseSubscribeResponse(payload []byte) (*SubscribeResponse, error) {
	m := &SubscribeResponse{}
	r := tlv.NewReader(payload)
	if err := r.Expect(tlv.TypeStructure, tlv.AnonymousTag); err != nil {
		return nil, err
	}
	if err := r.Enter(); err != nil {
		return nil, err
	}
	sawID := false
	for {
		err := r.Next()
		if err == tlv.ErrEndOfInput {
			break
		}
		if err != nil {
			return nil, err
		}
		switch r.Tag() {
		case tagSubRespSubscriptionID:
			v, err := r.UInt()
			if err != nil {
				return nil, err
			}
			m.SubscriptionID, sawID = v, true
		case tagSubRespTimeoutSec:
			v, err := r.UInt()
			if err != nil {
				return nil, err
			}
			m.TimeoutSec = uint32(v)
		default:
			if err := r.Skip(); err != nil {
				return nil, err
			}
		}
	}
	if !sawID {
		return nil, fmt.Errorf("%w: subscribe response without subscription id", ErrMalformedMessage)
	}
	return m, nil
}

// tagSubscriptionID is the single field of the confirm and cancel requests.
const tagSubscriptionID = 1

// BaseSubscribeIDPayloadLen bounds the encoded size of a confirm or cancel
// request carrying only a subscription id; the encoding is 5 to 13 bytes
// long, depending on the id.
const BaseSubscribeIDPayloadLen = 16

// EncodeSubscriptionIDOnly renders the shared payload of
// SubscribeConfirmRequest and SubscribeCancelRequest.
func EncodeSubscriptionIDOnly(id uint64) ([]byte, error) {
	w := tlv.NewWriter()
	if err := w.StartStructure(tlv.AnonymousTag); err != nil {
		return nil, err
	}
	if err := w.PutUInt(tagSubscriptionID, id); err != nil {
		return nil, err
	}
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// ParseSubscriptionIDOnly decodes a confirm or cancel payload.
func ParseSubscriptionIDOnly(payload []byte) (uint64, error) {
	r := tlv.NewReader(payload)
	if err := r.Expect(tlv.TypeStructure, tlv.AnonymousTag); err != nil {
		return 0, err
	}
	if err := r.Enter(); err != nil {
		return 0, err
	}
	if err := r.Expect(tlv.TypeUInt, tagSubscriptionID); err != nil {
		return 0, err
	}
	return r.UInt()
}
