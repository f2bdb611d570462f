package wire

import (
	"github.com/dougsteed/wdmclient/tlv"
)

// Context tags of the NotificationRequest message.
const (
	tagNotifySubscriptionID = 1
	tagNotifyDataList       = 2
	tagNotifyEventList      = 3
)

// Context tags of a data element.
const (
	tagElemPath    = 1
	tagElemVersion = 2
	tagElemData    = 3
	tagElemPartial = 4
)

// NotificationRequest is the parsed frame of a notify message. DataList and
// EventList are raw TLV array elements, nil when absent; callers iterate the
// data list with DataListIter and hand the event list to the application.
type NotificationRequest struct {
	SubscriptionID    uint64
	HasSubscriptionID bool
	DataList          []byte
	EventList         []byte
}

// ParseNotificationRequest splits a notify payload into its sections.
func ParseNotificationRequest(payload []byte) (*NotificationRequest, error) {
	m := &NotificationRequest{}
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
		case tagNotifySubscriptionID:
			v, err := r.UInt()
			if err != nil {
				return nil, err
			}
			m.SubscriptionID, m.HasSubscriptionID = v, true
		case tagNotifyDataList:
			raw, err := r.Capture()
			if err != nil {
				return nil, err
			}
			m.DataList = raw
		case tagNotifyEventList:
			raw, err := r.Capture()
			if err != nil {
				return nil, err
			}
			m.EventList = raw
		default:
			if err := r.Skip(); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// DataElement is one entry of a data list. Data is the raw TLV of the
// element's data field, nil when the element carries no data.
type DataElement struct {
	Path    Path
	Version uint64
	Partial bool
	Data    []byte
}

// DataReader returns a reader positioned on the element's data.
func (e *DataElement) DataReader() (*tlv.Reader, error) {
	r := tlv.NewReader(e.Data)
	if err := r.Next(); err != nil {
		return nil, err
	}
	return r, nil
}

// DataListIter walks the elements of a raw data list.
type DataListIter struct {
	r       *tlv.Reader
	entered bool
}

// NewDataListIter returns an iterator over a captured data list array.
func NewDataListIter(dataList []byte) *DataListIter {
	return &DataListIter{r: tlv.NewReader(dataList)}
}

// Next returns the next element, or tlv.ErrEndOfInput after the last one.
// The list's own tag is not checked, so the same iterator serves notify and
// update data lists.
func (it *DataListIter) Next() (*DataElement, error) {
	if !it.entered {
		if err := it.r.Next(); err != nil {
			return nil, err
		}
		if it.r.Type() != tlv.TypeArray {
			return nil, tlv.ErrWrongType
		}
		if err := it.r.Enter(); err != nil {
			return nil, err
		}
		it.entered = true
	}
	if err := it.r.Next(); err != nil {
		return nil, err
	}
	return readDataElement(it.r)
}

func readDataElement(r *tlv.Reader) (*DataElement, error) {
	e := &DataElement{}
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
		case tagElemPath:
			p, err := ReadPath(r)
			if err != nil {
				return nil, err
			}
			e.Path = p
		case tagElemVersion:
			v, err := r.UInt()
			if err != nil {
				return nil, err
			}
			e.Version = v
		case tagElemData:
			raw, err := r.Capture()
			if err != nil {
				return nil, err
			}
			e.Data = raw
		case tagElemPartial:
			v, err := r.Bool()
			if err != nil {
				return nil, err
			}
			e.Partial = v
		default:
			if err := r.Skip(); err != nil {
				return nil, err
			}
		}
	}
	return e, r.Exit()
}

// NotifyBuilder assembles a NotificationRequest payload. The loopback
// publisher and the tests use it; a real publisher lives on the peer.
type NotifyBuilder struct {
	w      *tlv.Writer
	inList bool
	err    error
}

// NewNotifyBuilder starts a notify payload for subscription id. Pass zero to
// omit the id.
func NewNotifyBuilder(subscriptionID uint64) *NotifyBuilder {
	b := &NotifyBuilder{w: tlv.NewWriter()}
	b.err = b.w.StartStructure(tlv.AnonymousTag)
	if b.err == nil && subscriptionID != 0 {
		b.err = b.w.PutUInt(tagNotifySubscriptionID, subscriptionID)
	}
	return b
}

// AddElement appends a data element whose data is written by fn under the
// element's data tag.
func (b *NotifyBuilder) AddElement(p Path, version uint64, partial bool, fn func(w *tlv.Writer, tag uint64) error) *NotifyBuilder {
	if b.err != nil {
		return b
	}
	if !b.inList {
		if b.err = b.w.StartArray(tagNotifyDataList); b.err != nil {
			return b
		}
		b.inList = true
	}
	if b.err = b.w.StartStructure(tlv.AnonymousTag); b.err != nil {
		return b
	}
	if b.err = WritePath(b.w, tagElemPath, p); b.err != nil {
		return b
	}
	if b.err = b.w.PutUInt(tagElemVersion, version); b.err != nil {
		return b
	}
	if fn != nil {
		if b.err = fn(b.w, tagElemData); b.err != nil {
			return b
		}
	}
	if partial {
		if b.err = b.w.PutBool(tagElemPartial, true); b.err != nil {
			return b
		}
	}
	b.err = b.w.EndContainer()
	return b
}

// AddEventList appends a raw event list element.
func (b *NotifyBuilder) AddEventList(raw []byte) *NotifyBuilder {
	if b.err != nil {
		return b
	}
	if b.inList {
		if b.err = b.w.EndContainer(); b.err != nil {
			return b
		}
		b.inList = false
	}
	b.err = b.w.StartArray(tagNotifyEventList)
	if b.err != nil {
		return b
	}
	b.err = b.w.PutBytes(tlv.AnonymousTag, raw)
	if b.err != nil {
		return b
	}
	b.err = b.w.EndContainer()
	return b
}

// Finish closes the payload.
func (b *NotifyBuilder) Finish() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.inList {
		if err := b.w.EndContainer(); err != nil {
			return nil, err
		}
		b.inList = false
	}
	if err := b.w.EndContainer(); err != nil {
		return nil, err
	}
	return b.w.Bytes(), nil
}
