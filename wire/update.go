package wire

import (
	"github.com/dougsteed/wdmclient/tlv"
)

// Context tags of the UpdateRequest message.
const (
	tagUpdateDataList = 1
)

// Context tags of the UpdateResponse structure carried in a status report's
// additional info.
const (
	tagUpdateRespVersionList = 1
	tagUpdateRespStatusList  = 2
)

// Context tags of one status-list entry.
const (
	tagStatusProfile = 1
	tagStatusCode    = 2
)

// UpdateRequestBuilder assembles an update request incrementally. Each
// element is committed atomically: if the size-limited writer refuses any
// part of it, the buffer rolls back to the previous element boundary and the
// add reports tlv.ErrBufferTooSmall.
type UpdateRequestBuilder struct {
	w     *tlv.Writer
	count int
}

// NewUpdateRequestBuilder starts an update payload bounded by maxSize bytes;
// zero means unbounded.
func NewUpdateRequestBuilder(maxSize int) (*UpdateRequestBuilder, error) {
	var w *tlv.Writer
	if maxSize > 0 {
		w = tlv.NewLimitedWriter(maxSize)
	} else {
		w = tlv.NewWriter()
	}
	if err := w.StartStructure(tlv.AnonymousTag); err != nil {
		return nil, err
	}
	if err := w.StartArray(tagUpdateDataList); err != nil {
		return nil, err
	}
	return &UpdateRequestBuilder{w: w}, nil
}

// AddElement appends one data element. requiredVersion is the conditional
// predicate, zero for unconditional. fn writes the element's data under the
// given tag; fn may commit a partial encoding (dictionary overflow) and
// still return nil. A non-nil error from fn rolls the element back.
func (b *UpdateRequestBuilder) AddElement(p Path, requiredVersion uint64, fn func(w *tlv.Writer, tag uint64) error) error {
	mark := b.w.Mark()
	err := func() error {
		if err := b.w.StartStructure(tlv.AnonymousTag); err != nil {
			return err
		}
		if err := WritePath(b.w, tagElemPath, p); err != nil {
			return err
		}
		if requiredVersion != 0 {
			if err := b.w.PutUInt(tagElemVersion, requiredVersion); err != nil {
				return err
			}
		}
		if err := fn(b.w, tagElemData); err != nil {
			return err
		}
		return b.w.EndContainer()
	}()
	if err != nil {
		b.w.Rewind(mark)
		return err
	}
	b.count++
	return nil
}

// Count returns the number of committed elements.
func (b *UpdateRequestBuilder) Count() int {
	return b.count
}

// Finish closes the payload.
func (b *UpdateRequestBuilder) Finish() ([]byte, error) {
	if err := b.w.EndContainer(); err != nil {
		return nil, err
	}
	if err := b.w.EndContainer(); err != nil {
		return nil, err
	}
	return b.w.Bytes(), nil
}

// ParseUpdateRequest returns an iterator over an update payload's data list.
func ParseUpdateRequest(payload []byte) (*DataListIter, error) {
	r := tlv.NewReader(payload)
	if err := r.Expect(tlv.TypeStructure, tlv.AnonymousTag); err != nil {
		return nil, err
	}
	if err := r.Enter(); err != nil {
		return nil, err
	}
	for {
		if err := r.Next(); err != nil {
			return nil, err
		}
		if r.Tag() == tagUpdateDataList {
			raw, err := r.Capture()
			if err != nil {
				return nil, err
			}
			return NewDataListIter(raw), nil
		}
		if err := r.Skip(); err != nil {
			return nil, err
		}
	}
}

// ProfileStatus is one entry of an update response's status list.
type ProfileStatus struct {
	Profile uint32
	Status  uint16
}

// UpdateResponse carries the per-path outcome of an update request. A nil
// list is distinct from an empty one: nil means the publisher omitted the
// list entirely.
type UpdateResponse struct {
	Versions []uint64
	Statuses []ProfileStatus
}

// HasVersionList reports whether the version list was present.
func (m *UpdateResponse) HasVersionList() bool { return m.Versions != nil }

// HasStatusList reports whether the status list was present.
func (m *UpdateResponse) HasStatusList() bool { return m.Statuses != nil }

// Encode renders the response structure for a status report's additional
// info.
func (m *UpdateResponse) Encode() ([]byte, error) {
	w := tlv.NewWriter()
	if err := w.StartStructure(tlv.AnonymousTag); err != nil {
		return nil, err
	}
	if m.Versions != nil {
		if err := w.StartArray(tagUpdateRespVersionList); err != nil {
			return nil, err
		}
		for _, v := range m.Versions {
			if err := w.PutUInt(tlv.AnonymousTag, v); err != nil {
				return nil, err
			}
		}
		if err := w.EndContainer(); err != nil {
			return nil, err
		}
	}
	if m.Statuses != nil {
		if err := w.StartArray(tagUpdateRespStatusList); err != nil {
			return nil, err
		}
		for _, st := range m.Statuses {
			if err := w.StartStructure(tlv.AnonymousTag); err != nil {
				return nil, err
			}
			if err := w.PutUInt(tagStatusProfile, uint64(st.Profile)); err != nil {
				return nil, err
			}
			if err := w.PutUInt(tagStatusCode, uint64(st.Status)); err != nil {
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
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// ParseUpdateResponse decodes a response from a status report's additional
// info.
func ParseUpdateResponse(info []byte) (*UpdateResponse, error) {
	m := &UpdateResponse{}
	r := tlv.NewReader(info)
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
		case tagUpdateRespVersionList:
			m.Versions = []uint64{}
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
				m.Versions = append(m.Versions, v)
			}
			if err := r.Exit(); err != nil {
				return nil, err
			}
		case tagUpdateRespStatusList:
			m.Statuses = []ProfileStatus{}
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
				var st ProfileStatus
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
					case tagStatusProfile:
						st.Profile = uint32(v)
					case tagStatusCode:
						st.Status = uint16(v)
					}
				}
				if err := r.Exit(); err != nil {
					return nil, err
				}
				m.Statuses = append(m.Statuses, st)
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
