// Package wire encodes and decodes the data-management profile messages.
// Message payloads are TLV; status reports use the common profile's fixed
// six-byte header with optional TLV additional info. The package is pure
// codec: it never touches client state.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dougsteed/wdmclient/tlv"
	"github.com/dougsteed/wdmclient/traits"
)

// Profile identifiers.
const (
	ProfileCommon uint32 = 0x00000000
	ProfileWDM    uint32 = 0x0000000B
)

// Data-management message types.
const (
	MsgSubscribeRequest        uint8 = 0x01
	MsgSubscribeResponse       uint8 = 0x02
	MsgSubscribeCancelRequest  uint8 = 0x03
	MsgSubscribeConfirmRequest uint8 = 0x04
	MsgNotificationRequest     uint8 = 0x05
	MsgUpdateRequest           uint8 = 0x06
	MsgPartialUpdateRequest    uint8 = 0x07
	MsgStatusReport            uint8 = 0x10
)

// Common-profile status codes.
const (
	StatusSuccess       uint16 = 0x0001
	StatusContinue      uint16 = 0x0002
	StatusTimeout       uint16 = 0x0010
	StatusInternalError uint16 = 0x0020
)

// Data-management profile status codes.
const (
	StatusInvalidSubscriptionID uint16 = 0x0021
	StatusVersionMismatch       uint16 = 0x0025
)

// MaxTimeoutSec bounds every timeout carried on the wire, about 18 hours.
const MaxTimeoutSec uint32 = 65535

// NoTimeout is the sentinel for an absent or disabled timeout.
const NoTimeout uint32 = 0

var ErrMalformedMessage = errors.New("wire: malformed message")

// StatusReport is the common-profile status report: a profile/status pair
// with optional TLV additional info.
type StatusReport struct {
	Profile        uint32
	Status         uint16
	AdditionalInfo []byte
}

// statusReportHeaderLen is the fixed profile+status prefix size.
const statusReportHeaderLen = 6

// Success reports a common-profile success status.
func (s *StatusReport) Success() bool {
	return s.Profile == ProfileCommon && s.Status == StatusSuccess
}

// Encode renders the report.
func (s *StatusReport) Encode() []byte {
	buf := make([]byte, statusReportHeaderLen, statusReportHeaderLen+len(s.AdditionalInfo))
	binary.LittleEndian.PutUint32(buf[0:4], s.Profile)
	binary.LittleEndian.PutUint16(buf[4:6], s.Status)
	return append(buf, s.AdditionalInfo...)
}

// ParseStatusReport decodes a status report payload.
func ParseStatusReport(payload []byte) (*StatusReport, error) {
	if len(payload) < statusReportHeaderLen {
		return nil, fmt.Errorf("%w: status report of %d bytes", ErrMalformedMessage, len(payload))
	}
	return &StatusReport{
		Profile:        binary.LittleEndian.Uint32(payload[0:4]),
		Status:         binary.LittleEndian.Uint16(payload[4:6]),
		AdditionalInfo: payload[statusReportHeaderLen:],
	}, nil
}

// Path is a fully resolved wire path: the instance address plus the tag walk
// from the trait root.
type Path struct {
	Addr  traits.Address
	Range traits.SchemaVersionRange
	Tags  []uint64
}

// Context tags of a path structure.
const (
	tagPathAddress = 1
	tagPathTags    = 2
)

// WritePath encodes a path structure under tag.
func WritePath(w *tlv.Writer, tag uint64, p Path) error {
	if err := w.StartStructure(tag); err != nil {
		return err
	}
	if err := traits.WriteAddress(w, p.Addr, p.Range); err != nil {
		return err
	}
	if len(p.Tags) > 0 {
		if err := w.StartArray(tagPathTags); err != nil {
			return err
		}
		for _, t := range p.Tags {
			if err := w.PutUInt(tlv.AnonymousTag, t); err != nil {
				return err
			}
		}
		if err := w.EndContainer(); err != nil {
			return err
		}
	}
	return w.EndContainer()
}

// ReadPath decodes the path structure the reader is positioned on.
func ReadPath(r *tlv.Reader) (Path, error) {
	var p Path
	if r.Type() != tlv.TypeStructure {
		return p, tlv.ErrWrongType
	}
	if err := r.Enter(); err != nil {
		return p, err
	}
	// Address comes first, as an anonymous structure.
	if err := r.Next(); err != nil {
		return p, err
	}
	addr, vr, err := traits.ReadAddress(r)
	if err != nil {
		return p, err
	}
	p.Addr, p.Range = addr, vr
	for {
		err := r.Next()
		if err == tlv.ErrEndOfInput {
			break
		}
		if err != nil {
			return p, err
		}
		if r.Tag() == tagPathTags && r.Type() == tlv.TypeArray {
			if err := r.Enter(); err != nil {
				return p, err
			}
			for {
				err := r.Next()
				if err == tlv.ErrEndOfInput {
					break
				}
				if err != nil {
					return p, err
				}
				t, err := r.UInt()
				if err != nil {
					return p, err
				}
				p.Tags = append(p.Tags, t)
			}
			if err := r.Exit(); err != nil {
				return p, err
			}
			continue
		}
		if err := r.Skip(); err != nil {
			return p, err
		}
	}
	return p, r.Exit()
}
