// Package traits defines the data-model vocabulary shared by the
// subscription client and its collaborators: trait and property handles,
// trait paths, the schema-engine and data-sink capability interfaces, and
// the sink catalog. The client itself never inspects trait data beyond these
// interfaces.
package traits

import (
	"errors"

	"github.com/dougsteed/wdmclient/tlv"
)

// TraitDataHandle identifies a trait instance within a catalog.
type TraitDataHandle uint16

// PropertyPathHandle identifies a node in a trait's schema tree. The upper
// 16 bits carry a dictionary key for handles that address an element of a
// dictionary property; the lower 16 bits are the schema node.
type PropertyPathHandle uint32

const (
	// NullPropertyPathHandle is the absent-path sentinel.
	NullPropertyPathHandle PropertyPathHandle = 0

	// RootPropertyPathHandle addresses the whole trait instance.
	RootPropertyPathHandle PropertyPathHandle = 1
)

// SchemaHandle returns the schema-node part of the handle.
func (h PropertyPathHandle) SchemaHandle() uint16 {
	return uint16(h)
}

// DictionaryKey returns the dictionary-key part of the handle, zero for
// plain schema nodes.
func (h PropertyPathHandle) DictionaryKey() uint16 {
	return uint16(h >> 16)
}

// DictionaryItemHandle builds the handle of one element of a dictionary
// whose element schema node is elem.
func DictionaryItemHandle(elem PropertyPathHandle, key uint16) PropertyPathHandle {
	return PropertyPathHandle(uint32(key)<<16 | uint32(elem.SchemaHandle()))
}

// TraitPath names a property of a trait instance. Equality is structural.
type TraitPath struct {
	Trait    TraitDataHandle
	Property PropertyPathHandle
}

// SchemaVersionRange is the schema-version span a subscriber can consume.
// The zero value means "unversioned".
type SchemaVersionRange struct {
	Min uint16
	Max uint16
}

// IsZero reports whether no range was requested.
func (r SchemaVersionRange) IsZero() bool {
	return r.Min == 0 && r.Max == 0
}

// VersionedTraitPath is a TraitPath plus the requested schema-version range.
type VersionedTraitPath struct {
	TraitPath
	Requested SchemaVersionRange
}

// SchemaEngine answers structural questions about one trait's schema tree
// and converts between path handles and wire tags. Implementations are
// immutable after construction.
type SchemaEngine interface {
	// ProfileID returns the trait profile the schema describes.
	ProfileID() uint32

	// Parent returns the parent handle, or NullPropertyPathHandle for the
	// root and for unknown handles.
	Parent(h PropertyPathHandle) PropertyPathHandle

	// IsParent reports whether ancestor is a proper ancestor of h.
	IsParent(h, ancestor PropertyPathHandle) bool

	// IsDictionary reports whether h addresses a dictionary property.
	IsDictionary(h PropertyPathHandle) bool

	// PathTags returns the tag sequence from the root down to h.
	PathTags(h PropertyPathHandle) ([]uint64, error)

	// HandleForTags resolves a tag sequence back to a handle.
	HandleForTags(tags []uint64) (PropertyPathHandle, error)
}

// SinkEvent is a bulk notification broadcast to every sink in a catalog.
type SinkEvent int

const (
	// SinkEventNotifyBegin precedes the application of a notify data list.
	SinkEventNotifyBegin SinkEvent = iota

	// SinkEventNotifyEnd follows the application of a notify data list.
	SinkEventNotifyEnd

	// SinkEventSubscriptionTerminated reports that the subscription the
	// sinks were fed by is gone.
	SinkEventSubscriptionTerminated
)

// DataSink is the client-side mirror of a remote trait instance. The client
// stores received data elements into it and tracks its data version.
type DataSink interface {
	// Schema returns the engine for this sink's trait.
	Schema() SchemaEngine

	// Version returns the current data version.
	Version() uint64

	// IsVersionValid reports whether Version has been set since the last
	// ClearVersion.
	IsVersionValid() bool

	// SetVersion records a version delivered by the publisher.
	SetVersion(v uint64)

	// ClearVersion invalidates the version, forcing a fresh resync.
	ClearVersion()

	// Store applies one data element. r is positioned on the element's data;
	// partial reports that the element is a partial change to be continued
	// by the next element on the same trait.
	Store(path PropertyPathHandle, version uint64, r *tlv.Reader, partial bool) error

	// HandleEvent receives catalog-wide broadcasts.
	HandleEvent(ev SinkEvent)
}

// UpdatableDataSink extends DataSink with the operations the update engine
// needs to push local mutations back to the publisher.
type UpdatableDataSink interface {
	DataSink

	// ReadData encodes the property at path under tag into w. resume is the
	// dictionary element to restart from, or NullPropertyPathHandle to
	// start at the beginning. If the writer runs out of room mid-dictionary
	// the sink returns the next element still to be written; otherwise it
	// returns NullPropertyPathHandle.
	ReadData(path PropertyPathHandle, tag uint64, w *tlv.Writer, resume PropertyPathHandle) (next PropertyPathHandle, err error)

	// UpdateRequiredVersion returns the version an in-progress conditional
	// update is predicated on, zero if none.
	UpdateRequiredVersion() uint64

	// SetUpdateRequiredVersion records the version a conditional update is
	// predicated on. Zero clears it.
	SetUpdateRequiredVersion(v uint64)

	// IsConditionalUpdate reports whether the latest mutation was marked
	// conditional.
	IsConditionalUpdate() bool

	// SetConditionalUpdate marks subsequent updates conditional or not.
	SetConditionalUpdate(conditional bool)
}

// ErrNotUpdatable is returned when an operation requires an
// UpdatableDataSink but the catalog entry only implements DataSink.
var ErrNotUpdatable = errors.New("traits: sink is not updatable")

// AsUpdatable converts a sink to its updatable interface.
func AsUpdatable(s DataSink) (UpdatableDataSink, error) {
	u, ok := s.(UpdatableDataSink)
	if !ok {
		return nil, ErrNotUpdatable
	}
	return u, nil
}
